package enrichment

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/monitoring"
	"github.com/siteoptics/audit-worker/internal/objstore"
)

// ConflictReason explains why a conflict check failed.
type ConflictReason string

const (
	// ConflictLockMissing: no lock object could be loaded. Either the
	// job was released/finalized elsewhere or the store hiccuped; both
	// mean this invocation must not keep going.
	ConflictLockMissing ConflictReason = "lock-missing"
	// ConflictLockStolen: the lock is held by a different audit, which
	// took over after this one's lock expired.
	ConflictLockStolen ConflictReason = "lock-stolen"
)

// AcquireResult is the outcome of a lock acquisition attempt.
type AcquireResult struct {
	Acquired bool
	// Existing is set when a fresh lock blocked the acquisition.
	Existing *model.Lock
}

// Conflict is the outcome of a lock ownership check.
type Conflict struct {
	HasConflict  bool
	Reason       ConflictReason
	NewerAuditID string
}

// LockManager coordinates best-effort mutual exclusion between audits
// of the same site and reporting period, using a JSON lock object in
// the object store. The store offers no conditional put, so acquisition
// is read-then-write: two acquisitions racing at the same instant can
// both succeed. The conflict checks around every batch bound the
// damage; this is a coordination convenience, not a strict mutex.
type LockManager struct {
	store   objstore.Store
	bucket  string
	timeout time.Duration
	now     func() time.Time
}

// NewLockManager creates a lock manager. Locks older than timeout are
// considered abandoned and eligible for takeover.
func NewLockManager(store objstore.Store, bucket string, timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LockManager{
		store:   store,
		bucket:  bucket,
		timeout: timeout,
		now:     time.Now,
	}
}

// Acquire attempts to take the (siteID, lockID) lock for auditID.
// A missing or expired lock is claimed; a fresh one is returned
// unchanged with Acquired=false.
func (m *LockManager) Acquire(ctx context.Context, siteID, lockID, auditID string) (AcquireResult, error) {
	key := LockKey(siteID, lockID)
	log := zap.L().With(
		zap.String("component", "enrichment.lock"),
		zap.String("site_id", siteID),
		zap.String("lock_id", lockID),
	)

	var existing model.Lock
	err := m.store.GetJSON(ctx, m.bucket, key, &existing)
	switch {
	case err == nil:
		age := m.now().Sub(existing.StartedAt)
		if age < m.timeout {
			return AcquireResult{Acquired: false, Existing: &existing}, nil
		}
		log.Warn("enrichment: taking over expired lock",
			zap.String("superseded_audit_id", existing.AuditID),
			zap.Duration("lock_age", age),
			zap.Duration("timeout", m.timeout),
		)
		monitoring.LockTakeovers.Inc()
	case errors.Is(err, objstore.ErrNotFound):
		// No lock; claim it.
	default:
		// An unreadable lock is treated like a missing one. The
		// conflict checks after every batch bound the overlap window.
		log.Warn("enrichment: lock read failed, treating as absent", zap.Error(err))
	}

	lock := model.Lock{
		AuditID:   auditID,
		SiteID:    siteID,
		LockID:    lockID,
		StartedAt: m.now(),
	}
	if err := m.store.PutJSON(ctx, m.bucket, key, lock); err != nil {
		return AcquireResult{}, eris.Wrapf(err, "enrichment: write lock %s", key)
	}
	return AcquireResult{Acquired: true}, nil
}

// CheckConflict verifies auditID still owns the (siteID, lockID) lock.
// Any failure to load the lock reports lock-missing; the caller must
// stop either way, so load errors are not distinguished from absence.
func (m *LockManager) CheckConflict(ctx context.Context, siteID, lockID, auditID string) Conflict {
	var lock model.Lock
	err := m.store.GetJSON(ctx, m.bucket, LockKey(siteID, lockID), &lock)
	if err != nil {
		if !errors.Is(err, objstore.ErrNotFound) {
			zap.L().Warn("enrichment: lock read failed during conflict check",
				zap.String("site_id", siteID),
				zap.String("lock_id", lockID),
				zap.Error(err),
			)
		}
		monitoring.LockConflicts.WithLabelValues(string(ConflictLockMissing)).Inc()
		return Conflict{HasConflict: true, Reason: ConflictLockMissing}
	}

	if lock.AuditID != auditID {
		monitoring.LockConflicts.WithLabelValues(string(ConflictLockStolen)).Inc()
		return Conflict{HasConflict: true, Reason: ConflictLockStolen, NewerAuditID: lock.AuditID}
	}
	return Conflict{}
}

// Release deletes the lock object. Failures are logged and swallowed:
// a failed cleanup must never block job completion, and an orphaned
// lock ages out through the timeout.
func (m *LockManager) Release(ctx context.Context, siteID, lockID string) {
	if err := m.store.Delete(ctx, m.bucket, LockKey(siteID, lockID)); err != nil {
		zap.L().Warn("enrichment: lock release failed",
			zap.String("site_id", siteID),
			zap.String("lock_id", lockID),
			zap.Error(err),
		)
	}
}

// TimedOut reports whether the job described by meta has exceeded its
// enrichment window. Nil metadata or a zero CreatedAt returns false:
// malformed metadata must fail safe toward "still running", never
// toward tearing a live job down.
func (m *LockManager) TimedOut(meta *model.JobMetadata) bool {
	if meta == nil || meta.CreatedAt.IsZero() {
		return false
	}
	return m.now().Sub(meta.CreatedAt) >= m.timeout
}

// Timeout returns the configured takeover window.
func (m *LockManager) Timeout() time.Duration {
	return m.timeout
}
