// Package enrichment implements the URL enrichment coordinator for
// geo-brand-presence audits: a best-effort lock plus a batch
// continuation chain over the object store and the message queue.
//
// One logical job enriches a site's prompt records with generated
// URLs, ten at a time, across many queue-triggered invocations. The
// queue delivers at least once and in no particular order, so every
// invocation re-validates ownership before and after doing work;
// duplicate or late messages degrade to logged no-ops.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/monitoring"
	"github.com/siteoptics/audit-worker/internal/objstore"
	"github.com/siteoptics/audit-worker/internal/queue"
	"github.com/siteoptics/audit-worker/internal/resilience"
	"github.com/siteoptics/audit-worker/pkg/urlgen"
)

// Defaults for the injected coordinator settings.
const (
	DefaultTimeout   = 10 * time.Minute
	DefaultBatchSize = 10
)

// Config holds the coordinator settings. Timeout and batch size are
// injected here rather than hardcoded so tests can shrink them.
type Config struct {
	Bucket            string
	ContinuationQueue string
	DetectionQueue    string
	BatchSize         int
	Timeout           time.Duration
	// Breaker guards the URL generation service; the zero value takes
	// the resilience defaults.
	Breaker resilience.CircuitBreakerConfig
}

// SiteFinder resolves registered sites. It returns (nil, nil) when no
// site matches, reserving errors for lookup failures.
type SiteFinder interface {
	GetSite(ctx context.Context, id string) (*model.Site, error)
}

// DLQSink parks messages the driver could not process so an operator
// can inspect and replay them.
type DLQSink interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
}

// OpportunityResolver closes out the finding recorded when the job was
// triggered, once the chain reaches its end.
type OpportunityResolver interface {
	UpdateOpportunityStatus(ctx context.Context, oppID string, status model.OpportunityStatus) error
}

// Deps are the collaborators the driver works through. DLQ and
// Opportunities are optional; without them failed messages are only
// logged and findings stay as the trigger wrote them.
type Deps struct {
	Sites         SiteFinder
	ObjStore      objstore.Store
	Queue         queue.Publisher
	Generator     urlgen.Client
	DLQ           DLQSink
	Opportunities OpportunityResolver
}

// Response is the outcome reported to the invoking infrastructure.
// Continuing and finalizing both report 200; there is no distinct
// partial-success status.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func ok(msg string) Response {
	return Response{Status: http.StatusOK, Message: msg}
}

func notFound(msg string) Response {
	return Response{Status: http.StatusNotFound, Message: msg}
}

func internalError(msg string) Response {
	return Response{Status: http.StatusInternalServerError, Message: msg}
}

// Driver runs one continuation per incoming message: validate, check
// timeout and ownership, process one batch, persist, then either
// re-enqueue or finalize.
type Driver struct {
	cfg   Config
	deps  Deps
	locks *LockManager
	batch *BatchProcessor
}

// NewDriver wires a driver and its lock manager from the given
// configuration and collaborators.
func NewDriver(cfg Config, deps Deps) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Driver{
		cfg:   cfg,
		deps:  deps,
		locks: NewLockManager(deps.ObjStore, cfg.Bucket, cfg.Timeout),
		batch: NewBatchProcessor(deps.Generator, cfg.Breaker),
	}
}

// Locks exposes the driver's lock manager so the trigger path shares
// the same timeout policy.
func (d *Driver) Locks() *LockManager {
	return d.locks
}

// HandleMessage is the queue handler: it decodes a continuation
// message and runs it. Only undecodable payloads return an error; the
// driver reports everything else through its Response and logs.
// Messages that failed processing are parked in the DLQ for replay.
func (d *Driver) HandleMessage(ctx context.Context, body []byte) error {
	var msg model.ContinuationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		monitoring.MessagesProcessed.WithLabelValues("unknown", "invalid").Inc()
		d.park(ctx, body, msg, err, true)
		return eris.Wrap(err, "enrichment: decode continuation message")
	}
	if msg.Type != model.MessageTypeURLEnrichment {
		monitoring.MessagesProcessed.WithLabelValues(msg.Type, "ignored").Inc()
		zap.L().Warn("enrichment: ignoring unexpected message type", zap.String("type", msg.Type))
		return nil
	}

	resp, cause := d.continueErr(ctx, msg)

	outcome := "ok"
	switch {
	case resp.Status == http.StatusNotFound:
		outcome = "not_found"
	case resp.Status >= http.StatusInternalServerError:
		outcome = "error"
		d.park(ctx, body, msg, cause, false)
	}
	monitoring.MessagesProcessed.WithLabelValues(msg.Type, outcome).Inc()
	return nil
}

// Continue runs one invocation's worth of work for the job named in
// msg and reports 200, 404, or 500.
func (d *Driver) Continue(ctx context.Context, msg model.ContinuationMessage) Response {
	resp, _ := d.continueErr(ctx, msg)
	return resp
}

// continueErr additionally reports the failure behind a 500 so
// HandleMessage can park the message. Any unexpected failure lands in
// the catch-all: log, attempt the fallback notification if metadata
// was loaded, and report 500 regardless of the fallback's own outcome.
// A failure inside the notification send itself skips the fallback:
// re-running the fan-out would duplicate the messages that already
// went out.
func (d *Driver) continueErr(ctx context.Context, msg model.ContinuationMessage) (Response, error) {
	log := zap.L().With(
		zap.String("component", "enrichment.driver"),
		zap.String("audit_id", msg.AuditID),
		zap.String("site_id", msg.SiteID),
		zap.Int("batch_start", msg.BatchStart),
	)

	c := &continuation{d: d, msg: msg, log: log}
	resp, err := c.run(ctx)
	if err == nil {
		return resp, c.cause
	}

	log.Error("enrichment: continuation failed", zap.Error(err))
	if c.meta != nil && !c.notifyFailed {
		if ferr := d.sendDetections(ctx, c.meta); ferr != nil {
			log.Error("enrichment: fallback notification failed", zap.Error(ferr))
		}
	}
	return internalError("internal error"), err
}

// park stores a failed message in the dead letter queue. Best-effort:
// if the sink fails the message is lost to the DLQ, but the protocol
// stays correct because a fresh trigger supersedes the job once the
// lock expires.
func (d *Driver) park(ctx context.Context, body []byte, msg model.ContinuationMessage, cause error, poison bool) {
	if d.deps.DLQ == nil {
		return
	}
	if cause == nil {
		cause = eris.New("enrichment: continuation failed")
	}

	now := d.locks.now()
	entry := resilience.DLQEntry{
		ID:           uuid.NewString(),
		Queue:        d.cfg.ContinuationQueue,
		Message:      append(json.RawMessage(nil), body...),
		AuditID:      msg.AuditID,
		SiteID:       msg.SiteID,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		MaxRetries:   3,
		NextRetryAt:  now.Add(time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if poison {
		// Replaying an undecodable payload can never succeed; keep it
		// for inspection only.
		entry.ErrorType = "permanent"
		entry.MaxRetries = 0
	}

	if err := d.deps.DLQ.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Warn("enrichment: failed to park message in dlq",
			zap.String("audit_id", msg.AuditID),
			zap.Error(err),
		)
	}
}

// resolveOpportunity marks the triggered finding resolved once the
// chain has run its course. Best-effort: a failed update leaves the
// record in_progress for the stall monitor to surface.
func (d *Driver) resolveOpportunity(ctx context.Context, log *zap.Logger, meta *model.JobMetadata) {
	if d.deps.Opportunities == nil || meta.OpportunityID == "" {
		return
	}
	if err := d.deps.Opportunities.UpdateOpportunityStatus(ctx, meta.OpportunityID, model.OpportunityStatusResolved); err != nil {
		log.Warn("enrichment: failed to resolve opportunity",
			zap.String("opportunity_id", meta.OpportunityID),
			zap.Error(err),
		)
	}
}

// continuation carries the state loaded so far through one Continue
// call, so the catch-all knows what the fallback can use. cause holds
// the failure behind a 500 returned without the catch-all (the
// prompts-shape path, which must not trigger a fallback). notifyFailed
// marks a failure that happened during the detection fan-out, which
// must not be re-run as a fallback.
type continuation struct {
	d            *Driver
	msg          model.ContinuationMessage
	log          *zap.Logger
	meta         *model.JobMetadata
	cause        error
	notifyFailed bool
}

func (c *continuation) run(ctx context.Context) (Response, error) {
	d := c.d

	// VALIDATE_SITE
	site, err := d.deps.Sites.GetSite(ctx, c.msg.SiteID)
	if err != nil {
		return Response{}, eris.Wrap(err, "enrichment: resolve site")
	}
	if site == nil {
		c.log.Warn("enrichment: site not found")
		return notFound("site not found"), nil
	}

	// VALIDATE_METADATA. Any load failure reads as "no job": the
	// chain simply ends here and a later trigger starts fresh, taking
	// over the stale lock once it expires.
	meta := &model.JobMetadata{}
	err = d.deps.ObjStore.GetJSON(ctx, d.cfg.Bucket, MetadataKey(c.msg.AuditID), meta)
	if err != nil {
		if !errors.Is(err, objstore.ErrNotFound) {
			c.log.Warn("enrichment: metadata load failed", zap.Error(err))
		}
		return notFound("job metadata not found"), nil
	}
	if meta.IndicesToEnrich == nil {
		c.log.Warn("enrichment: job metadata lacks enrichment indices")
		return notFound("job metadata invalid"), nil
	}
	c.meta = meta

	// CHECK_TIMEOUT: a job past its window finalizes with whatever it
	// has. Downstream still gets notified; a degraded result beats a
	// silent one.
	if d.locks.TimedOut(meta) {
		c.log.Warn("enrichment: job exceeded its window, finalizing early",
			zap.Duration("elapsed", d.locks.now().Sub(meta.CreatedAt)),
			zap.Duration("timeout", d.cfg.Timeout),
		)
		d.locks.Release(ctx, meta.SiteID, meta.LockID)
		d.resolveOpportunity(ctx, c.log, meta)
		if err := d.sendDetections(ctx, meta); err != nil {
			c.log.Error("enrichment: fallback notification failed", zap.Error(err))
		}
		return ok("enrichment window expired"), nil
	}

	// CHECK_CONFLICT_PRE
	if conflict := d.locks.CheckConflict(ctx, meta.SiteID, meta.LockID, c.msg.AuditID); conflict.HasConflict {
		c.log.Warn("enrichment: lock conflict, yielding",
			zap.String("reason", string(conflict.Reason)),
			zap.String("newer_audit_id", orUnknown(conflict.NewerAuditID)),
		)
		return ok("superseded by another audit"), nil
	}

	// PROCESS_BATCH
	var prompts []model.Prompt
	if err := d.deps.ObjStore.GetJSON(ctx, d.cfg.Bucket, PromptsKey(c.msg.AuditID), &prompts); err != nil || prompts == nil {
		// Unusable prompt data. No fallback notification from here:
		// there is nothing trustworthy to report downstream.
		if err == nil {
			err = eris.New("enrichment: prompts document is not a sequence")
		}
		c.log.Error("enrichment: prompts missing or not a sequence", zap.Error(err))
		c.cause = err
		return internalError("prompts unavailable"), nil
	}

	indices := batchSlice(meta.IndicesToEnrich, c.msg.BatchStart, d.cfg.BatchSize)
	start := d.locks.now()
	enriched, err := d.batch.Process(ctx, prompts, indices, meta)
	if err != nil {
		monitoring.BatchesProcessed.WithLabelValues("error").Inc()
		return Response{}, err
	}
	if err := d.deps.ObjStore.PutJSON(ctx, d.cfg.Bucket, PromptsKey(c.msg.AuditID), prompts); err != nil {
		monitoring.BatchesProcessed.WithLabelValues("error").Inc()
		return Response{}, eris.Wrap(err, "enrichment: persist prompts")
	}
	monitoring.BatchDuration.Observe(d.locks.now().Sub(start).Seconds())
	monitoring.BatchesProcessed.WithLabelValues("ok").Inc()

	// CHECK_CONFLICT_POST: guards against a takeover mid-batch. The
	// just-persisted mutations stay as they are; the superseding audit
	// re-reads the prompts and carries on from whatever it finds.
	if conflict := d.locks.CheckConflict(ctx, meta.SiteID, meta.LockID, c.msg.AuditID); conflict.HasConflict {
		c.log.Warn("enrichment: conflict after batch, yielding",
			zap.String("reason", string(conflict.Reason)),
			zap.String("newer_audit_id", orUnknown(conflict.NewerAuditID)),
		)
		return ok("superseded after batch"), nil
	}

	// CONTINUE or FINALIZE
	next := c.msg.BatchStart + d.cfg.BatchSize
	if next < len(meta.IndicesToEnrich) {
		cont := model.ContinuationMessage{
			Type:       model.MessageTypeURLEnrichment,
			AuditID:    c.msg.AuditID,
			SiteID:     c.msg.SiteID,
			BatchStart: next,
		}
		if err := d.deps.Queue.Publish(ctx, d.cfg.ContinuationQueue, cont); err != nil {
			return Response{}, eris.Wrap(err, "enrichment: enqueue continuation")
		}
		c.log.Info("enrichment: batch complete, continuing",
			zap.Int("enriched", enriched),
			zap.Int("next_batch_start", next),
			zap.Int("total_indices", len(meta.IndicesToEnrich)),
		)
		return ok("continuing"), nil
	}

	d.locks.Release(ctx, meta.SiteID, meta.LockID)
	d.resolveOpportunity(ctx, c.log, meta)
	if err := d.sendDetections(ctx, meta); err != nil {
		c.notifyFailed = true
		return Response{}, eris.Wrap(err, "enrichment: notify downstream")
	}
	c.log.Info("enrichment: job finalized",
		zap.Int("enriched_in_final_batch", enriched),
		zap.Int("total_indices", len(meta.IndicesToEnrich)),
	)
	return ok("enrichment complete"), nil
}

// batchSlice returns indices[start:start+size] clamped to bounds. A
// start at or past the end yields nil, which turns a duplicate
// delivery of the final continuation into a no-op.
func batchSlice(indices []int, start, size int) []int {
	if start < 0 || start >= len(indices) {
		return nil
	}
	end := start + size
	if end > len(indices) {
		end = len(indices)
	}
	return indices[start:end]
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
