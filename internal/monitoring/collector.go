package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/store"
)

// stallAfter is how long an in-progress opportunity may go without an
// update before the collector counts it as stalled. Enrichment locks
// expire after ten minutes, so an hour of silence means no worker will
// ever finish the job.
const stallAfter = time.Hour

// MetricsSnapshot holds a point-in-time view of audit health.
type MetricsSnapshot struct {
	// Audit metrics (within lookback window).
	AuditsRun        int     `json:"audits_run"`
	AuditsNew        int     `json:"audits_new"`
	AuditsInProgress int     `json:"audits_in_progress"`
	AuditsResolved   int     `json:"audits_resolved"`
	AuditsIgnored    int     `json:"audits_ignored"`
	AuditsStalled    int     `json:"audits_stalled"`
	FailureRate      float64 `json:"failure_rate"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of audit metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	stallCutoff := now.Add(-stallAfter)

	// Fetch opportunities created within the window.
	opps, err := c.store.ListOpportunities(ctx, store.OpportunityFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list opportunities")
	}

	snap.AuditsRun = len(opps)
	for _, opp := range opps {
		switch opp.Status {
		case model.OpportunityStatusNew:
			snap.AuditsNew++
		case model.OpportunityStatusInProgress:
			snap.AuditsInProgress++
			if opp.UpdatedAt.Before(stallCutoff) {
				snap.AuditsStalled++
			}
		case model.OpportunityStatusResolved:
			snap.AuditsResolved++
		case model.OpportunityStatusIgnored:
			snap.AuditsIgnored++
		}
	}

	// A stalled audit is a failure: nothing will finish it. Rate over
	// audits that reached a terminal outcome one way or the other.
	finished := snap.AuditsResolved + snap.AuditsIgnored + snap.AuditsStalled
	if finished > 0 {
		snap.FailureRate = float64(snap.AuditsStalled) / float64(finished)
	}

	// DLQ depth.
	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
