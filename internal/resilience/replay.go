package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultReplayBackoff spaces the first replay retry of an entry whose
// republish failed again; each further failure doubles it.
const DefaultReplayBackoff = time.Minute

// DLQStore is the slice of the relational store a replay sweep needs.
type DLQStore interface {
	DequeueDLQ(ctx context.Context, filter DLQFilter) ([]DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// Republisher puts a parked payload back onto its original queue.
type Republisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// ReplayReport tallies one replay sweep.
type ReplayReport struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// ReplayDLQ republishes every parked entry due for retry: a successful
// publish removes the entry, a failed one reschedules it with a doubled
// backoff. Only a dequeue failure aborts the sweep; per-entry failures
// are tallied and the sweep moves on.
func ReplayDLQ(ctx context.Context, st DLQStore, pub Republisher, filter DLQFilter, backoff time.Duration, now time.Time) (ReplayReport, error) {
	if backoff <= 0 {
		backoff = DefaultReplayBackoff
	}

	entries, err := st.DequeueDLQ(ctx, filter)
	if err != nil {
		return ReplayReport{}, eris.Wrap(err, "resilience: dequeue dlq")
	}

	log := zap.L().With(zap.String("component", "resilience.replay"))

	var report ReplayReport
	for i := range entries {
		entry := &entries[i]
		if err := pub.Publish(ctx, entry.Queue, entry.Message); err != nil {
			report.Failed++
			log.Warn("resilience: replay publish failed",
				zap.String("entry_id", entry.ID),
				zap.String("queue", entry.Queue),
				zap.Int("retry_count", entry.RetryCount),
				zap.Error(err),
			)
			if ierr := st.IncrementDLQRetry(ctx, entry.ID, entry.NextBackoff(backoff, now), err.Error()); ierr != nil {
				log.Warn("resilience: failed to reschedule dlq entry",
					zap.String("entry_id", entry.ID),
					zap.Error(ierr),
				)
			}
			continue
		}

		report.Replayed++
		// A failed remove means the entry replays again later; the
		// consumers treat redelivery as routine.
		if err := st.RemoveDLQ(ctx, entry.ID); err != nil {
			log.Warn("resilience: failed to remove replayed entry",
				zap.String("entry_id", entry.ID),
				zap.Error(err),
			)
		}
	}
	return report, nil
}
