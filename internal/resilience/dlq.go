package resilience

import (
	"encoding/json"
	"time"
)

// DLQEntry is a queue message the worker could not process, parked for
// later replay. Message holds the original payload verbatim so a replay
// publishes exactly what was consumed.
type DLQEntry struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Message      json.RawMessage `json:"message"`
	AuditID      string          `json:"audit_id,omitempty"`
	SiteID       string          `json:"site_id,omitempty"`
	Error        string          `json:"error"`
	ErrorType    string          `json:"error_type"` // "transient" or "permanent"
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	CreatedAt    time.Time       `json:"created_at"`
	LastFailedAt time.Time       `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Queue     string `json:"queue,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NextBackoff computes when the entry should next be retried, doubling
// the delay with each failed replay.
func (e *DLQEntry) NextBackoff(base time.Duration, now time.Time) time.Time {
	delay := base << uint(e.RetryCount)
	return now.Add(delay)
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
