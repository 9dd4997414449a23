package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instruments for the worker, registered on the default
// registry and served by the worker's /metrics route.
var (
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_worker_messages_processed_total",
		Help: "Queue messages handled, by message type and outcome.",
	}, []string{"type", "outcome"})

	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_worker_enrichment_batches_total",
		Help: "Enrichment batches run, by outcome.",
	}, []string{"outcome"})

	PromptsEnriched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_worker_prompts_enriched_total",
		Help: "Prompt records that received a generated URL.",
	})

	LockTakeovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_worker_lock_takeovers_total",
		Help: "Expired enrichment locks taken over by a new audit.",
	})

	LockConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_worker_lock_conflicts_total",
		Help: "Enrichment lock conflicts observed, by reason.",
	}, []string{"reason"})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_worker_notifications_sent_total",
		Help: "Downstream detection notifications published, by message type.",
	}, []string{"type"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_worker_batch_duration_seconds",
		Help:    "Wall time of one enrichment batch including persistence.",
		Buckets: prometheus.DefBuckets,
	})

	JobsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_worker_jobs_triggered_total",
		Help: "Enrichment jobs triggered, by outcome.",
	}, []string{"outcome"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_worker_active_jobs",
		Help: "Audits in progress as of the last monitoring sweep.",
	})

	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_worker_dlq_depth",
		Help: "Messages parked in the dead letter queue as of the last monitoring sweep.",
	})
)
