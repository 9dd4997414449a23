package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteoptics/audit-worker/internal/config"
)

// Checker runs periodic alert checks in the background and keeps the
// most recent snapshot for the worker's health endpoint.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu   sync.RWMutex
	last *MetricsSnapshot
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// LastSnapshot returns the most recently collected snapshot, or nil if
// no check has completed yet.
func (c *Checker) LastSnapshot() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Run starts the periodic check loop. One check runs immediately so the
// health endpoint has data before the first tick. Blocks until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	c.check(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()

	ActiveJobs.Set(float64(snap.AuditsInProgress))
	DLQDepth.Set(float64(snap.DLQDepth))

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
