package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/siteoptics/audit-worker/internal/audit"
	"github.com/siteoptics/audit-worker/internal/enrichment"
	"github.com/siteoptics/audit-worker/internal/monitoring"
	"github.com/siteoptics/audit-worker/internal/objstore"
	"github.com/siteoptics/audit-worker/internal/queue"
	"github.com/siteoptics/audit-worker/internal/resilience"
	"github.com/siteoptics/audit-worker/internal/store"
	"github.com/siteoptics/audit-worker/pkg/urlgen"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initObjStore opens the object store backend and makes sure the
// artifact bucket exists.
func initObjStore(ctx context.Context) (objstore.Store, error) {
	ob, err := objstore.New(cfg.ObjStore)
	if err != nil {
		return nil, err
	}
	if err := ob.EnsureBucket(ctx, cfg.ObjStore.Bucket); err != nil {
		return nil, err
	}
	return ob, nil
}

// workerEnv holds all initialized backends plus the runner, driver, and
// checker the worker and trigger commands run against.
type workerEnv struct {
	Store    store.Store
	ObjStore objstore.Store
	Queue    *queue.AMQP
	Runner   *audit.Runner
	Driver   *enrichment.Driver
	Checker  *monitoring.Checker
}

// Close releases resources held by the worker environment.
func (we *workerEnv) Close() {
	if we.Queue != nil {
		_ = we.Queue.Close()
	}
	if we.Store != nil {
		_ = we.Store.Close()
	}
}

// initWorker sets up the store, object store, broker connection, and
// URL generation client, then builds the runner, driver, and checker
// around them. Callers should defer env.Close().
func initWorker(ctx context.Context, mode string) (*workerEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ob, err := initObjStore(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	q, err := queue.Dial(ctx, cfg.Queue)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	gen := urlgen.NewClient(cfg.URLGen.Key,
		urlgen.WithBaseURL(cfg.URLGen.BaseURL),
		urlgen.WithRateLimit(cfg.URLGen.RequestsPerSec, cfg.URLGen.Burst),
		urlgen.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.URLGen.TimeoutSecs) * time.Second}),
	)

	timeout := time.Duration(cfg.Enrichment.TimeoutMS) * time.Millisecond

	driver := enrichment.NewDriver(enrichment.Config{
		Bucket:            cfg.ObjStore.Bucket,
		ContinuationQueue: cfg.Queue.Continuation,
		DetectionQueue:    cfg.Queue.Detection,
		BatchSize:         cfg.Enrichment.BatchSize,
		Timeout:           timeout,
		Breaker:           resilience.FromCircuitConfig(cfg.URLGen.BreakerFailureThreshold, cfg.URLGen.BreakerResetSecs),
	}, enrichment.Deps{
		Sites:         st,
		ObjStore:      ob,
		Queue:         q,
		Generator:     gen,
		DLQ:           st,
		Opportunities: st,
	})

	runner := audit.NewRunner(audit.Config{
		Bucket:            cfg.ObjStore.Bucket,
		ContinuationQueue: cfg.Queue.Continuation,
		DetectionQueue:    cfg.Queue.Detection,
		Timeout:           timeout,
		MaxPrompts:        cfg.Audit.MaxPrompts,
		DefaultProviders:  cfg.Audit.DefaultProviders,
		Retry: resilience.FromRetryConfig(cfg.Enrichment.RetryMaxAttempts,
			cfg.Enrichment.RetryInitialBackoffMS, cfg.Enrichment.RetryMaxBackoffMS, 0, -1),
	}, audit.Deps{
		Records:  st,
		ObjStore: ob,
		Queue:    q,
	})

	checker := monitoring.NewChecker(monitoring.NewCollector(st), monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

	return &workerEnv{
		Store:    st,
		ObjStore: ob,
		Queue:    q,
		Runner:   runner,
		Driver:   driver,
		Checker:  checker,
	}, nil
}
