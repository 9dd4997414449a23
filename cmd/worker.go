package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/siteoptics/audit-worker/internal/audit"
	"github.com/siteoptics/audit-worker/internal/monitoring"
)

var workerPort int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the enrichment worker",
	Long:  "Consumes enrichment continuations from the queue, serves the trigger/status HTTP API with health and metrics endpoints, and runs the background alert checker until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initWorker(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		router := buildRouter(env.Runner, env.Checker, map[string]pinger{
			"store":    env.Store,
			"objstore": env.ObjStore,
			"queue":    env.Queue,
		})
		port := resolvePort(workerPort, cfg.Server.Port)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return startServer(gctx, router, port)
		})
		g.Go(func() error {
			return env.Queue.Consume(gctx, cfg.Queue.Continuation, env.Driver.HandleMessage)
		})
		g.Go(func() error {
			env.Checker.Run(gctx)
			return nil
		})

		return g.Wait()
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerPort, "port", 0, "HTTP port (default from config)")
	rootCmd.AddCommand(workerCmd)
}

// pinger is the readiness probe each backend exposes.
type pinger interface {
	Ping(ctx context.Context) error
}

// resolvePort picks the HTTP port: the --port flag wins over config.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// buildRouter assembles the worker's HTTP surface. checker may be nil;
// the health endpoint then omits the snapshot.
func buildRouter(runner *audit.Runner, checker *monitoring.Checker, pings map[string]pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(pings))}
		for name, p := range pings {
			if err := p.Ping(req.Context()); err != nil {
				resp.Status = "degraded"
				resp.Checks[name] = err.Error()
			} else {
				resp.Checks[name] = "ok"
			}
		}
		if checker != nil {
			resp.Snapshot = checker.LastSnapshot()
		}

		code := http.StatusOK
		if resp.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/audits/geo-brand-presence", func(w http.ResponseWriter, req *http.Request) {
		var treq audit.TriggerRequest
		if err := json.NewDecoder(req.Body).Decode(&treq); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := runner.Trigger(req.Context(), treq)
		if err != nil {
			code := triggerStatusCode(err)
			if code == http.StatusInternalServerError {
				zap.L().Error("trigger failed", zap.Error(err))
				writeError(w, code, "trigger failed")
				return
			}
			writeError(w, code, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	})

	r.Get("/jobs/{auditID}", func(w http.ResponseWriter, req *http.Request) {
		auditID := chi.URLParam(req, "auditID")
		status, err := runner.Status(req.Context(), auditID)
		if err != nil {
			if eris.Is(err, audit.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			zap.L().Error("status lookup failed", zap.String("audit_id", auditID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "status lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	return r
}

type healthResponse struct {
	Status   string                      `json:"status"`
	Checks   map[string]string           `json:"checks"`
	Snapshot *monitoring.MetricsSnapshot `json:"snapshot,omitempty"`
}

// triggerStatusCode maps a trigger error to its HTTP status.
func triggerStatusCode(err error) int {
	switch {
	case eris.Is(err, audit.ErrSiteNotFound):
		return http.StatusNotFound
	case eris.Is(err, audit.ErrJobRunning):
		return http.StatusConflict
	case eris.Is(err, audit.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// startServer runs the HTTP server until ctx is cancelled, then shuts
// it down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	zap.L().Info("http server listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}
