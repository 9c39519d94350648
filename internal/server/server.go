// Package server exposes the pipeline jobs as authenticated HTTP triggers
// for cron callers and the ops dashboard.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-intel/internal/config"
	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/monitoring"
	"github.com/sells-group/account-intel/internal/pipeline"
	"github.com/sells-group/account-intel/internal/ratelimit"
	"github.com/sells-group/account-intel/internal/store"
)

// Jobs is the set of pipeline runs the server can trigger.
type Jobs interface {
	RunExtraction(ctx context.Context, orgID string) (pipeline.ExtractResult, error)
	RunClassification(ctx context.Context) (pipeline.ClassifyResult, error)
	RunBriefings(ctx context.Context, orgIDs []string, ref time.Time) (pipeline.Aggregate, error)
	SynthesizeOne(ctx context.Context, orgID string, ref time.Time) (*pipeline.Outcome, error)
}

// RunLister reads the run-record audit trail.
type RunLister interface {
	ListRunRecords(ctx context.Context, filter store.RunFilter) ([]model.RunRecord, error)
}

// Deps are the collaborators behind the routes. Collector and Limiter are
// optional: a nil Collector drops /runs/stats and a nil Limiter disables
// trigger quotas.
type Deps struct {
	Jobs      Jobs
	Runs      RunLister
	Collector *monitoring.Collector
	Limiter   *ratelimit.Limiter
}

// Server routes trigger requests to the pipeline.
type Server struct {
	cfg           config.ServerConfig
	triggerLimit  int
	triggerWindow time.Duration
	deps          Deps
}

// New creates a Server.
func New(cfg config.ServerConfig, rl config.RateLimitConfig, deps Deps) *Server {
	return &Server{
		cfg:           cfg,
		triggerLimit:  rl.TriggerLimit,
		triggerWindow: time.Duration(rl.TriggerWindowMs) * time.Millisecond,
		deps:          deps,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Cron-Secret"},
			ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireSecret(s.cfg.TriggerSecret))

		r.Route("/jobs", func(r chi.Router) {
			if s.deps.Limiter != nil && s.triggerLimit > 0 && s.triggerWindow > 0 {
				r.Use(ratelimit.Middleware(s.deps.Limiter, "trigger", s.triggerLimit, s.triggerWindow))
			}
			r.Post("/extract", s.handleExtract)
			r.Post("/classify", s.handleClassify)
			r.Post("/briefings", s.handleBriefings)
			r.Post("/briefings/{organizationID}", s.handleBriefingOne)
		})

		r.Get("/runs", s.handleRuns)
		if s.deps.Collector != nil {
			r.Get("/runs/stats", s.handleRunStats)
		}
	})
	return r
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "server listen")
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
