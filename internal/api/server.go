package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"neurofleet/internal/model"
	"neurofleet/internal/scheduler"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 90 * time.Second
	maxLongPoll       = 60 * time.Second
)

// Experiments reads experiment records and the checkpointed results of their
// populations.
type Experiments interface {
	Status(ctx context.Context, id string) (model.Experiment, error)
	BestGenotype(ctx context.Context, experimentID string) (model.Genotype, error)
	Diagnostics(ctx context.Context, populationID string) (model.PopulationDiagnostics, error)
	Lineage(ctx context.Context, populationID string) (model.PopulationLineage, error)
}

// Server exposes the scheduler to remote worker nodes and operators.
type Server struct {
	router      *chi.Mux
	scheduler   *scheduler.Scheduler
	experiments Experiments
	logger      *slog.Logger
	addr        string
}

// NewServer creates and configures a new HTTP server. experiments may be nil
// when the process coordinates workers without running experiments.
func NewServer(addr string, sched *scheduler.Scheduler, experiments Experiments, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	srv := &Server{
		router:      chi.NewRouter(),
		scheduler:   sched,
		experiments: experiments,
		logger:      logger,
		addr:        addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/experiments/{id}", s.handleGetExperiment)
	s.router.Get("/v1/experiments/{id}/best", s.handleGetBestGenotype)
	s.router.Get("/v1/populations/{id}/diagnostics", s.handleGetDiagnostics)
	s.router.Get("/v1/populations/{id}/lineage", s.handleGetLineage)

	s.router.Route("/v1/nodes", func(r chi.Router) {
		r.Get("/", s.handleListNodes)
		r.Get("/{name}", s.handleGetNode)
		r.Post("/{name}/register", s.handleRegister)
		r.Post("/{name}/heartbeat", s.handleHeartbeat)
		r.Get("/{name}/assignment", s.handleAssignment)
	})

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/result", s.handleResult)
		r.Post("/{id}/failure", s.handleFailure)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
