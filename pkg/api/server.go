package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// Engine is the part of *engine.Machine the API drives.
type Engine interface {
	Execute(ctx context.Context, provisionerID string, command engine.CommandKind, overrides engine.CallerOverrides) (*engine.PendingHandle, error)
	Wait(ctx context.Context, correlationID string) (*engine.TerminalOutcome, error)
	State(correlationID string) (engine.ProvisionerState, bool)
}

// ResultSink accepts worker results. *engine.Dispatcher implements it.
type ResultSink interface {
	Deliver(correlationID string, result engine.ExecutionResult) bool
}

// SnapshotStore reads and deletes history. *engine.History implements it.
type SnapshotStore interface {
	FindLatest(ctx context.Context, entityID string) (*engine.ExecutionSnapshot, error)
	List(ctx context.Context, entityID string, limit int) ([]*engine.ExecutionSnapshot, error)
	Delete(ctx context.Context, key engine.HistoryKey) (bool, error)
}

// ActivitySource returns recent activity lines for an entity.
type ActivitySource interface {
	Lines(entityID string) []telemetry.ActivityLine
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the services behind the routes. Activity, Metrics and Checks
// are optional.
type Deps struct {
	Engine    Engine
	Results   ResultSink
	Snapshots SnapshotStore
	Activity  ActivitySource
	Metrics   *telemetry.Metrics
	Checks    map[string]HealthCheck
}

// Server is the HTTP front of the engine.
type Server struct {
	router chi.Router
	logger zerolog.Logger
	deps   Deps
}

// NewServer builds the router.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
		deps:   deps,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestMetrics(s.deps.Metrics))
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", s.deps.Metrics.Handler())
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/executions", s.handleExecute)
		r.Get("/executions/{correlationID}", s.handleExecutionState)
		r.Post("/results/{correlationID}", s.handleResult)
		r.Get("/snapshots/{entityID}", s.handleGetSnapshot)
		r.Delete("/snapshots/{entityID}", s.handleDeleteSnapshot)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("API stopped")
	return nil
}
