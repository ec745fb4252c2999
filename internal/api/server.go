// Package api provides the HTTP API of the orchestrator: starting and
// controlling executions, reading their state and decision log, streaming
// events, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/events"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/orchestration"
)

// LoopController drives the evaluation loops. *runner.Runner satisfies it.
type LoopController interface {
	StartLoop(ctx context.Context, id core.ExecutionID) error
	Trigger(id core.ExecutionID) bool
	Running(id core.ExecutionID) bool
	Active() []core.ExecutionID
}

// Server provides HTTP REST API endpoints for orchestration management.
type Server struct {
	router   chi.Router
	state    *orchestration.Service
	loops    LoopController
	projects core.ProjectResolver
	eventBus *events.EventBus
	gatherer prometheus.Gatherer
	defaults core.OrchestrationConfig
	logger   *slog.Logger
	now      func() time.Time
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLoops sets the loop controller notified after state changes.
func WithLoops(loops LoopController) ServerOption {
	return func(s *Server) {
		s.loops = loops
	}
}

// WithProjects sets the resolver used when a start request has no path.
func WithProjects(projects core.ProjectResolver) ServerOption {
	return func(s *Server) {
		s.projects = projects
	}
}

// WithEventBus enables the event stream endpoint.
func WithEventBus(bus *events.EventBus) ServerOption {
	return func(s *Server) {
		s.eventBus = bus
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithDefaults sets the orchestration config new executions start from.
func WithDefaults(cfg core.OrchestrationConfig) ServerOption {
	return func(s *Server) {
		s.defaults = cfg
	}
}

// NewServer creates a new API server.
func NewServer(state *orchestration.Service, opts ...ServerOption) *Server {
	s := &Server{
		state:    state,
		gatherer: prometheus.DefaultGatherer,
		defaults: core.DefaultOrchestrationConfig(),
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Streams stay open, so only the request/response routes get a timeout.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/executions", func(r chi.Router) {
				r.Get("/", s.handleListExecutions)
				r.Post("/", s.handleStartExecution)

				r.Route("/{executionID}", func(r chi.Router) {
					r.Get("/", s.handleGetExecution)
					r.Get("/decisions", s.handleDecisionLog)
					r.Post("/pause", s.handlePause)
					r.Post("/resume", s.handleResume)
					r.Post("/cancel", s.handleCancel)
					r.Post("/merge", s.handleMerge)
					r.Post("/recover", s.handleRecover)
				})
			})

			r.Get("/projects/{projectID}/active", s.handleGetActive)
		})

		r.Get("/events", s.handleSSE)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	loops := 0
	if s.loops != nil {
		loops = len(s.loops.Active())
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   s.now().UTC().Format(time.RFC3339),
		"loops":  loops,
	})
}

// ListenAndServe starts the HTTP server and shuts it down when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
