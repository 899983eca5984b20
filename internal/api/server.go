// Package api exposes the orchestrator over HTTP: REST resources under
// /api/v1, an SSE mirror of the event bus, a health probe and the
// Prometheus registry.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/arranger-ai/arranger/internal/blackboard"
	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/governance"
	"github.com/arranger-ai/arranger/internal/kernel"
	"github.com/arranger-ai/arranger/internal/logging"
	"github.com/arranger-ai/arranger/internal/metrics"
	"github.com/arranger-ai/arranger/internal/scheduler"
	"github.com/arranger-ai/arranger/internal/templates"
)

// Deps collects the services the handlers call into.
type Deps struct {
	Kernel     *kernel.Kernel
	Scheduler  *scheduler.Scheduler
	Blackboard *blackboard.Service
	Votes      *governance.Votes
	Approvals  *governance.Approvals
	Notifier   *governance.Notifier
	Agents     core.AgentStore
	Templates  *templates.Registry
	Bus        *events.Bus
	Metrics    *metrics.Metrics
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	router chi.Router
	deps   Deps
	logger *logging.Logger

	corsOrigins []string
	// defaultWorkflowID backs POST /instances when the request names none.
	defaultWorkflowID string
}

// Option configures the server.
type Option func(*Server)

// WithCORSOrigins sets the origins the browser frontend may call from.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithDefaultWorkflow sets the template used when an instance request
// names no workflow.
func WithDefaultWorkflow(workflowID string) Option {
	return func(s *Server) { s.defaultWorkflowID = workflowID }
}

// NewServer builds the server and its router.
func NewServer(deps Deps, logger *logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		deps:              deps,
		logger:            logger.WithComponent("api"),
		corsOrigins:       []string{"*"},
		defaultWorkflowID: templates.BuiltinTemplateID,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.handleListInstances)
			r.Post("/", s.handleCreateInstance)
			r.Get("/{instanceID}", s.handleGetInstance)
			r.Get("/{instanceID}/phases/{phaseID}", s.handleGetPhase)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{taskID}", s.handleGetTask)
		})
		r.Route("/messages", func(r chi.Router) {
			r.Get("/", s.handleListMessages)
			r.Post("/", s.handlePostMessage)
		})
		r.Route("/votes", func(r chi.Router) {
			r.Get("/", s.handleListTopics)
			r.Post("/{topicID}/cast", s.handleCastVote)
		})
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", s.handleListApprovals)
			r.Post("/{approvalID}/resolve", s.handleResolveApproval)
		})
		r.Get("/agents", s.handleListAgents)
		r.Get("/templates", s.handleListTemplates)
		r.Get("/notifications", s.handleListNotifications)
		r.Get("/events", s.handleSSE)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
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
	s.logger.Info("starting api server", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
