package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/counters"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matrix"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, m *matrix.Matrix, orchestrator *decision.Orchestrator, fpr *counters.FPRTracker, version string) *Server {
	handler := NewHandler(repo, cache, bus, engine, m, orchestrator, fpr, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no project required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (project required)
	router.Route("/", func(r chi.Router) {
		r.Use(ProjectMiddleware)

		// Event ingestion and decision
		r.Post("/events", handler.DecideEvent)
		r.Get("/events/{id}", handler.GetEvent)

		// Decision retrieval and feedback
		r.Get("/decisions/{id}", handler.GetDecision)
		r.Post("/decisions/{id}/feedback", handler.SubmitFeedback)

		// Replay
		r.Post("/replay", handler.Replay)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{name}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Delete("/rules/{name}", handler.DeleteRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Composition management
		r.Get("/compositions", handler.ListCompositions)
		r.Post("/compositions", handler.CreateComposition)
		r.Delete("/compositions/{name}", handler.DeleteComposition)

		// Decision matrix management
		r.Get("/matrix", handler.ListMatrix)
		r.Post("/matrix/import", handler.ImportMatrix)
		r.Post("/matrix/reload", handler.ReloadMatrix)
		r.Delete("/matrix", handler.DeleteMatrixEntry)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
