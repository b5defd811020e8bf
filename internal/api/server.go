package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/listsync/internal/config"
	"github.com/foxzi/listsync/internal/contacts"
	"github.com/foxzi/listsync/internal/intents"
	"github.com/foxzi/listsync/internal/ipfilter"
	"github.com/foxzi/listsync/internal/lists"
	"github.com/foxzi/listsync/internal/metrics"
	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/ratelimit"
	"github.com/foxzi/listsync/internal/users"
)

// Deps are the components served by the API. Metadata and Limiter may be nil.
type Deps struct {
	Selection *provider.Selection
	Registry  *lists.Registry
	Pipeline  *contacts.Pipeline
	Users     *users.Directory
	Intents   *intents.Queue
	Metadata  provider.MetadataSource
	Limiter   *ratelimit.Limiter
	Version   string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	apiFilter := ipfilter.New("api", s.config.AllowedIPs, s.logger)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(apiFilter.HTTPMiddleware)
		r.Use(s.authMiddleware)

		r.Get("/lists_config", s.handleListsConfig)
		r.Get("/lists", s.handleGetLists)
		r.Put("/lists", s.handleUpdateLists)
		r.Post("/lists", s.handleCreateList)
		r.Get("/send-lists", s.handleSendLists)

		r.Post("/contacts", s.handleUpsertContact)
		r.Put("/contacts/{email}/lists", s.handleUpdateContactLists)
		r.Delete("/users/{id}/contact", s.handleDeleteContact)
		r.Get("/users/{id}/subscription-error", s.handleSubscriptionError)

		r.Get("/intents", s.handleListIntents)
		r.Get("/intents/{id}", s.handleGetIntent)
		r.Delete("/intents/{id}", s.handleDeleteIntent)

		r.Get("/metadata/{listID}", s.handleMetadata)
	})

	workerFilter := ipfilter.New("worker", s.config.WorkerAllowedIPs, s.logger)
	s.router.Route("/internal/worker", func(r chi.Router) {
		r.Use(workerFilter.HTTPMiddleware)
		r.Use(s.workerAuthMiddleware)

		r.Post("/intents", s.handleWorkerIntents)
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
