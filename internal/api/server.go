// Package api exposes the detection pipeline and rule management over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	if deps.MaxBatchSize == 0 {
		deps.MaxBatchSize = cfg.MaxBatchSize
	}
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/metrics", handler.Metrics)

	// Detection
	router.Post("/detect", handler.Detect)
	router.Post("/detect/batch", handler.DetectBatch)
	router.Get("/detections/{id}", handler.GetDetection)

	// Batches with auto-reporting
	router.Post("/batches", handler.SubmitBatch)
	router.Get("/batches/{id}", handler.GetBatch)

	// Reporting
	router.Post("/report", handler.Report)
	router.Get("/reports", handler.ListReports)
	router.Get("/stats", handler.Stats)

	// Rule management
	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Post("/validate", handler.ValidateRule)
		r.Get("/{id}", handler.GetRule)
		r.Put("/{id}", handler.UpdateRule)
		r.Delete("/{id}", handler.DeleteRule)
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
