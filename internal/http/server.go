// Package http provides the HTTP server and API surface for streamgate.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/streamgate/streamgate/internal/config"
	"github.com/streamgate/streamgate/internal/http/middleware"
)

// Server is the streamgate HTTP server.
type Server struct {
	config     config.ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the HTTP server with the standard middleware stack.
// The version parameter feeds the OpenAPI document.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.CORSOrigins))

	humaConfig := huma.DefaultConfig("streamgate API", version)
	humaConfig.Info.Description = "Adaptive streaming control API"

	api := humachi.New(router, humaConfig)

	// Built here, not in Start, so Shutdown can be called from another
	// goroutine without racing the listener setup.
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		config:     cfg,
		router:     router,
		api:        api,
		httpServer: httpServer,
		logger:     logger,
	}
}

// API returns the huma API for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the chi router for mounting plain http.Handlers.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the server. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", slog.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

// Shutdown drains active connections and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}
