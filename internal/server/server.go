// Package server exposes the wager admin API over HTTP and the live event
// stream over WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/server/handler"
	"github.com/alanyoungcy/wxwager/internal/server/middleware"
	"github.com/alanyoungcy/wxwager/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if both key fields are empty, authentication is disabled
	APIKeyHash  string // bcrypt; takes precedence over APIKey
	// RateLimit requests per client IP per RateWindow; 0 disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Wagers     *handler.WagerHandler
	Settlement *handler.SettlementHandler
	Events     *handler.EventsHandler
	// Metrics serves the Prometheus scrape endpoint; nil leaves it unrouted.
	Metrics http.Handler
}

// publicPaths are reachable without an API key.
var publicPaths = []string{"/api/health", "/metrics"}

// Server is the headless HTTP + WebSocket admin server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, auth, rate limiting) and attaches the
// WebSocket hub. limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health and metrics (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	// Wager endpoints.
	mux.HandleFunc("GET /api/wagers", handlers.Wagers.ListWagers)
	mux.HandleFunc("POST /api/wagers", handlers.Wagers.CreateWager)
	mux.HandleFunc("GET /api/wagers/{id}", handlers.Wagers.GetWager)
	mux.HandleFunc("PATCH /api/wagers/{id}", handlers.Wagers.UpdateWager)
	mux.HandleFunc("DELETE /api/wagers/{id}", handlers.Wagers.DeleteWager)
	mux.HandleFunc("POST /api/wagers/{id}/void", handlers.Wagers.VoidWager)
	mux.HandleFunc("POST /api/wagers/{id}/grade", handlers.Wagers.GradeWager)

	// Settlement triggers and archived runs.
	mux.HandleFunc("POST /api/settlement/run", handlers.Settlement.TriggerRun)
	mux.HandleFunc("POST /api/settlement/reconcile", handlers.Settlement.TriggerReconcile)
	mux.HandleFunc("GET /api/settlement/runs", handlers.Settlement.ListRuns)
	mux.HandleFunc("GET /api/settlement/runs/{date}/{id}", handlers.Settlement.GetRun)

	// Event history and audit log.
	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	mux.HandleFunc("GET /api/audit", handlers.Events.ListAudit)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	h = middleware.Auth(middleware.AuthConfig{
		Key:     cfg.APIKey,
		KeyHash: cfg.APIKeyHash,
		Public:  publicPaths,
	})(h)

	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}

	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Settlement runs are served synchronously.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
