// Package server exposes the ledger over HTTP: position queries and
// mutations, reconciliation control, and allocation status.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rrrcapital/ledgerd/internal/domain"
	"github.com/rrrcapital/ledgerd/internal/server/handler"
	"github.com/rrrcapital/ledgerd/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Positions  *handler.PositionHandler
	Reconcile  *handler.ReconcileHandler
	Allocation *handler.AllocationHandler
}

// Server is the HTTP API server for the position ledger.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux
// and the middleware chain (auth, logging, rate limiting, CORS) applied.
// limiter may be nil, which disables rate limiting regardless of config.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Position queries. Literal segments before the {asset} wildcard so
	// /summary and /at-risk never match as assets.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/summary", handlers.Positions.GetSummary)
	mux.HandleFunc("GET /api/positions/at-risk", handlers.Positions.ListAtRisk)
	mux.HandleFunc("GET /api/positions/{asset}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/positions/{asset}/history", handlers.Positions.GetHistory)

	// Position mutations.
	mux.HandleFunc("POST /api/positions/open", handlers.Positions.OpenPosition)
	mux.HandleFunc("POST /api/positions/{asset}/close", handlers.Positions.ClosePosition)
	mux.HandleFunc("POST /api/positions/{asset}/reduce", handlers.Positions.ReducePosition)

	// Reconciliation.
	mux.HandleFunc("GET /api/reconciliation/status", handlers.Reconcile.GetStatus)
	mux.HandleFunc("GET /api/reconciliation/last", handlers.Reconcile.GetLastReport)
	mux.HandleFunc("POST /api/reconciliation/sync", handlers.Reconcile.TriggerSync)
	mux.HandleFunc("GET /api/reconciliation/drift-history", handlers.Reconcile.GetDriftHistory)

	// Allocation.
	mux.HandleFunc("GET /api/allocation", handlers.Allocation.GetStatus)

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
