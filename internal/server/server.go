package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/middleware"
	"github.com/alanyoungcy/perpbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. Applied only
	// when a limiter is supplied to NewServer. Defaults: 20 per second.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Trades    *handler.TradeHandler
	Risk      *handler.RiskHandler
	Config    *handler.ConfigHandler
	Signals   *handler.SignalHandler
}

// Server is the headless admin HTTP + WebSocket API for the engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, rate limit, auth) and attaches the
// WebSocket hub. limiter may be nil, which disables rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (exempt from auth below).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Engine overview and shutdown.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("POST /api/shutdown", handlers.Status.Shutdown)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("POST /api/positions/close", handlers.Positions.ForceClose)

	// Trade ledger and archival.
	mux.HandleFunc("GET /api/trades", handlers.Trades.ListTrades)
	mux.HandleFunc("POST /api/trades/archive", handlers.Trades.TriggerArchive)
	mux.HandleFunc("GET /api/trades/archives", handlers.Trades.ListArchives)
	mux.HandleFunc("GET /api/trades/archives/download", handlers.Trades.DownloadArchive)

	// Risk metrics and breaker resume.
	mux.HandleFunc("GET /api/risk", handlers.Risk.GetRisk)
	mux.HandleFunc("POST /api/risk/resume", handlers.Risk.Resume)

	// Config view and reload.
	mux.HandleFunc("GET /api/config", handlers.Config.GetConfig)
	mux.HandleFunc("POST /api/config/reload", handlers.Config.Reload)

	// Operator signal injector.
	mux.HandleFunc("POST /api/signals", handlers.Signals.Inject)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKey, "/api/health")(h)

	if limiter != nil {
		limit := cfg.RateLimit
		if limit <= 0 {
			limit = 20
		}
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, limit, window)(h)
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
