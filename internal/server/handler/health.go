package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthPingTimeout bounds each dependency probe so a hung backend cannot
// stall the health endpoint past the load balancer's own deadline.
const healthPingTimeout = 2 * time.Second

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler serves the health-check endpoint, probing each registered
// dependency (storage, redis) on every call.
type HealthHandler struct {
	deps   map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler probing the given dependencies.
// A nil or empty map degrades to a plain liveness check.
func NewHealthHandler(deps map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{deps: deps, logger: logger}
}

// HealthCheck responds with the server's liveness and the state of each
// backing dependency. Any failing dependency turns the response into 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := make(map[string]string, len(h.deps))

	for name, p := range h.deps {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = err.Error()
			h.logger.WarnContext(r.Context(), "health probe failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(deps) > 0 {
		body["deps"] = deps
	}
	writeJSON(w, status, body)
}
