package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ProfileStatus is one profile's live account snapshot for the dashboard.
type ProfileStatus struct {
	ProfileID     int64
	Name          string
	Exchange      string
	Environment   string
	Balance       decimal.Decimal
	FreeBalance   decimal.Decimal
	OpenPositions int
}

// StatusSource reports live per-profile account state. Implemented by the
// application over the engine runtimes.
type StatusSource interface {
	ProfileStatuses(ctx context.Context) ([]ProfileStatus, error)
}

// StatusHandler serves the engine status overview and the shutdown trigger.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	source    StatusSource
	stop      func()
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. stop is invoked by the shutdown
// endpoint and should cancel the application's root context.
func NewStatusHandler(mode string, startedAt time.Time, source StatusSource, stop func(), logger *slog.Logger) *StatusHandler {
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &StatusHandler{
		mode:      mode,
		startedAt: startedAt,
		source:    source,
		stop:      stop,
		logger:    logger,
	}
}

// GetStatus responds with the run mode, uptime, and a live snapshot of every
// profile (balance, open position count).
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	profiles := []ProfileStatus{}
	if h.source != nil {
		ps, err := h.source.ProfileStatuses(r.Context())
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: status snapshot failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to collect profile status")
			return
		}
		if ps != nil {
			profiles = ps
		}
	}

	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"started_at":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": uptime,
		"profiles":       profiles,
	})
}

// Shutdown asks the application to stop. The HTTP server itself drains
// in-flight requests, so the response is written before the stop takes
// effect.
// POST /api/shutdown
func (h *StatusHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	if h.stop == nil {
		writeError(w, http.StatusNotImplemented, "shutdown is not wired")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: shutdown requested",
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	h.stop()
}
