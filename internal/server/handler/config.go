package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// ConfigService exposes the running configuration with secrets removed, and
// an on-demand reload of the hot-reloadable strategy document.
type ConfigService interface {
	Redacted() map[string]any
	// Reload re-reads the strategy document and returns the new config
	// version applied to subsequent entries.
	Reload(ctx context.Context) (string, error)
}

// ConfigHandler serves the redacted config view and the reload trigger.
type ConfigHandler struct {
	config ConfigService
	logger *slog.Logger
}

// NewConfigHandler creates a ConfigHandler with the given service and logger.
func NewConfigHandler(config ConfigService, logger *slog.Logger) *ConfigHandler {
	return &ConfigHandler{config: config, logger: logger}
}

// GetConfig returns the running configuration with API keys and passphrases
// masked.
// GET /api/config
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Redacted())
}

// Reload forces a strategy-document reload ahead of the watcher's next poll.
// POST /api/config/reload
func (h *ConfigHandler) Reload(w http.ResponseWriter, r *http.Request) {
	version, err := h.config.Reload(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: config reload failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to reload config: "+err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "handler: config reloaded",
		slog.String("config_version", version),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "reloaded",
		"config_version": version,
	})
}
