package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// RiskService exposes per-profile risk state and the breaker resume action.
// Implemented by the application over the engine runtimes, which know each
// profile's environment.
type RiskService interface {
	Metrics(ctx context.Context, profileID int64) (domain.RiskMetrics, error)
	Cooldowns(ctx context.Context, profileID int64) ([]domain.Cooldown, error)
	Resume(ctx context.Context, profileID int64) error
}

// RiskHandler serves risk-metric reads and the circuit-breaker resume.
type RiskHandler struct {
	risk   RiskService
	logger *slog.Logger
}

// NewRiskHandler creates a RiskHandler with the given service and logger.
func NewRiskHandler(risk RiskService, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{risk: risk, logger: logger}
}

// riskResponse bundles the metrics row with the symbol cooldowns so the
// operator sees every entry blocker in one call.
type riskResponse struct {
	Metrics   domain.RiskMetrics `json:"metrics"`
	Cooldowns []domain.Cooldown  `json:"cooldowns"`
}

// GetRisk returns the profile's risk metrics and active cooldowns.
// GET /api/risk?profile_id=1
func (h *RiskHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profileIDParam(r)
	if !ok || profileID == 0 {
		writeError(w, http.StatusBadRequest, "profile_id query parameter required")
		return
	}

	metrics, err := h.risk.Metrics(r.Context(), profileID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown profile")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: risk metrics failed",
			slog.Int64("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load risk metrics")
		return
	}

	cooldowns, err := h.risk.Cooldowns(r.Context(), profileID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: cooldown list failed",
			slog.Int64("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load cooldowns")
		return
	}
	if cooldowns == nil {
		cooldowns = []domain.Cooldown{}
	}

	writeJSON(w, http.StatusOK, riskResponse{Metrics: metrics, Cooldowns: cooldowns})
}

// resumeRequest is the body of a breaker resume call.
type resumeRequest struct {
	ProfileID int64 `json:"profile_id"`
}

// Resume clears a tripped circuit breaker after operator review. Trading on
// the profile restarts on the next heartbeat.
// POST /api/risk/resume
func (h *RiskHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ProfileID <= 0 {
		writeError(w, http.StatusBadRequest, "profile_id is required")
		return
	}

	if err := h.risk.Resume(r.Context(), req.ProfileID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown profile")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: breaker resume failed",
			slog.Int64("profile_id", req.ProfileID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to resume trading")
		return
	}

	h.logger.InfoContext(r.Context(), "handler: circuit breaker resumed",
		slog.Int64("profile_id", req.ProfileID),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "resumed",
		"profile_id": req.ProfileID,
	})
}
