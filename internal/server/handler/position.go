package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionReader defines the read methods the position handler requires.
// Satisfied by domain.PositionStore.
type PositionReader interface {
	GetByID(ctx context.Context, id int64) (domain.Position, error)
	ListActive(ctx context.Context, profileID int64) ([]domain.Position, error)
	ListAllActive(ctx context.Context) ([]domain.Position, error)
	ListWaitingSync(ctx context.Context, profileID int64) ([]domain.Position, error)
	ListHistory(ctx context.Context, profileID int64, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionCloser routes a force-close to the owning profile's trader.
// Implemented by the application over the engine runtimes.
type PositionCloser interface {
	ForceClose(ctx context.Context, profileID int64, key domain.PosKey) error
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionReader
	closer    PositionCloser
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given store, closer,
// and logger.
func NewPositionHandler(positions PositionReader, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		closer:    closer,
		logger:    logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns positions filtered by state and profile.
// GET /api/positions?profile_id=1&state=active|waiting_sync|history
// state defaults to active; waiting_sync and history require profile_id.
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profileIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "profile_id must be a positive integer")
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		state = "active"
	}

	var positions []domain.Position
	var err error

	switch state {
	case "active":
		if profileID > 0 {
			positions, err = h.positions.ListActive(r.Context(), profileID)
		} else {
			positions, err = h.positions.ListAllActive(r.Context())
		}
	case "waiting_sync":
		if profileID == 0 {
			writeError(w, http.StatusBadRequest, "profile_id required for state=waiting_sync")
			return
		}
		positions, err = h.positions.ListWaitingSync(r.Context(), profileID)
	case "history":
		if profileID == 0 {
			writeError(w, http.StatusBadRequest, "profile_id required for state=history")
			return
		}
		positions, err = h.positions.ListHistory(r.Context(), profileID, parseListOpts(r))
	default:
		writeError(w, http.StatusBadRequest, "state must be active, waiting_sync, or history")
		return
	}

	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("state", state),
			slog.Int64("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns a single position row, including parked WAITING_SYNC
// rows the list endpoint hides behind its state filter.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "position id must be a positive integer")
		return
	}

	pos, err := h.positions.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// forceCloseRequest is the body of a force-close call.
type forceCloseRequest struct {
	ProfileID int64  `json:"profile_id"`
	PosKey    string `json:"pos_key"`
}

// ForceClose market-closes the ACTIVE position identified by (profile_id,
// pos_key) reduce-only and records the exit as MANUAL.
// POST /api/positions/close
func (h *PositionHandler) ForceClose(w http.ResponseWriter, r *http.Request) {
	var req forceCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ProfileID <= 0 || req.PosKey == "" {
		writeError(w, http.StatusBadRequest, "profile_id and pos_key are required")
		return
	}

	err := h.closer.ForceClose(r.Context(), req.ProfileID, domain.PosKey(req.PosKey))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "no active position for pos_key")
		case errors.Is(err, domain.ErrInvalidParam):
			writeError(w, http.StatusConflict, "position is not in a closeable state")
		default:
			h.logger.ErrorContext(r.Context(), "handler: force close failed",
				slog.Int64("profile_id", req.ProfileID),
				slog.String("pos_key", req.PosKey),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to close position")
		}
		return
	}

	h.logger.InfoContext(r.Context(), "handler: position force-closed",
		slog.Int64("profile_id", req.ProfileID),
		slog.String("pos_key", req.PosKey),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "closed",
		"pos_key": req.PosKey,
	})
}
