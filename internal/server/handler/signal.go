package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/signal"
)

// maxSignalBody bounds the injected payload; a snapshot with features is a
// few hundred bytes.
const maxSignalBody = 64 << 10

// SignalSink accepts an injected snapshot. Satisfied by *signal.Hub.
type SignalSink interface {
	Put(snap domain.SignalSnapshot)
}

// SignalHandler serves the operator signal injector. It feeds the same hub
// the stream source feeds, so an injected snapshot is traded on the next
// heartbeat exactly like a scored one.
type SignalHandler struct {
	sink   SignalSink
	logger *slog.Logger
}

// NewSignalHandler creates a SignalHandler with the given sink and logger.
func NewSignalHandler(sink SignalSink, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{sink: sink, logger: logger}
}

// Inject validates and publishes one snapshot. The body uses the stream wire
// layout; a zero timestamp is stamped with the current time.
// POST /api/signals
func (h *SignalHandler) Inject(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignalBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}

	snap, err := signal.ParseSnapshot(body)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidParam) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid snapshot: "+err.Error())
		return
	}

	h.sink.Put(snap)

	h.logger.InfoContext(r.Context(), "handler: signal injected",
		slog.String("pos_key", string(snap.Slot.PosKey())),
		slog.String("side", string(snap.Side)),
		slog.Float64("score", snap.Score),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"pos_key": string(snap.Slot.PosKey()),
	})
}
