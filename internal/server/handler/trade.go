package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// TradeReader defines the read methods the trade handler requires.
// Satisfied by domain.TradeStore.
type TradeReader interface {
	ListByProfile(ctx context.Context, profileID int64, opts domain.ListOpts) ([]domain.Trade, error)
}

// TradeHandler serves the trade ledger, the archival trigger, and the
// archive browser.
type TradeHandler struct {
	trades   TradeReader
	archiver domain.Archiver
	archives domain.BlobReader
	logger   *slog.Logger
}

// NewTradeHandler creates a TradeHandler. archiver and archives may be nil
// when object storage is not configured; the archive endpoints then return
// 501.
func NewTradeHandler(trades TradeReader, archiver domain.Archiver, archives domain.BlobReader, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades:   trades,
		archiver: archiver,
		archives: archives,
		logger:   logger,
	}
}

// listTradesResponse wraps the list trades response.
type listTradesResponse struct {
	Trades []domain.Trade `json:"trades"`
}

// ListTrades returns ledger rows for a profile, newest first.
// GET /api/trades?profile_id=1&limit=50&offset=0&since=...&until=...
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	profileID, ok := profileIDParam(r)
	if !ok || profileID == 0 {
		writeError(w, http.StatusBadRequest, "profile_id query parameter required")
		return
	}

	trades, err := h.trades.ListByProfile(r.Context(), profileID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.Int64("profile_id", profileID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	if trades == nil {
		trades = []domain.Trade{}
	}

	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// archiveRequest is the optional body of a manual archive trigger.
type archiveRequest struct {
	// Before bounds the export; rows at or after it stay local.
	// Defaults to the first instant of the current month (UTC).
	Before time.Time `json:"before"`
}

// TriggerArchive exports ledger rows older than the cutoff to object storage
// as JSONL, together with a snapshot of every profile's risk metrics, then
// prunes the exported rows.
// POST /api/trades/archive
func (h *TradeHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusNotImplemented, "object storage is not configured")
		return
	}

	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cutoff := req.Before
	if cutoff.IsZero() {
		now := time.Now().UTC()
		cutoff = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}

	archived, err := h.archiver.ArchiveTrades(r.Context(), cutoff)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: trade archive failed",
			slog.Time("before", cutoff),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to archive trades")
		return
	}

	snapshots, err := h.archiver.ArchiveRiskSnapshot(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: risk snapshot archive failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to archive risk snapshot")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "archived",
		"before":         cutoff.Format(time.RFC3339),
		"trades":         archived,
		"risk_snapshots": snapshots,
	})
}

// listArchivesResponse wraps the archive listing response.
type listArchivesResponse struct {
	Archives []domain.BlobInfo `json:"archives"`
}

// ListArchives returns the exported ledger files in object storage.
// GET /api/trades/archives?prefix=trades/
func (h *TradeHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotImplemented, "object storage is not configured")
		return
	}

	infos, err := h.archives.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}

	if infos == nil {
		infos = []domain.BlobInfo{}
	}

	writeJSON(w, http.StatusOK, listArchivesResponse{Archives: infos})
}

// DownloadArchive streams one exported ledger file back to the caller.
// GET /api/trades/archives/download?path=archive/trades/2026-07.jsonl
func (h *TradeHandler) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotImplemented, "object storage is not configured")
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter required")
		return
	}

	body, err := h.archives.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: archive download failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to download archive")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/jsonl")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archive stream interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
