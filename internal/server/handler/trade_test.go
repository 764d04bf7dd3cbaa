package handler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

type fakeTradeReader struct {
	trades        map[int64][]domain.Trade
	lastProfileID int64
	lastOpts      domain.ListOpts
}

func (f *fakeTradeReader) ListByProfile(_ context.Context, profileID int64, opts domain.ListOpts) ([]domain.Trade, error) {
	f.lastProfileID = profileID
	f.lastOpts = opts
	return f.trades[profileID], nil
}

type fakeArchiver struct {
	trades     int64
	snapshots  int64
	lastBefore time.Time
	err        error
}

func (f *fakeArchiver) ArchiveTrades(_ context.Context, before time.Time) (int64, error) {
	f.lastBefore = before
	return f.trades, f.err
}

func (f *fakeArchiver) ArchiveRiskSnapshot(_ context.Context) (int64, error) {
	return f.snapshots, f.err
}

func TestTradeHandler_ListRequiresProfile(t *testing.T) {
	h := NewTradeHandler(&fakeTradeReader{}, nil, nil, testLogger())

	w := do(t, h.ListTrades, http.MethodGet, "/api/trades", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTradeHandler_ListTrades(t *testing.T) {
	reader := &fakeTradeReader{
		trades: map[int64][]domain.Trade{
			3: {{
				ID:        1,
				ProfileID: 3,
				Symbol:    "BTC/USDT",
				Side:      domain.SideLong,
				PnL:       decimal.NewFromFloat(1.5),
			}},
		},
	}
	h := NewTradeHandler(reader, nil, nil, testLogger())

	w := do(t, h.ListTrades, http.MethodGet, "/api/trades?profile_id=3&limit=25", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(3), reader.lastProfileID)
	assert.Equal(t, 25, reader.lastOpts.Limit)

	var resp listTradesResponse
	decode(t, w, &resp)
	require.Len(t, resp.Trades, 1)
	assert.Equal(t, "BTC/USDT", resp.Trades[0].Symbol)
}

func TestTradeHandler_ArchiveWithoutStorage(t *testing.T) {
	h := NewTradeHandler(&fakeTradeReader{}, nil, nil, testLogger())

	w := do(t, h.TriggerArchive, http.MethodPost, "/api/trades/archive", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestTradeHandler_ArchiveDefaultsToMonthStart(t *testing.T) {
	arch := &fakeArchiver{trades: 42, snapshots: 2}
	h := NewTradeHandler(&fakeTradeReader{}, arch, nil, testLogger())

	w := do(t, h.TriggerArchive, http.MethodPost, "/api/trades/archive", "")
	require.Equal(t, http.StatusOK, w.Code)

	now := time.Now().UTC()
	want := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, want, arch.lastBefore)

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "archived", resp["status"])
	assert.Equal(t, float64(42), resp["trades"])
	assert.Equal(t, float64(2), resp["risk_snapshots"])
}

func TestTradeHandler_ArchiveHonorsExplicitCutoff(t *testing.T) {
	arch := &fakeArchiver{}
	h := NewTradeHandler(&fakeTradeReader{}, arch, nil, testLogger())

	w := do(t, h.TriggerArchive, http.MethodPost, "/api/trades/archive",
		`{"before":"2026-03-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), arch.lastBefore)
}

func TestTradeHandler_ArchiveFailure(t *testing.T) {
	arch := &fakeArchiver{err: domain.ErrVenueDown}
	h := NewTradeHandler(&fakeTradeReader{}, arch, nil, testLogger())

	w := do(t, h.TriggerArchive, http.MethodPost, "/api/trades/archive", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type fakeBlobReader struct {
	infos      []domain.BlobInfo
	files      map[string]string
	lastPrefix string
}

func (f *fakeBlobReader) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	f.lastPrefix = prefix
	return f.infos, nil
}

func (f *fakeBlobReader) Get(_ context.Context, path string) (io.ReadCloser, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func TestTradeHandler_ListArchivesWithoutStorage(t *testing.T) {
	h := NewTradeHandler(&fakeTradeReader{}, nil, nil, testLogger())

	w := do(t, h.ListArchives, http.MethodGet, "/api/trades/archives", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestTradeHandler_ListArchives(t *testing.T) {
	reader := &fakeBlobReader{infos: []domain.BlobInfo{
		{Path: "archive/trades/2026-07.jsonl", Size: 2048},
		{Path: "archive/risk/2026-07-31.jsonl", Size: 512},
	}}
	h := NewTradeHandler(&fakeTradeReader{}, nil, reader, testLogger())

	w := do(t, h.ListArchives, http.MethodGet, "/api/trades/archives?prefix=trades/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trades/", reader.lastPrefix)

	var resp listArchivesResponse
	decode(t, w, &resp)
	require.Len(t, resp.Archives, 2)
	assert.Equal(t, "archive/trades/2026-07.jsonl", resp.Archives[0].Path)
	assert.Equal(t, int64(2048), resp.Archives[0].Size)
}

func TestTradeHandler_ListArchivesEmpty(t *testing.T) {
	h := NewTradeHandler(&fakeTradeReader{}, nil, &fakeBlobReader{}, testLogger())

	w := do(t, h.ListArchives, http.MethodGet, "/api/trades/archives", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp listArchivesResponse
	decode(t, w, &resp)
	assert.NotNil(t, resp.Archives)
	assert.Empty(t, resp.Archives)
}

func TestTradeHandler_DownloadArchive(t *testing.T) {
	reader := &fakeBlobReader{files: map[string]string{
		"archive/trades/2026-07.jsonl": `{"id":1}` + "\n",
	}}
	h := NewTradeHandler(&fakeTradeReader{}, nil, reader, testLogger())

	w := do(t, h.DownloadArchive, http.MethodGet,
		"/api/trades/archives/download?path=archive/trades/2026-07.jsonl", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/jsonl", w.Header().Get("Content-Type"))
	assert.Equal(t, `{"id":1}`+"\n", w.Body.String())
}

func TestTradeHandler_DownloadArchiveRequiresPath(t *testing.T) {
	h := NewTradeHandler(&fakeTradeReader{}, nil, &fakeBlobReader{}, testLogger())

	w := do(t, h.DownloadArchive, http.MethodGet, "/api/trades/archives/download", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTradeHandler_DownloadArchiveMissing(t *testing.T) {
	h := NewTradeHandler(&fakeTradeReader{}, nil, &fakeBlobReader{}, testLogger())

	w := do(t, h.DownloadArchive, http.MethodGet,
		"/api/trades/archives/download?path=archive/trades/1999-01.jsonl", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
