package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatusSource struct {
	statuses []ProfileStatus
	err      error
}

func (f *fakeStatusSource) ProfileStatuses(_ context.Context) ([]ProfileStatus, error) {
	return f.statuses, f.err
}

func TestStatusHandler_GetStatus(t *testing.T) {
	source := &fakeStatusSource{
		statuses: []ProfileStatus{{
			ProfileID:     1,
			Name:          "main",
			Exchange:      "BYBIT",
			Environment:   "TEST",
			Balance:       decimal.NewFromInt(1000),
			OpenPositions: 2,
		}},
	}
	started := time.Now().Add(-90 * time.Second)
	h := NewStatusHandler("paper", started, source, nil, testLogger())

	w := do(t, h.GetStatus, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Mode          string          `json:"mode"`
		UptimeSeconds int64           `json:"uptime_seconds"`
		Profiles      []ProfileStatus `json:"profiles"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "paper", resp.Mode)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(90))
	require.Len(t, resp.Profiles, 1)
	assert.Equal(t, "main", resp.Profiles[0].Name)
	assert.Equal(t, 2, resp.Profiles[0].OpenPositions)
}

func TestStatusHandler_GetStatusSourceFailure(t *testing.T) {
	source := &fakeStatusSource{err: errors.New("venue timeout")}
	h := NewStatusHandler("live", time.Now(), source, nil, testLogger())

	w := do(t, h.GetStatus, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStatusHandler_Shutdown(t *testing.T) {
	stopped := false
	h := NewStatusHandler("paper", time.Now(), nil, func() { stopped = true }, testLogger())

	w := do(t, h.Shutdown, http.MethodPost, "/api/shutdown", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, stopped)
}

func TestStatusHandler_ShutdownUnwired(t *testing.T) {
	h := NewStatusHandler("paper", time.Now(), nil, nil, testLogger())

	w := do(t, h.Shutdown, http.MethodPost, "/api/shutdown", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
