package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_AllDependenciesUp(t *testing.T) {
	ok := PingerFunc(func(ctx context.Context) error { return nil })
	h := NewHealthHandler(map[string]Pinger{"storage": ok, "redis": ok}, testLogger())

	w := do(t, h.HealthCheck, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string            `json:"status"`
		Deps   map[string]string `json:"deps"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Deps["storage"])
	assert.Equal(t, "ok", resp.Deps["redis"])
}

func TestHealthHandler_DegradedDependency(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"storage": PingerFunc(func(ctx context.Context) error { return nil }),
		"redis":   PingerFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	}, testLogger())

	w := do(t, h.HealthCheck, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp struct {
		Status string            `json:"status"`
		Deps   map[string]string `json:"deps"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Deps["storage"])
	assert.Contains(t, resp.Deps["redis"], "connection refused")
}

func TestHealthHandler_NoDependencies(t *testing.T) {
	h := NewHealthHandler(nil, testLogger())

	w := do(t, h.HealthCheck, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.NotContains(t, resp, "deps")
}
