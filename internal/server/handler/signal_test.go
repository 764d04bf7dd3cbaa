package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

type fakeSignalSink struct {
	snaps []domain.SignalSnapshot
}

func (f *fakeSignalSink) Put(snap domain.SignalSnapshot) {
	f.snaps = append(f.snaps, snap)
}

func TestSignalHandler_Inject(t *testing.T) {
	sink := &fakeSignalSink{}
	h := NewSignalHandler(sink, testLogger())

	w := do(t, h.Inject, http.MethodPost, "/api/signals",
		`{"profile_id":1,"exchange":"BYBIT","symbol":"BTC/USDT","timeframe":"15m",
		  "side":"BUY","confidence":0.9,"score":7.5}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, sink.snaps, 1)

	snap := sink.snaps[0]
	assert.Equal(t, domain.SignalBuy, snap.Side)
	assert.Equal(t, int64(1), snap.Slot.ProfileID)
	assert.Equal(t, "BTC/USDT", snap.Slot.Symbol)
	assert.False(t, snap.Timestamp.IsZero(), "missing timestamp is stamped")

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, "P1_BYBIT_BTC_USDT_15m", resp["pos_key"])
}

func TestSignalHandler_InjectRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `garbage`},
		{"missing slot identity", `{"side":"BUY","confidence":0.9,"score":7.5}`},
		{"bad side", `{"profile_id":1,"exchange":"BYBIT","symbol":"BTC/USDT","timeframe":"15m","side":"HOLD"}`},
		{"confidence out of range", `{"profile_id":1,"exchange":"BYBIT","symbol":"BTC/USDT","timeframe":"15m","side":"BUY","confidence":1.5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &fakeSignalSink{}
			h := NewSignalHandler(sink, testLogger())

			w := do(t, h.Inject, http.MethodPost, "/api/signals", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, sink.snaps)
		})
	}
}
