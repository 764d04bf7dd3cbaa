package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func testSlot(tf string) domain.Slot {
	return domain.Slot{ProfileID: 1, Exchange: "BYBIT", Symbol: "BTC/USDT", Timeframe: tf}
}

func snap(slot domain.Slot, side domain.SignalSide, ts time.Time) domain.SignalSnapshot {
	return domain.SignalSnapshot{
		Slot:       slot,
		Side:       side,
		Confidence: 0.8,
		Score:      7.0,
		Timestamp:  ts,
	}
}

func TestHub_PutAndLatest(t *testing.T) {
	h := NewHub()
	slot := testSlot("15m")
	now := time.Now()

	h.Put(snap(slot, domain.SignalBuy, now))

	got, ok := h.Latest(slot)
	require.True(t, ok)
	assert.Equal(t, domain.SignalBuy, got.Side)
	assert.Equal(t, slot, got.Slot)
}

func TestHub_LatestMissingSlot(t *testing.T) {
	h := NewHub()

	_, ok := h.Latest(testSlot("15m"))
	assert.False(t, ok)
}

func TestHub_NewerSnapshotWins(t *testing.T) {
	h := NewHub()
	slot := testSlot("15m")
	now := time.Now()

	h.Put(snap(slot, domain.SignalBuy, now))
	h.Put(snap(slot, domain.SignalSell, now.Add(time.Second)))

	got, ok := h.Latest(slot)
	require.True(t, ok)
	assert.Equal(t, domain.SignalSell, got.Side)
}

func TestHub_ReplayedHistoryDoesNotRollBack(t *testing.T) {
	h := NewHub()
	slot := testSlot("15m")
	now := time.Now()

	h.Put(snap(slot, domain.SignalSell, now))
	// A replayed older entry must not displace the live one.
	h.Put(snap(slot, domain.SignalBuy, now.Add(-time.Minute)))

	got, ok := h.Latest(slot)
	require.True(t, ok)
	assert.Equal(t, domain.SignalSell, got.Side)
}

func TestHub_SlotsAreIndependent(t *testing.T) {
	h := NewHub()
	now := time.Now()

	h.Put(snap(testSlot("15m"), domain.SignalBuy, now))
	h.Put(snap(testSlot("1h"), domain.SignalSell, now))

	assert.Equal(t, 2, h.Len())

	got, ok := h.Latest(testSlot("1h"))
	require.True(t, ok)
	assert.Equal(t, domain.SignalSell, got.Side)
}

func TestHub_AllReturnsCopy(t *testing.T) {
	h := NewHub()
	slot := testSlot("15m")
	h.Put(snap(slot, domain.SignalBuy, time.Now()))

	all := h.All()
	require.Len(t, all, 1)

	// Mutating the copy must not touch the hub.
	delete(all, slot.PosKey())
	assert.Equal(t, 1, h.Len())
}
