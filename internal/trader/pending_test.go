package trader

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/exchange"
)

// openPatience places a resting BUY limit entry at 98.5 against the
// default 100 quote and returns the journaled row.
func openPatience(t *testing.T, h *harness) *domain.Position {
	t.Helper()
	pos, err := h.trader.Open(context.Background(), h.slot(), h.snap(domain.SignalBuy, 0.9, 8.0))
	require.NoError(t, err)
	require.Equal(t, domain.PositionPending, pos.Status)
	return pos
}

func TestTrader_PendingFillUpgradesToActive(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()
	pos := openPatience(t, h)

	h.market.setPrice("BTC/USDT", 98.4)
	h.trader.sweepPending(ctx)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionActive, row.Status)
	assert.True(t, row.EntryPrice.Equal(decimal.NewFromFloat(98.5)), "fill = %s", row.EntryPrice)
	assert.True(t, row.Qty.Equal(decimal.NewFromFloat(0.25)))
	assert.NotEmpty(t, row.SLOrderID)
	assert.NotEmpty(t, row.TPOrderID)
	assert.Len(t, h.sink.byType(domain.EventPositionOpened), 1)
}

func TestTrader_StrongReversalCancelsPendingImmediately(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()
	pos := openPatience(t, h)

	h.signals.set(h.snap(domain.SignalSell, 0.5, 1.0))
	h.trader.sweepPending(ctx)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionCancelled, row.Status)

	orders, err := h.paper.FetchOpenOrders(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, orders, "entry and pre-placed protection should be gone")
	assert.NotEmpty(t, h.sink.byType(domain.EventOrderCancelled))
}

func TestTrader_WeakOppositeHoldsInsidePatienceWindow(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()
	pos := openPatience(t, h)

	h.signals.set(h.snap(domain.SignalSell, 0.3, 1.0))
	h.trader.sweepPending(ctx)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionPending, row.Status)
}

func TestTrader_WeakOppositeCancelsAfterPatienceWindow(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()
	pos := openPatience(t, h)

	h.signals.set(h.snap(domain.SignalSell, 0.3, 1.0))
	h.store.setEntryTime(pos.ID, time.Now().Add(-121*time.Second))
	h.trader.sweepPending(ctx)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionCancelled, row.Status)
}

func TestTrader_InvalidatedSignalCancelsAgedPending(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()
	pos := openPatience(t, h)

	// no snapshot for the slot at all: the entry thesis is gone
	h.store.setEntryTime(pos.ID, time.Now().Add(-121*time.Second))
	h.trader.sweepPending(ctx)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionCancelled, row.Status)
}

func TestTrader_HealthySignalStillTimesOut(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()
	pos := openPatience(t, h)

	h.signals.set(h.snap(domain.SignalBuy, 0.9, 8.0))
	h.store.setEntryTime(pos.ID, time.Now().Add(-301*time.Second))
	h.trader.sweepPending(ctx)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionCancelled, row.Status)
}

func TestTrader_RecoversDroppedEntryOrderID(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()
	pos := openPatience(t, h)
	realID := pos.EntryOrderID
	require.NotEmpty(t, realID)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	row.EntryOrderID = ""
	require.NoError(t, h.store.Update(ctx, &row))

	h.trader.sweepPending(ctx)

	row, err = h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionPending, row.Status)
	assert.Equal(t, realID, row.EntryOrderID)
}

func TestTrader_RecoverWithoutVenueOrderCancelsRow(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()
	pos := openPatience(t, h)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	row.EntryOrderID = ""
	require.NoError(t, h.store.Update(ctx, &row))
	require.NoError(t, h.paper.CancelOrder(ctx, "BTC/USDT", pos.EntryOrderID, domain.CancelAuto))

	h.trader.sweepPending(ctx)

	row, err = h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionCancelled, row.Status)

	orders, err := h.paper.FetchOpenOrders(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, orders, "pre-placed protection must not outlive the row")
}

// ghostRow journals a PENDING row pointing at an order id the venue has
// never heard of.
func ghostRow(t *testing.T, h *harness) *domain.Position {
	t.Helper()
	pos := &domain.Position{
		ProfileID:     h.profile.ID,
		PosKey:        h.slot().PosKey(),
		Exchange:      "BYBIT",
		Symbol:        "BTC/USDT",
		Timeframe:     "15m",
		Side:          domain.SideLong,
		Qty:           decimal.NewFromFloat(0.25),
		EntryPrice:    decimal.NewFromInt(100),
		SLPrice:       decimal.NewFromFloat(98.3),
		TPPrice:       decimal.NewFromInt(104),
		Leverage:      5,
		MarginMode:    domain.MarginIsolated,
		EntryType:     domain.EntryLimit,
		Status:        domain.PositionPending,
		EntryOrderID:  "ghost-1",
		ClientOrderID: "dry_BYBIT_BTCUSDT_BUY_1",
		OriginalSL:    decimal.NewFromFloat(98.3),
		OriginalTP:    decimal.NewFromInt(104),
		EntryTime:     time.Now().UTC(),
	}
	require.NoError(t, h.store.UpsertActive(context.Background(), pos))
	return pos
}

func TestTrader_VanishedEntryAdoptsVenueFill(t *testing.T) {
	h := newHarness(false, DefaultConfig())
	ctx := context.Background()

	_, err := h.paper.PlaceEntry(ctx, exchange.EntryRequest{
		Symbol:        "BTC/USDT",
		Side:          domain.OrderSideBuy,
		Qty:           decimal.NewFromFloat(0.25),
		ClientOrderID: "dry_BYBIT_BTCUSDT_BUY_1",
	})
	require.NoError(t, err)

	pos := ghostRow(t, h)
	h.trader.sweepPending(ctx)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionActive, row.Status)
	assert.True(t, row.EntryPrice.Equal(decimal.NewFromInt(100)))
	assert.NotEmpty(t, row.SLOrderID, "protection should be recreated from the journal")
	assert.NotEmpty(t, row.TPOrderID)

	orders, err := h.paper.FetchOpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestTrader_VanishedEntryWithoutPositionCancels(t *testing.T) {
	h := newHarness(false, DefaultConfig())
	ctx := context.Background()

	pos := ghostRow(t, h)
	h.trader.sweepPending(ctx)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionCancelled, row.Status)
	assert.NotEmpty(t, h.sink.byType(domain.EventOrderCancelled))
}
