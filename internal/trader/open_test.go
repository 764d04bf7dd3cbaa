package trader

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func TestTrader_OpenMarketEntryActivates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseLimitOrders = false
	h := newHarness(true, cfg)
	ctx := context.Background()

	pos, err := h.trader.Open(ctx, h.slot(), h.snap(domain.SignalBuy, 0.9, 8.0))
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, domain.PositionActive, pos.Status)
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.Equal(t, domain.EntryMarket, pos.EntryType)
	assert.Equal(t, 5, pos.Leverage)
	// tier "high": margin 5 x leverage 5 at price 100
	assert.True(t, pos.Qty.Equal(decimal.NewFromFloat(0.25)), "qty = %s", pos.Qty)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(100)), "entry = %s", pos.EntryPrice)
	assert.True(t, pos.SLPrice.Equal(decimal.NewFromFloat(98.3)), "sl = %s", pos.SLPrice)
	assert.True(t, pos.TPPrice.Equal(decimal.NewFromInt(104)), "tp = %s", pos.TPPrice)
	assert.True(t, pos.OriginalSL.Equal(pos.SLPrice))
	assert.True(t, pos.OriginalTP.Equal(pos.TPPrice))
	assert.True(t, strings.HasPrefix(pos.ClientOrderID, "dry_BYBIT_BTCUSDT_BUY_"), pos.ClientOrderID)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionActive, row.Status)
	assert.NotEmpty(t, row.EntryOrderID)
	assert.NotEmpty(t, row.SLOrderID, "attached stop should be adopted")
	assert.NotEmpty(t, row.TPOrderID, "attached take-profit should be adopted")

	orders, err := h.paper.FetchOpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.True(t, o.ReduceOnly)
		assert.Equal(t, domain.OrderSideSell, o.Side)
		assert.Equal(t, domain.QueueConditional, o.Queue)
	}

	assert.Len(t, h.sink.byType(domain.EventPositionOpened), 1)
}

func TestTrader_OpenPatienceEntryRestsPending(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()

	pos, err := h.trader.Open(ctx, h.slot(), h.snap(domain.SignalBuy, 0.9, 8.0))
	require.NoError(t, err)

	assert.Equal(t, domain.PositionPending, pos.Status)
	assert.Equal(t, domain.EntryLimit, pos.EntryType)
	// limit = 100 * (1 - 0.015); SL/TP derive from the limit price
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromFloat(98.5)), "limit = %s", pos.EntryPrice)
	assert.True(t, pos.SLPrice.Equal(decimal.NewFromFloat(96.82)), "sl = %s", pos.SLPrice)
	assert.True(t, pos.TPPrice.Equal(decimal.NewFromFloat(102.44)), "tp = %s", pos.TPPrice)
	// sized against the market quote, not the limit
	assert.True(t, pos.Qty.Equal(decimal.NewFromFloat(0.25)), "qty = %s", pos.Qty)

	ack, err := h.paper.FetchOrder(ctx, "BTC/USDT", pos.EntryOrderID)
	require.NoError(t, err)
	assert.Equal(t, "NEW", ack.Status)

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionPending, row.Status)
	assert.Empty(t, row.SLOrderID)
	assert.Empty(t, row.TPOrderID)

	assert.Empty(t, h.sink.byType(domain.EventPositionOpened))
}

func TestTrader_OpenRejectsNonDirectionalSignal(t *testing.T) {
	h := newHarness(true, DefaultConfig())

	_, err := h.trader.Open(context.Background(), h.slot(), h.snap(domain.SignalNone, 0.9, 8.0))
	assert.ErrorIs(t, err, domain.ErrInvalidParam)
}

func TestTrader_OpenRejectsWhenSlotHeld(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()

	_, err := h.trader.Open(ctx, h.slot(), h.snap(domain.SignalBuy, 0.9, 8.0))
	require.NoError(t, err)

	_, err = h.trader.Open(ctx, h.slot(), h.snap(domain.SignalBuy, 0.9, 8.0))
	assert.ErrorIs(t, err, domain.ErrConflictActiveExists)
}

func TestTrader_OpenDeniedByCooldownPlacesNothing(t *testing.T) {
	h := newHarness(true, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, h.riskDB.SetCooldown(ctx, &domain.Cooldown{
		ProfileID: h.profile.ID,
		Symbol:    "BTC/USDT",
		ExpiresAt: time.Now().Add(time.Hour),
		Reason:    "stop loss",
	}))

	_, err := h.trader.Open(ctx, h.slot(), h.snap(domain.SignalBuy, 0.9, 8.0))
	assert.ErrorIs(t, err, domain.ErrCooldownActive)

	open, err := h.store.ListActive(ctx, h.profile.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	orders, err := h.paper.FetchOpenOrders(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestTrader_OpenScoreBelowEveryTier(t *testing.T) {
	h := newHarness(true, DefaultConfig())

	_, err := h.trader.Open(context.Background(), h.slot(), h.snap(domain.SignalBuy, 0.9, 2.0))
	assert.ErrorIs(t, err, domain.ErrInvalidParam)
}

func TestTrader_ReversalEntrySizedAsStarter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseLimitOrders = false
	h := newHarness(true, cfg)
	ctx := context.Background()

	long, err := h.trader.Open(ctx, h.slot(), h.snap(domain.SignalBuy, 0.9, 8.0))
	require.NoError(t, err)
	require.NoError(t, h.trader.ForceClose(ctx, long.ID, domain.ExitSignalFlip, "flip"))

	short, err := h.trader.Open(ctx, h.slot(), h.snap(domain.SignalSell, 0.9, 8.0))
	require.NoError(t, err)

	assert.Equal(t, domain.SideShort, short.Side)
	// starter: leverage 5 -> 3, margin 5 -> 2.5, SL pct 0.017 -> 0.0102
	assert.Equal(t, 3, short.Leverage)
	assert.True(t, short.Qty.Equal(decimal.NewFromFloat(0.075)), "qty = %s", short.Qty)
	assert.True(t, short.SLPrice.Equal(decimal.NewFromFloat(101.02)), "sl = %s", short.SLPrice)
	assert.True(t, short.TPPrice.Equal(decimal.NewFromInt(96)), "tp = %s", short.TPPrice)
}

func TestTrader_SameDirectionReentryIsNotStarter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseLimitOrders = false
	h := newHarness(true, cfg)
	ctx := context.Background()

	long, err := h.trader.Open(ctx, h.slot(), h.snap(domain.SignalBuy, 0.9, 8.0))
	require.NoError(t, err)
	require.NoError(t, h.trader.ForceClose(ctx, long.ID, domain.ExitManual, "operator"))

	again, err := h.trader.Open(ctx, h.slot(), h.snap(domain.SignalBuy, 0.9, 8.0))
	require.NoError(t, err)

	assert.Equal(t, 5, again.Leverage)
	assert.True(t, again.Qty.Equal(decimal.NewFromFloat(0.25)), "qty = %s", again.Qty)
}
