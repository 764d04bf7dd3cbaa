package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func closeFill(orderID string, side domain.OrderSide, qty, price, fee float64) domain.Fill {
	return domain.Fill{
		OrderID:    orderID,
		TradeID:    "t-" + orderID,
		Symbol:     "BTC/USDT",
		Side:       side,
		Qty:        decimal.NewFromFloat(qty),
		Price:      decimal.NewFromFloat(price),
		Fee:        decimal.NewFromFloat(fee),
		FeeAsset:   "USDT",
		ReduceOnly: true,
		Timestamp:  time.Now().UTC(),
	}
}

func TestReconciler_PhantomClosureFinalizesFromFills(t *testing.T) {
	quickPhantom(t)
	ctx := context.Background()
	h := newHarness(t)
	pos := seedActive(t, h)

	// Venue reports no position; trade history shows the stop filled.
	h.venue.addFill(closeFill("sl-1", domain.OrderSideSell, 0.25, 98.3, 0.0147))

	require.NoError(t, h.recon.FastSync(ctx))

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, row.Status)

	trades := h.store.tradeLedger()
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, domain.ExitSL, tr.ExitReason)
	assert.True(t, tr.ExitPrice.Equal(decimal.NewFromFloat(98.3)), "exit = %s", tr.ExitPrice)
	assert.True(t, tr.Fees.Equal(decimal.NewFromFloat(0.0147)), "fees = %s", tr.Fees)
	assert.True(t, tr.PnL.Equal(decimal.NewFromFloat(-0.4397)), "pnl = %s", tr.PnL)

	// A genuine loss-side stop arms the symbol cooldown.
	cd, err := h.riskDB.GetCooldown(ctx, 1, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "stop loss", cd.Reason)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), cd.ExpiresAt, time.Minute)

	assert.Len(t, h.sink.byType(domain.EventPositionClosed), 1)
	assert.Empty(t, h.sink.byType(domain.EventPhantomDetected))
	assert.Equal(t, 1, h.venue.tradeCalls)
}

func TestReconciler_PhantomClassifiesTakeProfitFirst(t *testing.T) {
	quickPhantom(t)
	ctx := context.Background()
	h := newHarness(t)
	pos := seedActive(t, h)

	// 104.1 sits inside the tolerance band of the 104 target.
	h.venue.addFill(closeFill("tp-1", domain.OrderSideSell, 0.25, 104.1, 0.0156))

	require.NoError(t, h.recon.FastSync(ctx))

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, row.Status)

	trades := h.store.tradeLedger()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitTP, trades[0].ExitReason)
	assert.True(t, trades[0].PnL.Equal(decimal.NewFromFloat(1.0094)), "pnl = %s", trades[0].PnL)

	_, err = h.riskDB.GetCooldown(ctx, 1, "BTC/USDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconciler_PhantomManualWhenNoLevelMatches(t *testing.T) {
	quickPhantom(t)
	ctx := context.Background()
	h := newHarness(t)
	pos := seedActive(t, h)

	// 101 is near neither the stop nor the target: operator closed by hand.
	h.venue.addFill(closeFill("m-1", domain.OrderSideSell, 0.25, 101, 0.0152))

	require.NoError(t, h.recon.FastSync(ctx))

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, row.Status)

	trades := h.store.tradeLedger()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitManual, trades[0].ExitReason)

	_, err = h.riskDB.GetCooldown(ctx, 1, "BTC/USDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconciler_PhantomParksWithoutFills(t *testing.T) {
	quickPhantom(t)
	ctx := context.Background()
	h := newHarness(t)
	pos := seedActive(t, h)

	// History holds only the entry-side fill; nothing attests a closure.
	h.venue.addFill(closeFill("e-1", domain.OrderSideBuy, 0.25, 100, 0.015))

	require.NoError(t, h.recon.FastSync(ctx))

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionWaitingSync, row.Status)
	assert.Equal(t, "venue position vanished without a verified closing fill", row.WaitingSyncReason)
	assert.Empty(t, h.store.tradeLedger())
	assert.Len(t, h.sink.byType(domain.EventPhantomDetected), 1)
	assert.Equal(t, phantomAttempts, h.venue.tradeCalls)

	// Once the closing fill lands in history, the next pass settles the row.
	h.venue.addFill(closeFill("sl-1", domain.OrderSideSell, 0.25, 98.3, 0.0147))
	require.NoError(t, h.recon.FastSync(ctx))

	row, err = h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, row.Status)
	trades := h.store.tradeLedger()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitSL, trades[0].ExitReason)
	assert.Equal(t, phantomAttempts+1, h.venue.tradeCalls)

	// Settled rows drop out of the scan entirely.
	require.NoError(t, h.recon.FastSync(ctx))
	assert.Len(t, h.store.tradeLedger(), 1)
	assert.Equal(t, phantomAttempts+1, h.venue.tradeCalls)
}

func TestReconciler_WaitingSyncRevivesWhenPositionReappears(t *testing.T) {
	quickPhantom(t)
	ctx := context.Background()
	h := newHarness(t)
	pos := seedActive(t, h)

	require.NoError(t, h.recon.FastSync(ctx))
	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PositionWaitingSync, row.Status)

	// The vanish was indexing lag: the position is back on the venue.
	h.venue.setPositions(domain.ExchangePosition{
		Symbol:     "BTC/USDT",
		Side:       domain.SideLong,
		Qty:        decimal.NewFromFloat(0.25),
		EntryPrice: decimal.NewFromInt(100),
		Leverage:   5,
	})
	require.NoError(t, h.recon.FastSync(ctx))

	row, err = h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionActive, row.Status)
	assert.Empty(t, row.WaitingSyncReason)
	assert.Empty(t, h.store.tradeLedger())
	assert.Equal(t, phantomAttempts, h.venue.tradeCalls)
}

func TestReconciler_TradeHistoryFailuresRetry(t *testing.T) {
	quickPhantom(t)
	ctx := context.Background()
	h := newHarness(t)
	pos := seedActive(t, h)

	h.venue.addFill(closeFill("sl-1", domain.OrderSideSell, 0.25, 98.3, 0.0147))
	h.venue.tradeFails = 2

	require.NoError(t, h.recon.FastSync(ctx))

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, row.Status)
	require.Len(t, h.store.tradeLedger(), 1)
	assert.Equal(t, domain.ExitSL, h.store.tradeLedger()[0].ExitReason)
	assert.Equal(t, 3, h.venue.tradeCalls)
}
