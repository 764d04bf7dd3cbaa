package reconciler

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func TestReconciler_SteadyStateIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pos := seedActive(t, h)
	holdOnVenue(h, pos)

	require.NoError(t, h.recon.FastSync(ctx))
	require.NoError(t, h.recon.DeepScan(ctx))

	row, err := h.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionActive, row.Status)
	assert.Equal(t, "sl-1", row.SLOrderID)
	assert.Equal(t, "tp-1", row.TPOrderID)

	assert.Empty(t, h.venue.cancelled)
	assert.Empty(t, h.venue.placed)
	assert.Empty(t, h.store.tradeLedger())
	assert.Empty(t, h.sink.events)
	assert.Zero(t, h.venue.tradeCalls)
}

func TestReconciler_DeepScanReapsForeignOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pos := seedActive(t, h)
	holdOnVenue(h, pos)

	// A conditional on a symbol outside the profile universe, tracked by
	// no row: the reaper's to cancel.
	h.venue.setOrders(
		domain.OpenOrder{
			OrderID: pos.SLOrderID, Symbol: pos.Symbol, Side: domain.OrderSideSell,
			Kind: domain.OrderKindSL, Queue: domain.QueueConditional,
			Qty: pos.Qty, StopPrice: pos.SLPrice, ReduceOnly: true,
		},
		domain.OpenOrder{
			OrderID: pos.TPOrderID, Symbol: pos.Symbol, Side: domain.OrderSideSell,
			Kind: domain.OrderKindTP, Queue: domain.QueueConditional,
			Qty: pos.Qty, StopPrice: pos.TPPrice, ReduceOnly: true,
		},
		domain.OpenOrder{
			OrderID: "stray-eth", Symbol: "ETH/USDT", Side: domain.OrderSideSell,
			Kind: domain.OrderKindSL, Queue: domain.QueueConditional,
			Qty: decimal.NewFromFloat(0.1), StopPrice: decimal.NewFromInt(10), ReduceOnly: true,
		},
	)

	require.NoError(t, h.recon.DeepScan(ctx))

	assert.Equal(t, []string{"stray-eth"}, h.venue.cancelled)
	left, err := h.venue.FetchOpenOrders(ctx, "")
	require.NoError(t, err)
	assert.Len(t, left, 2)

	events := h.sink.byType(domain.EventOrderCancelled)
	require.Len(t, events, 1)
	assert.Equal(t, "cancelled 1 of 3 open orders", events[0].Message)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.recon.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyExit(t *testing.T) {
	// A long whose stop was trailed to the profit side; entry-time levels
	// kept for fills that raced the move.
	pos := &domain.Position{
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(100),
		SLPrice:    decimal.NewFromFloat(100.4),
		TPPrice:    decimal.NewFromInt(104),
		OriginalSL: decimal.NewFromFloat(98.3),
		OriginalTP: decimal.NewFromInt(104),
	}

	cases := []struct {
		name string
		exit float64
		want domain.ExitReason
	}{
		{"target hit inside band", 104.05, domain.ExitTP},
		{"locked stop at current level", 100.4, domain.ExitSL},
		{"entry-time stop after a move", 98.3, domain.ExitSL},
		{"no level nearby", 101.7, domain.ExitManual},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyExit(pos, decimal.NewFromFloat(tc.exit))
			assert.Equal(t, tc.want, got)
		})
	}

	// Zero levels never match.
	bare := &domain.Position{
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(100),
		SLPrice:    decimal.NewFromFloat(98.3),
	}
	assert.Equal(t, domain.ExitSL, classifyExit(bare, decimal.NewFromFloat(98.25)))
	assert.Equal(t, domain.ExitManual, classifyExit(bare, decimal.NewFromInt(104)))
}
