package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func defaultRules() *fakeRules {
	return &fakeRules{inst: domain.Instrument{
		Symbol:      "BTC/USDT",
		VenueSymbol: "BTCUSDT",
		QtyStep:     decimal.NewFromFloat(0.001),
		MinQty:      decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(5),
		MaxLeverage: 50,
	}}
}

func newTestGate(store *fakeRiskStore, positions *fakeOpenPositions, tiers []domain.SizingTier, maxLev int) *Gate {
	b := NewBreaker(store, nil, BreakerConfig{Timezone: time.UTC}, testLogger())
	return NewGate(store, positions, b, tiers, maxLev, testLogger())
}

func openRequest(score float64, price, balance int64) OpenRequest {
	return OpenRequest{
		Profile:    testProfile(),
		Slot:       domain.Slot{ProfileID: 1, Exchange: "BYBIT", Symbol: "BTC/USDT", Timeframe: "15m"},
		Score:      score,
		EntryPrice: decimal.NewFromInt(price),
		Balance:    decimal.NewFromInt(balance),
	}
}

func TestGate_AllowSizesFromTier(t *testing.T) {
	g := newTestGate(newFakeRiskStore(), &fakeOpenPositions{}, nil, 0)

	sizing, err := g.Allow(context.Background(), defaultRules(), openRequest(7.5, 100, 1000))
	require.NoError(t, err)

	assert.Equal(t, "high", sizing.Tier.Name)
	assert.Equal(t, 5, sizing.Leverage)
	assert.True(t, sizing.Margin.Equal(decimal.NewFromInt(5)))
	// qty = margin * leverage / price = 25 / 100
	assert.True(t, sizing.Qty.Equal(decimal.NewFromFloat(0.25)), "qty = %s", sizing.Qty)
}

func TestGate_DeniesWhileCooldownActive(t *testing.T) {
	store := newFakeRiskStore()
	require.NoError(t, store.SetCooldown(context.Background(), &domain.Cooldown{
		ProfileID: 1,
		Symbol:    "BTC/USDT",
		ExpiresAt: time.Now().Add(time.Hour),
		Reason:    "SL",
	}))
	g := newTestGate(store, &fakeOpenPositions{}, nil, 0)

	_, err := g.Allow(context.Background(), defaultRules(), openRequest(7.5, 100, 1000))
	assert.ErrorIs(t, err, domain.ErrCooldownActive)
}

func TestGate_ExpiredCooldownPasses(t *testing.T) {
	store := newFakeRiskStore()
	require.NoError(t, store.SetCooldown(context.Background(), &domain.Cooldown{
		ProfileID: 1,
		Symbol:    "BTC/USDT",
		ExpiresAt: time.Now().Add(-time.Minute),
		Reason:    "SL",
	}))
	g := newTestGate(store, &fakeOpenPositions{}, nil, 0)

	_, err := g.Allow(context.Background(), defaultRules(), openRequest(7.5, 100, 1000))
	assert.NoError(t, err)
}

func TestGate_SymbolGuardSpansTimeframes(t *testing.T) {
	positions := &fakeOpenPositions{open: []domain.Position{{
		ProfileID: 1,
		PosKey:    "P1_BYBIT_BTC_USDT_1h",
		Symbol:    "BTC/USDT",
		Timeframe: "1h",
		Status:    domain.PositionActive,
	}}}
	g := newTestGate(newFakeRiskStore(), positions, nil, 0)

	// Request is for 15m; the 1h position still blocks it.
	_, err := g.Allow(context.Background(), defaultRules(), openRequest(7.5, 100, 1000))
	assert.ErrorIs(t, err, domain.ErrSymbolGuard)
}

func TestGate_WaitingSyncBlocksSymbol(t *testing.T) {
	positions := &fakeOpenPositions{open: []domain.Position{{
		ProfileID: 1,
		PosKey:    "P1_BYBIT_BTC_USDT_15m",
		Symbol:    "BTC/USDT",
		Timeframe: "15m",
		Status:    domain.PositionWaitingSync,
	}}}
	g := newTestGate(newFakeRiskStore(), positions, nil, 0)

	_, err := g.Allow(context.Background(), defaultRules(), openRequest(7.5, 100, 1000))
	assert.ErrorIs(t, err, domain.ErrSymbolGuard)
}

func TestGate_OtherSymbolDoesNotBlock(t *testing.T) {
	positions := &fakeOpenPositions{open: []domain.Position{{
		ProfileID: 1,
		PosKey:    "P1_BYBIT_ETH_USDT_15m",
		Symbol:    "ETH/USDT",
		Timeframe: "15m",
		Status:    domain.PositionActive,
	}}}
	g := newTestGate(newFakeRiskStore(), positions, nil, 0)

	_, err := g.Allow(context.Background(), defaultRules(), openRequest(7.5, 100, 1000))
	assert.NoError(t, err)
}

func TestGate_ScoreBelowEveryTier(t *testing.T) {
	g := newTestGate(newFakeRiskStore(), &fakeOpenPositions{}, nil, 0)

	_, err := g.Allow(context.Background(), defaultRules(), openRequest(2.0, 100, 1000))
	assert.ErrorIs(t, err, domain.ErrInvalidParam)
}

func TestGate_LeverageClampedToEngineCap(t *testing.T) {
	tiers := []domain.SizingTier{{Name: "max", MinScore: 1, Leverage: 30, MarginUSDT: decimal.NewFromInt(100)}}
	g := newTestGate(newFakeRiskStore(), &fakeOpenPositions{}, tiers, 12)

	sizing, err := g.Allow(context.Background(), defaultRules(), openRequest(9.0, 100, 1000))
	require.NoError(t, err)
	assert.Equal(t, 12, sizing.Leverage)
}

func TestGate_LeverageClampedToInstrument(t *testing.T) {
	rules := defaultRules()
	rules.inst.MaxLeverage = 8
	tiers := []domain.SizingTier{{Name: "max", MinScore: 1, Leverage: 30, MarginUSDT: decimal.NewFromInt(100)}}
	g := newTestGate(newFakeRiskStore(), &fakeOpenPositions{}, tiers, 12)

	sizing, err := g.Allow(context.Background(), rules, openRequest(9.0, 100, 1000))
	require.NoError(t, err)
	assert.Equal(t, 8, sizing.Leverage)
}

func TestGate_DeniesBelowMinNotional(t *testing.T) {
	rules := defaultRules()
	rules.inst.MinNotional = decimal.NewFromInt(10)

	// Low tier: 3 USDT margin at 3x = 9 USDT notional.
	g := newTestGate(newFakeRiskStore(), &fakeOpenPositions{}, nil, 0)

	_, err := g.Allow(context.Background(), rules, openRequest(3.5, 100, 1000))
	assert.ErrorIs(t, err, domain.ErrMinNotional)
}

func TestGate_DeniesMarginOverBalance(t *testing.T) {
	g := newTestGate(newFakeRiskStore(), &fakeOpenPositions{}, nil, 0)

	_, err := g.Allow(context.Background(), defaultRules(), openRequest(7.5, 100, 2))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestGate_StarterShrinksSizing(t *testing.T) {
	g := newTestGate(newFakeRiskStore(), &fakeOpenPositions{}, nil, 0)

	req := openRequest(7.5, 100, 1000)
	req.Starter = true
	sizing, err := g.Allow(context.Background(), defaultRules(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, sizing.Leverage) // 5 * 0.6
	assert.True(t, sizing.Margin.Equal(decimal.NewFromFloat(2.5)))
	// qty = 2.5 * 3 / 100 = 0.075
	assert.True(t, sizing.Qty.Equal(decimal.NewFromFloat(0.075)), "qty = %s", sizing.Qty)
}

func TestGate_BreakerShortCircuits(t *testing.T) {
	store := newFakeRiskStore()
	require.NoError(t, store.SaveMetrics(context.Background(), &domain.RiskMetrics{
		ProfileID:       1,
		Environment:     domain.EnvLive,
		PeakBalance:     decimal.NewFromInt(1000),
		StartingBalance: decimal.NewFromInt(1000),
		DailyResetDate:  time.Now().UTC().Format("2006-01-02"),
		BreakerTripped:  true,
		BreakerReason:   "drawdown 0.12 from peak 1000",
	}))
	g := newTestGate(store, &fakeOpenPositions{}, nil, 0)

	_, err := g.Allow(context.Background(), defaultRules(), openRequest(7.5, 100, 1000))
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestGate_SetCooldownPersists(t *testing.T) {
	store := newFakeRiskStore()
	g := newTestGate(store, &fakeOpenPositions{}, nil, 0)
	ctx := context.Background()

	require.NoError(t, g.SetCooldown(ctx, 1, "SOL/USDT", "SL", 2*time.Hour))

	c, err := store.GetCooldown(ctx, 1, "SOL/USDT")
	require.NoError(t, err)
	assert.True(t, c.Active(time.Now()))
	assert.Equal(t, "SL", c.Reason)
}
