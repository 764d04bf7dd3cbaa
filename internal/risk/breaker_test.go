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

func newTestBreaker(store domain.RiskStore, sink domain.EventSink) *Breaker {
	return NewBreaker(store, sink, BreakerConfig{Timezone: time.UTC}, testLogger())
}

func TestBreaker_AllowsHealthyProfile(t *testing.T) {
	store := newFakeRiskStore()
	b := newTestBreaker(store, nil)
	ctx := context.Background()

	err := b.Check(ctx, testProfile(), decimal.NewFromInt(1000))
	require.NoError(t, err)

	m, err := store.GetMetrics(ctx, 1, domain.EnvLive)
	require.NoError(t, err)
	assert.True(t, m.PeakBalance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, m.StartingBalance.Equal(decimal.NewFromInt(1000)))
	assert.False(t, m.BreakerTripped)
}

func TestBreaker_TripsOnDrawdownAndLatches(t *testing.T) {
	store := newFakeRiskStore()
	sink := &fakeSink{}
	b := newTestBreaker(store, sink)
	ctx := context.Background()
	profile := testProfile()

	require.NoError(t, b.Check(ctx, profile, decimal.NewFromInt(1000)))

	// 11% below peak trips the breaker.
	err := b.Check(ctx, profile, decimal.NewFromInt(890))
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)

	m, err := store.GetMetrics(ctx, 1, domain.EnvLive)
	require.NoError(t, err)
	assert.True(t, m.BreakerTripped)
	assert.NotEmpty(t, m.BreakerReason)

	// Latched: recovering the balance does not clear it.
	err = b.Check(ctx, profile, decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)

	assert.Len(t, sink.byType(domain.EventCircuitBreaker), 1)
}

func TestBreaker_ResumeClearsTrip(t *testing.T) {
	store := newFakeRiskStore()
	b := newTestBreaker(store, &fakeSink{})
	ctx := context.Background()
	profile := testProfile()

	require.NoError(t, b.Check(ctx, profile, decimal.NewFromInt(1000)))
	require.ErrorIs(t, b.Check(ctx, profile, decimal.NewFromInt(850)), domain.ErrCircuitOpen)

	require.NoError(t, b.Resume(ctx, profile))

	// Allowed again while within the drawdown budget.
	err := b.Check(ctx, profile, decimal.NewFromInt(950))
	assert.NoError(t, err)
}

func TestBreaker_TripAlertThrottled(t *testing.T) {
	store := newFakeRiskStore()
	sink := &fakeSink{}
	b := newTestBreaker(store, sink)
	ctx := context.Background()
	profile := testProfile()

	require.NoError(t, b.Check(ctx, profile, decimal.NewFromInt(1000)))
	require.ErrorIs(t, b.Check(ctx, profile, decimal.NewFromInt(850)), domain.ErrCircuitOpen)
	require.NoError(t, b.Resume(ctx, profile))

	// Re-trip right away: denied again but no second tripped alert.
	require.ErrorIs(t, b.Check(ctx, profile, decimal.NewFromInt(850)), domain.ErrCircuitOpen)

	tripped := 0
	for _, ev := range sink.byType(domain.EventCircuitBreaker) {
		if ev.Title == "Circuit breaker tripped" {
			tripped++
		}
	}
	assert.Equal(t, 1, tripped)
}

func TestBreaker_DailyLossDeniesWithoutLatching(t *testing.T) {
	store := newFakeRiskStore()
	b := newTestBreaker(store, nil)
	ctx := context.Background()
	profile := testProfile()

	require.NoError(t, b.Check(ctx, profile, decimal.NewFromInt(1000)))

	// 3.1% of the day-start balance lost.
	require.NoError(t, b.RecordClose(ctx, profile, decimal.NewFromInt(-31), decimal.NewFromInt(969)))

	err := b.Check(ctx, profile, decimal.NewFromInt(969))
	assert.ErrorIs(t, err, domain.ErrDailyLossLimit)

	m, err := store.GetMetrics(ctx, 1, domain.EnvLive)
	require.NoError(t, err)
	assert.False(t, m.BreakerTripped, "daily loss must not latch the operator-clear breaker")
}

func TestBreaker_DailyLedgerRollsOver(t *testing.T) {
	store := newFakeRiskStore()
	b := newTestBreaker(store, nil)
	ctx := context.Background()
	profile := testProfile()

	// Seed yesterday's ledger over the daily budget.
	require.NoError(t, store.SaveMetrics(ctx, &domain.RiskMetrics{
		ProfileID:       1,
		Environment:     domain.EnvLive,
		PeakBalance:     decimal.NewFromInt(1000),
		StartingBalance: decimal.NewFromInt(1000),
		DailyLoss:       decimal.NewFromInt(50),
		DailyResetDate:  "2000-01-01",
	}))

	err := b.Check(ctx, profile, decimal.NewFromInt(970))
	require.NoError(t, err)

	m, err := store.GetMetrics(ctx, 1, domain.EnvLive)
	require.NoError(t, err)
	assert.True(t, m.DailyLoss.IsZero())
	assert.True(t, m.StartingBalance.Equal(decimal.NewFromInt(970)))
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), m.DailyResetDate)
}

func TestBreaker_PeakRatchetsUp(t *testing.T) {
	store := newFakeRiskStore()
	b := newTestBreaker(store, nil)
	ctx := context.Background()
	profile := testProfile()

	require.NoError(t, b.Check(ctx, profile, decimal.NewFromInt(1000)))
	require.NoError(t, b.Check(ctx, profile, decimal.NewFromInt(1200)))
	require.NoError(t, b.Check(ctx, profile, decimal.NewFromInt(1100)))

	m, err := store.GetMetrics(ctx, 1, domain.EnvLive)
	require.NoError(t, err)
	assert.True(t, m.PeakBalance.Equal(decimal.NewFromInt(1200)))
}

func TestBreaker_ProfitsDoNotAccumulateDailyLoss(t *testing.T) {
	store := newFakeRiskStore()
	b := newTestBreaker(store, nil)
	ctx := context.Background()
	profile := testProfile()

	require.NoError(t, b.Check(ctx, profile, decimal.NewFromInt(1000)))
	require.NoError(t, b.RecordClose(ctx, profile, decimal.NewFromInt(40), decimal.NewFromInt(1040)))

	m, err := store.GetMetrics(ctx, 1, domain.EnvLive)
	require.NoError(t, err)
	assert.True(t, m.DailyLoss.IsZero())
	assert.True(t, m.PeakBalance.Equal(decimal.NewFromInt(1040)))
}
