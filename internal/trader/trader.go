// Package trader owns every order-effecting path for one profile: entry
// placement behind the risk gate, the pending-fill monitor, the protective
// SL/TP lifecycle, signal-flip exits and the orphan reaper. All mutations
// for a (profile, symbol) pair are serialized through a shared KeyLock.
// Dry-run profiles are intercepted below this package by the paper adapter,
// so nothing here branches on environment.
package trader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/exchange"
	"github.com/alanyoungcy/perpbot/internal/risk"
)

// SignalSource hands out the latest snapshot per slot. Satisfied by
// *signal.Hub.
type SignalSource interface {
	Latest(slot domain.Slot) (domain.SignalSnapshot, bool)
}

// Config carries the tunable knobs of the order lifecycle. Zero values fall
// back to the defaults below.
type Config struct {
	// UseLimitOrders switches entries to patience LIMIT placement.
	UseLimitOrders bool
	// PatiencePct offsets the limit price from market in the favorable
	// direction (BUY below, SELL above).
	PatiencePct decimal.Decimal
	// SLPct and TPPct compute protective prices from the entry reference
	// price (the limit price for patience entries, never the market quote).
	SLPct decimal.Decimal
	TPPct decimal.Decimal

	// PendingPoll is the cadence of the pending-fill monitor.
	PendingPoll time.Duration
	// MinPendingAge is how long a resting entry is immune to weak opposite
	// or invalidated signals.
	MinPendingAge time.Duration
	// PendingTimeout is the absolute lifetime of a resting entry.
	PendingTimeout time.Duration
	// StrongReversal is the opposite-signal confidence that cancels a
	// resting entry immediately, regardless of age.
	StrongReversal float64
	// Invalidation is the confidence floor under which a resting entry's
	// signal counts as gone.
	Invalidation float64

	// ExitScore is the opposite-signal score that force-closes an ACTIVE
	// position.
	ExitScore float64

	// RecreateCooldown throttles protective-order recreation per position.
	RecreateCooldown time.Duration
	// ProfitLockThreshold is the entry->TP progress that arms the one-shot
	// profit lock; ProfitLockLevel is the fraction of the TP distance the
	// stop is moved past entry.
	ProfitLockThreshold decimal.Decimal
	ProfitLockLevel     decimal.Decimal
	// ATRExtension scales ATR into the structural TP-extension level;
	// TPExtensionCap bounds the extended TP to a multiple of the original
	// entry->TP distance.
	ATRExtension   decimal.Decimal
	TPExtensionCap decimal.Decimal
	// TightenConfidenceRatio arms the emergency stop tighten when same-side
	// confidence drops below this fraction of the entry confidence;
	// TightenFactor is how far the stop moves toward entry.
	TightenConfidenceRatio float64
	TightenFactor          decimal.Decimal

	// SLCooldown is the symbol block applied after a genuine stop-loss.
	SLCooldown time.Duration

	// ConfigVersion pins the strategy document version into each entry.
	ConfigVersion string
}

// Default lifecycle parameters.
const (
	DefaultPendingPoll      = 2500 * time.Millisecond
	DefaultMinPendingAge    = 120 * time.Second
	DefaultPendingTimeout   = 300 * time.Second
	DefaultStrongReversal   = 0.4
	DefaultInvalidation     = 0.2
	DefaultExitScore        = 2.5
	DefaultRecreateCooldown = 20 * time.Second
	DefaultSLCooldown       = 7200 * time.Second

	defaultTightenRatio = 0.5
)

// DefaultConfig returns the standard lifecycle tuning with patience entries
// enabled.
func DefaultConfig() Config {
	return Config{
		UseLimitOrders:         true,
		PatiencePct:            decimal.NewFromFloat(0.015),
		SLPct:                  decimal.NewFromFloat(0.017),
		TPPct:                  decimal.NewFromFloat(0.04),
		PendingPoll:            DefaultPendingPoll,
		MinPendingAge:          DefaultMinPendingAge,
		PendingTimeout:         DefaultPendingTimeout,
		StrongReversal:         DefaultStrongReversal,
		Invalidation:           DefaultInvalidation,
		ExitScore:              DefaultExitScore,
		RecreateCooldown:       DefaultRecreateCooldown,
		ProfitLockThreshold:    decimal.NewFromFloat(0.8),
		ProfitLockLevel:        decimal.NewFromFloat(0.1),
		ATRExtension:           decimal.NewFromFloat(1.5),
		TPExtensionCap:         decimal.NewFromFloat(1.5),
		TightenConfidenceRatio: defaultTightenRatio,
		TightenFactor:          decimal.NewFromFloat(0.5),
		SLCooldown:             DefaultSLCooldown,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.PatiencePct.IsZero() {
		c.PatiencePct = d.PatiencePct
	}
	if c.SLPct.IsZero() {
		c.SLPct = d.SLPct
	}
	if c.TPPct.IsZero() {
		c.TPPct = d.TPPct
	}
	if c.PendingPoll <= 0 {
		c.PendingPoll = d.PendingPoll
	}
	if c.MinPendingAge <= 0 {
		c.MinPendingAge = d.MinPendingAge
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = d.PendingTimeout
	}
	if c.StrongReversal <= 0 {
		c.StrongReversal = d.StrongReversal
	}
	if c.Invalidation <= 0 {
		c.Invalidation = d.Invalidation
	}
	if c.ExitScore <= 0 {
		c.ExitScore = d.ExitScore
	}
	if c.RecreateCooldown <= 0 {
		c.RecreateCooldown = d.RecreateCooldown
	}
	if c.ProfitLockThreshold.IsZero() {
		c.ProfitLockThreshold = d.ProfitLockThreshold
	}
	if c.ProfitLockLevel.IsZero() {
		c.ProfitLockLevel = d.ProfitLockLevel
	}
	if c.ATRExtension.IsZero() {
		c.ATRExtension = d.ATRExtension
	}
	if c.TPExtensionCap.IsZero() {
		c.TPExtensionCap = d.TPExtensionCap
	}
	if c.TightenConfidenceRatio <= 0 {
		c.TightenConfidenceRatio = d.TightenConfidenceRatio
	}
	if c.TightenFactor.IsZero() {
		c.TightenFactor = d.TightenFactor
	}
	if c.SLCooldown <= 0 {
		c.SLCooldown = d.SLCooldown
	}
	return c
}

// Trader executes the order lifecycle for one profile against one venue
// adapter. For TEST-environment profiles the adapter is the paper simulator,
// so every path below behaves identically in dry-run.
type Trader struct {
	profile   *domain.Profile
	adapter   exchange.Adapter
	positions domain.PositionStore
	gate      *risk.Gate
	breaker   *risk.Breaker
	prices    domain.PriceCache
	candles   domain.OHLCVStore
	signals   SignalSource
	events    domain.EventSink
	locks     *KeyLock
	cfg       Config
	logger    *slog.Logger

	mu           sync.Mutex
	lastRecreate map[int64]time.Time
	lastExitSide map[string]domain.PositionSide
}

// New wires a trader for the profile. locks must be the same instance the
// profile's reconciler uses.
func New(
	profile *domain.Profile,
	adapter exchange.Adapter,
	positions domain.PositionStore,
	gate *risk.Gate,
	breaker *risk.Breaker,
	prices domain.PriceCache,
	candles domain.OHLCVStore,
	signals SignalSource,
	events domain.EventSink,
	locks *KeyLock,
	cfg Config,
	logger *slog.Logger,
) *Trader {
	return &Trader{
		profile:      profile,
		adapter:      adapter,
		positions:    positions,
		gate:         gate,
		breaker:      breaker,
		prices:       prices,
		candles:      candles,
		signals:      signals,
		events:       events,
		locks:        locks,
		cfg:          cfg.normalized(),
		logger: logger.With(
			slog.String("component", "trader"),
			slog.Int64("profile_id", profile.ID),
			slog.String("exchange", adapter.Name()),
		),
		lastRecreate: make(map[int64]time.Time),
		lastExitSide: make(map[string]domain.PositionSide),
	}
}

// Locks exposes the per-symbol lock registry so the reconciler serializes
// against the same mutexes.
func (t *Trader) Locks() *KeyLock { return t.locks }

// config returns a snapshot of the lifecycle tuning. Callers read one
// snapshot per operation so a concurrent reload never splits a decision.
func (t *Trader) config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Reconfigure swaps the lifecycle tuning on a strategy document reload.
// Positions already open keep the ConfigVersion captured at entry; only
// operations starting after the swap read the new values.
func (t *Trader) Reconfigure(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg.normalized()
	t.mu.Unlock()
}

// Profile returns the profile this trader executes for.
func (t *Trader) Profile() *domain.Profile { return t.profile }

// markPrice returns the freshest price for a canonical symbol: the cache
// first, the venue REST ticker as fallback.
func (t *Trader) markPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if t.prices != nil {
		tick, err := t.prices.GetTicker(ctx, t.adapter.Name(), symbol)
		if err == nil && tick.Last.IsPositive() {
			return tick.Last, nil
		}
	}
	tick, err := t.adapter.FetchTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("trader: fetch ticker %s: %w", symbol, err)
	}
	if !tick.Last.IsPositive() {
		return decimal.Zero, fmt.Errorf("trader: ticker %s without price: %w", symbol, domain.ErrInvalidParam)
	}
	return tick.Last, nil
}

// patiencePrice offsets the market quote in the maker-favorable direction.
func (t *Trader) patiencePrice(symbol string, side domain.PositionSide, market decimal.Decimal) decimal.Decimal {
	offset := market.Mul(t.config().PatiencePct)
	if side == domain.SideLong {
		return t.adapter.PriceToPrecision(symbol, market.Sub(offset))
	}
	return t.adapter.PriceToPrecision(symbol, market.Add(offset))
}

// protectivePrices derives side-adjusted SL/TP from the entry reference
// price. For patience entries the reference is the limit price.
func protectivePrices(side domain.PositionSide, ref, slPct, tpPct decimal.Decimal) (sl, tp decimal.Decimal) {
	one := decimal.NewFromInt(1)
	if side == domain.SideLong {
		return ref.Mul(one.Sub(slPct)), ref.Mul(one.Add(tpPct))
	}
	return ref.Mul(one.Add(slPct)), ref.Mul(one.Sub(tpPct))
}

// slotOf rebuilds the trading lane a position belongs to.
func slotOf(pos *domain.Position) domain.Slot {
	return domain.Slot{
		ProfileID: pos.ProfileID,
		Exchange:  pos.Exchange,
		Symbol:    pos.Symbol,
		Timeframe: pos.Timeframe,
	}
}

// recreateAllowed rate-limits protective recreation per position.
func (t *Trader) recreateAllowed(posID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastRecreate[posID]
	if ok && time.Since(last) < t.cfg.RecreateCooldown {
		return false
	}
	t.lastRecreate[posID] = time.Now()
	return true
}

func (t *Trader) forgetRecreate(posID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastRecreate, posID)
}

// rememberExit records the direction of the symbol's last realized trade so
// an immediate opposite entry is sized as a starter.
func (t *Trader) rememberExit(symbol string, side domain.PositionSide) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastExitSide[symbol] = side
}

// isReversal reports whether entering side on symbol flips the direction of
// the last trade closed in this process.
func (t *Trader) isReversal(symbol string, side domain.PositionSide) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastExitSide[symbol]
	return ok && last != side
}

func (t *Trader) emit(ctx context.Context, typ domain.EngineEventType, pos *domain.Position, title, message string) {
	if t.events == nil {
		return
	}
	ev := domain.EngineEvent{
		Type:      typ,
		ProfileID: t.profile.ID,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if pos != nil {
		ev.PosKey = string(pos.PosKey)
		ev.Symbol = pos.Symbol
	}
	t.events.Emit(ctx, ev)
}
