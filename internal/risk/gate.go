package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// VenueRules is the slice of the adapter the gate needs for sizing: trading
// rules and quantity rounding. No venue round-trips happen behind it.
type VenueRules interface {
	Instrument(symbol string) (domain.Instrument, error)
	AmountToPrecision(symbol string, qty decimal.Decimal) decimal.Decimal
}

// OpenPositions is the position-store slice the per-symbol guard reads.
type OpenPositions interface {
	ListActive(ctx context.Context, profileID int64) ([]domain.Position, error)
}

// OpenRequest describes an entry candidate awaiting clearance.
type OpenRequest struct {
	Profile    *domain.Profile
	Slot       domain.Slot
	Score      float64
	EntryPrice decimal.Decimal

	// Balance is the account balance the trader just fetched; the breaker
	// evaluates drawdown against it.
	Balance decimal.Decimal

	// Starter marks a reduced re-entry right after a signal-flip exit.
	Starter bool
}

// Sizing is the cleared order size. Qty is already rounded to venue
// precision.
type Sizing struct {
	Tier     domain.SizingTier
	Qty      decimal.Decimal
	Leverage int
	Margin   decimal.Decimal
}

// Gate runs the pre-open checks in a fixed order and short-circuits on the
// first failure: breaker, daily loss, cooldown, per-symbol guard, tiered
// sizing, leverage clamp, venue minimums. Inputs are all local reads; the
// gate itself never calls a venue.
type Gate struct {
	riskStore domain.RiskStore
	positions OpenPositions
	breaker   *Breaker
	logger    *slog.Logger

	mu          sync.RWMutex // guards the hot-reloadable sizing parameters
	tiers       []domain.SizingTier
	maxLeverage int
}

// NewGate creates a gate. Empty tiers fall back to DefaultTiers; a zero
// maxLeverage falls back to DefaultMaxLeverage.
func NewGate(riskStore domain.RiskStore, positions OpenPositions, breaker *Breaker, tiers []domain.SizingTier, maxLeverage int, logger *slog.Logger) *Gate {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	if maxLeverage <= 0 {
		maxLeverage = DefaultMaxLeverage
	}
	return &Gate{
		riskStore:   riskStore,
		positions:   positions,
		breaker:     breaker,
		tiers:       tiers,
		maxLeverage: maxLeverage,
		logger:      logger.With(slog.String("component", "risk_gate")),
	}
}

// Reconfigure swaps the sizing table and leverage cap on a strategy
// document reload. Entries already cleared keep the sizing they got.
func (g *Gate) Reconfigure(tiers []domain.SizingTier, maxLeverage int) {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	if maxLeverage <= 0 {
		maxLeverage = DefaultMaxLeverage
	}
	g.mu.Lock()
	g.tiers = tiers
	g.maxLeverage = maxLeverage
	g.mu.Unlock()
}

// Allow clears or denies one entry. Denials return a sentinel from the
// domain taxonomy wrapped with context; callers branch with errors.Is.
func (g *Gate) Allow(ctx context.Context, rules VenueRules, req OpenRequest) (Sizing, error) {
	if req.Profile == nil {
		return Sizing{}, fmt.Errorf("risk: open request without profile: %w", domain.ErrInvalidParam)
	}
	if !req.EntryPrice.IsPositive() {
		return Sizing{}, fmt.Errorf("risk: entry price %s: %w", req.EntryPrice.String(), domain.ErrInvalidParam)
	}

	if err := g.breaker.Check(ctx, req.Profile, req.Balance); err != nil {
		return Sizing{}, err
	}

	if err := g.checkCooldown(ctx, req.Profile.ID, req.Slot.Symbol); err != nil {
		return Sizing{}, err
	}

	if err := g.checkSymbolGuard(ctx, req.Profile.ID, req.Slot.Symbol); err != nil {
		return Sizing{}, err
	}

	return g.size(rules, req)
}

// SetCooldown records a post-stop-loss block on the symbol.
func (g *Gate) SetCooldown(ctx context.Context, profileID int64, symbol, reason string, ttl time.Duration) error {
	c := domain.Cooldown{
		ProfileID: profileID,
		Symbol:    symbol,
		ExpiresAt: time.Now().Add(ttl).UTC(),
		Reason:    reason,
	}
	if err := g.riskStore.SetCooldown(ctx, &c); err != nil {
		return fmt.Errorf("risk: set cooldown: %w", err)
	}
	g.logger.Info("cooldown set",
		slog.Int64("profile_id", profileID),
		slog.String("symbol", symbol),
		slog.Time("expires_at", c.ExpiresAt),
		slog.String("reason", reason),
	)
	return nil
}

func (g *Gate) checkCooldown(ctx context.Context, profileID int64, symbol string) error {
	c, err := g.riskStore.GetCooldown(ctx, profileID, symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("risk: load cooldown: %w", err)
	}
	if !c.Active(time.Now()) {
		return nil
	}
	return fmt.Errorf("risk: %s until %s: %w",
		symbol, c.ExpiresAt.Format(time.RFC3339), domain.ErrCooldownActive)
}

// checkSymbolGuard enforces one open position per symbol per profile across
// every timeframe. WAITING_SYNC rows count; an unresolved venue mismatch
// must not be doubled down on.
func (g *Gate) checkSymbolGuard(ctx context.Context, profileID int64, symbol string) error {
	open, err := g.positions.ListActive(ctx, profileID)
	if err != nil {
		return fmt.Errorf("risk: list open positions: %w", err)
	}
	for _, p := range open {
		if p.Symbol == symbol {
			return fmt.Errorf("risk: %s held by %s (%s): %w",
				symbol, p.PosKey, p.Status, domain.ErrSymbolGuard)
		}
	}
	return nil
}

func (g *Gate) size(rules VenueRules, req OpenRequest) (Sizing, error) {
	g.mu.RLock()
	tiers, maxLeverage := g.tiers, g.maxLeverage
	g.mu.RUnlock()

	tier, ok := PickTier(tiers, req.Score)
	if !ok {
		return Sizing{}, fmt.Errorf("risk: score %.2f below every sizing tier: %w",
			req.Score, domain.ErrInvalidParam)
	}
	if req.Starter {
		tier = StarterTier(tier)
	}

	inst, err := rules.Instrument(req.Slot.Symbol)
	if err != nil {
		return Sizing{}, fmt.Errorf("risk: instrument %s: %w", req.Slot.Symbol, err)
	}

	leverage := tier.Leverage
	if leverage > maxLeverage {
		leverage = maxLeverage
	}
	if inst.MaxLeverage > 0 && leverage > inst.MaxLeverage {
		leverage = inst.MaxLeverage
	}

	margin := tier.MarginUSDT
	if margin.GreaterThan(req.Balance) {
		return Sizing{}, fmt.Errorf("risk: margin %s exceeds balance %s: %w",
			margin.String(), req.Balance.String(), domain.ErrInsufficientFunds)
	}

	qty := rules.AmountToPrecision(req.Slot.Symbol,
		margin.Mul(decimal.NewFromInt(int64(leverage))).Div(req.EntryPrice))
	if !qty.IsPositive() {
		return Sizing{}, fmt.Errorf("risk: %s sized to zero at price %s: %w",
			req.Slot.Symbol, req.EntryPrice.String(), domain.ErrMinNotional)
	}
	if !inst.MeetsMinimums(qty, req.EntryPrice) {
		return Sizing{}, fmt.Errorf("risk: %s qty %s below venue minimums: %w",
			req.Slot.Symbol, qty.String(), domain.ErrMinNotional)
	}

	return Sizing{Tier: tier, Qty: qty, Leverage: leverage, Margin: margin}, nil
}
