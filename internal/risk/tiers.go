// Package risk gates every position open: circuit breaker, daily loss
// limit, symbol cooldowns, the per-symbol guard, and score-tiered sizing.
// Everything here is pure bookkeeping; the trader owns venue round-trips.
package risk

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultMaxLeverage is the hard cap applied after tier selection.
const DefaultMaxLeverage = 12

// Starter multipliers applied when re-entering immediately after a
// signal-flip exit: less leverage, half the margin, and a tighter stop
// until the new direction proves out.
const (
	StarterLeverageFactor = 0.6
	StarterSLFactor       = 0.6
)

// StarterMarginFactor halves the notional of a starter entry.
var StarterMarginFactor = decimal.NewFromFloat(0.5)

// DefaultTiers is the conservative three-band sizing table. Scores below
// the lowest band do not trade at all.
func DefaultTiers() []domain.SizingTier {
	return []domain.SizingTier{
		{Name: "high", MinScore: 7.0, Leverage: 5, MarginUSDT: decimal.NewFromInt(5)},
		{Name: "medium", MinScore: 5.0, Leverage: 4, MarginUSDT: decimal.NewFromInt(4)},
		{Name: "low", MinScore: 3.0, Leverage: 3, MarginUSDT: decimal.NewFromInt(3)},
	}
}

// PickTier returns the highest tier whose MinScore the score clears. The
// second return is false when the score is below every band.
func PickTier(tiers []domain.SizingTier, score float64) (domain.SizingTier, bool) {
	sorted := make([]domain.SizingTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinScore > sorted[j].MinScore })

	for _, t := range sorted {
		if score >= t.MinScore {
			return t, true
		}
	}
	return domain.SizingTier{}, false
}

// StarterTier shrinks a tier for a starter entry. Leverage never drops
// below 1.
func StarterTier(t domain.SizingTier) domain.SizingTier {
	lev := int(math.Round(float64(t.Leverage) * StarterLeverageFactor))
	if lev < 1 {
		lev = 1
	}
	t.Leverage = lev
	t.MarginUSDT = t.MarginUSDT.Mul(StarterMarginFactor)
	return t
}
