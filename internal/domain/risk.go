package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskMetrics is the per-(profile, environment) risk ledger consulted by the
// gate before every open and mutated by the trader on every realized close.
type RiskMetrics struct {
	ProfileID       int64
	Environment     Environment
	PeakBalance     decimal.Decimal
	StartingBalance decimal.Decimal // balance at daily reset
	DailyLoss       decimal.Decimal // realized losses since reset, positive
	DailyResetDate  string          // "2006-01-02" in the engine timezone
	BreakerTripped  bool
	BreakerReason   string
	UpdatedAt       time.Time
}

// Drawdown returns the fractional drawdown of current from peak, zero when
// no peak is recorded yet.
func (m *RiskMetrics) Drawdown(current decimal.Decimal) decimal.Decimal {
	if !m.PeakBalance.IsPositive() {
		return decimal.Zero
	}
	loss := m.PeakBalance.Sub(current)
	if !loss.IsPositive() {
		return decimal.Zero
	}
	return loss.Div(m.PeakBalance)
}

// DailyLossFraction returns daily loss relative to the day-start balance.
func (m *RiskMetrics) DailyLossFraction() decimal.Decimal {
	if !m.StartingBalance.IsPositive() {
		return decimal.Zero
	}
	return m.DailyLoss.Div(m.StartingBalance)
}

// Cooldown blocks re-entry on a symbol after a realized stop-loss.
type Cooldown struct {
	ProfileID int64
	Symbol    string
	ExpiresAt time.Time
	Reason    string
	CreatedAt time.Time
}

// Active reports whether the cooldown still blocks entries at now.
func (c *Cooldown) Active(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// SizingTier maps a score band to leverage and margin allocation.
type SizingTier struct {
	Name       string
	MinScore   float64
	Leverage   int
	MarginUSDT decimal.Decimal
}
