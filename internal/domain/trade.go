package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason explains why a position closed.
type ExitReason string

const (
	ExitTP          ExitReason = "TP"
	ExitSL          ExitReason = "SL"
	ExitManual      ExitReason = "MANUAL"
	ExitSignalFlip  ExitReason = "SIGNAL_FLIP"
	ExitAdoptedExit ExitReason = "ADOPTED_EXIT"
)

// Trade is a finalized, write-once ledger row recorded when a position
// reaches CLOSED. PnL must be attested by venue fills, never inferred from
// a last-known market price.
type Trade struct {
	ID        int64
	ProfileID int64
	PosKey    PosKey
	Exchange  string
	Symbol    string
	Timeframe string

	Side       PositionSide
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	PnL        decimal.Decimal
	Fees       decimal.Decimal
	Leverage   int

	ExitReason ExitReason
	EntryTime  time.Time
	ExitTime   time.Time

	EntryConfidence float64
	FeatureSnapshot []byte

	CreatedAt time.Time
}

// GrossPnL computes side-adjusted price PnL before fees.
func GrossPnL(side PositionSide, qty, entry, exit decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}
