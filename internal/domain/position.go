package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks the position lifecycle.
type PositionStatus string

const (
	// PositionPending means the entry order rests on the venue unfilled.
	PositionPending PositionStatus = "PENDING"
	// PositionActive means the entry filled and the position is open.
	PositionActive PositionStatus = "ACTIVE"
	// PositionClosed is terminal: the position was closed with a realized
	// outcome recorded in the trade ledger.
	PositionClosed PositionStatus = "CLOSED"
	// PositionCancelled is terminal: the entry was cancelled before fill.
	PositionCancelled PositionStatus = "CANCELLED"
	// PositionWaitingSync means the position vanished from the venue but no
	// closing fill has been verified yet. No PnL may be recorded until one is.
	PositionWaitingSync PositionStatus = "WAITING_SYNC"
)

// Open reports whether the status still occupies its slot key. WAITING_SYNC
// counts: the slot stays blocked until reconciliation resolves the row.
func (s PositionStatus) Open() bool {
	return s == PositionPending || s == PositionActive || s == PositionWaitingSync
}

// Terminal reports whether the status is final.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionCancelled
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Opposite returns the reverse direction.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// CloseOrderSide returns the order side that reduces this position.
func (s PositionSide) CloseOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// EntryOrderSide returns the order side that opens this position.
func (s PositionSide) EntryOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// EntryType distinguishes market from patience (limit) entries.
type EntryType string

const (
	EntryMarket EntryType = "MARKET"
	EntryLimit  EntryType = "LIMIT"
)

// MarginMode is the venue margin accounting mode. The engine only trades
// isolated margin.
type MarginMode string

const (
	MarginIsolated MarginMode = "ISOLATED"
	MarginCross    MarginMode = "CROSS"
)

// Position is the central record: one row per slot entry attempt. A slot
// holds at most one row with an open status at any time.
type Position struct {
	ID        int64
	ProfileID int64
	PosKey    PosKey
	Exchange  string
	Symbol    string // canonical "BASE/QUOTE"
	Timeframe string

	Side       PositionSide
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
	SLPrice    decimal.Decimal // zero when unset
	TPPrice    decimal.Decimal // zero when unset
	Leverage   int
	MarginMode MarginMode
	EntryType  EntryType

	Status        PositionStatus
	EntryOrderID  string
	ClientOrderID string
	SLOrderID     string
	TPOrderID     string

	// One-shot lifecycle flags.
	ProfitLocked bool
	TPExtended   bool
	SLTightened  bool
	SLMoveCount  int

	EntryConfidence float64
	EntryScore      float64
	FeatureSnapshot []byte // opaque blob from the scoring collaborator
	ConfigVersion   string

	OriginalSL decimal.Decimal // SL at entry, kept for phantom classification
	OriginalTP decimal.Decimal // TP at entry, bounds TP extension

	WaitingSyncReason string
	Adopted           bool

	EntryTime time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the structural invariants of a freshly journaled entry.
// Protective prices are only checked when set, and only against their entry
// placement: a later profit lock moves the stop across entry on purpose, so
// lifecycle updates are not re-validated.
func (p *Position) Validate() error {
	if p.ProfileID <= 0 {
		return fmt.Errorf("domain: position profile id %d: %w", p.ProfileID, ErrInvalidParam)
	}
	if p.PosKey == "" || p.Symbol == "" {
		return fmt.Errorf("domain: position missing identity: %w", ErrInvalidParam)
	}
	if p.Side != SideLong && p.Side != SideShort {
		return fmt.Errorf("domain: position side %q: %w", p.Side, ErrInvalidParam)
	}
	if !p.Qty.IsPositive() {
		return fmt.Errorf("domain: position qty %s: %w", p.Qty, ErrInvalidParam)
	}
	if !p.EntryPrice.IsPositive() {
		return fmt.Errorf("domain: position entry price %s: %w", p.EntryPrice, ErrInvalidParam)
	}
	if p.Leverage <= 0 {
		return fmt.Errorf("domain: position leverage %d: %w", p.Leverage, ErrInvalidParam)
	}
	if !p.SLPrice.IsZero() {
		if p.Side == SideLong && p.SLPrice.GreaterThanOrEqual(p.EntryPrice) {
			return fmt.Errorf("domain: long SL %s >= entry %s: %w", p.SLPrice, p.EntryPrice, ErrInvalidParam)
		}
		if p.Side == SideShort && p.SLPrice.LessThanOrEqual(p.EntryPrice) {
			return fmt.Errorf("domain: short SL %s <= entry %s: %w", p.SLPrice, p.EntryPrice, ErrInvalidParam)
		}
	}
	if !p.TPPrice.IsZero() {
		if p.Side == SideLong && p.TPPrice.LessThanOrEqual(p.EntryPrice) {
			return fmt.Errorf("domain: long TP %s <= entry %s: %w", p.TPPrice, p.EntryPrice, ErrInvalidParam)
		}
		if p.Side == SideShort && p.TPPrice.GreaterThanOrEqual(p.EntryPrice) {
			return fmt.Errorf("domain: short TP %s >= entry %s: %w", p.TPPrice, p.EntryPrice, ErrInvalidParam)
		}
	}
	return nil
}

// UnrealizedPnL computes mark-to-market PnL at the given price.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() || p.Qty.IsZero() {
		return decimal.Zero
	}
	diff := mark.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Qty)
}

// Notional returns qty * entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Qty.Mul(p.EntryPrice)
}

// ProgressToTP returns how far the mark price has traveled along the
// entry->TP path in the profit direction, in [0, +inf). Zero when no TP is
// set or the distance is degenerate.
func (p *Position) ProgressToTP(mark decimal.Decimal) decimal.Decimal {
	if p.TPPrice.IsZero() {
		return decimal.Zero
	}
	dist := p.TPPrice.Sub(p.EntryPrice)
	if dist.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.EntryPrice).Div(dist)
}
