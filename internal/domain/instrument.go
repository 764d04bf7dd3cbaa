package domain

import "github.com/shopspring/decimal"

// Instrument carries the venue trading rules for one perpetual contract.
// Adapters load these at startup and refresh them periodically; all
// quantity and price rounding flows through them.
type Instrument struct {
	Symbol      string // canonical "BASE/QUOTE"
	VenueSymbol string // venue-native id, e.g. "BTCUSDT"
	TickSize    decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	MaxLeverage int
}

// RoundPrice floors a price to the instrument tick size.
func (i Instrument) RoundPrice(p decimal.Decimal) decimal.Decimal {
	if i.TickSize.IsZero() {
		return p
	}
	return p.Div(i.TickSize).Floor().Mul(i.TickSize)
}

// RoundQty floors a quantity to the instrument step size.
func (i Instrument) RoundQty(q decimal.Decimal) decimal.Decimal {
	if i.QtyStep.IsZero() {
		return q
	}
	return q.Div(i.QtyStep).Floor().Mul(i.QtyStep)
}

// MeetsMinimums reports whether an order of qty at price clears the venue
// minimum quantity and notional.
func (i Instrument) MeetsMinimums(qty, price decimal.Decimal) bool {
	if !i.MinQty.IsZero() && qty.LessThan(i.MinQty) {
		return false
	}
	if !i.MinNotional.IsZero() && qty.Mul(price).LessThan(i.MinNotional) {
		return false
	}
	return true
}
