package feed

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultATRPeriod is the lookback the TP-extension logic expects.
const DefaultATRPeriod = 14

// ATR returns the average true range over the trailing period, a plain
// rolling mean of true range rather than Wilder smoothing. Candles must be
// oldest first. Returns zero when fewer than period+1 candles are given,
// because the first true range needs the close of the bar before it.
func ATR(candles []domain.Candle, period int) decimal.Decimal {
	if period <= 0 {
		period = DefaultATRPeriod
	}
	if len(candles) < period+1 {
		return decimal.Zero
	}

	window := candles[len(candles)-period-1:]
	sum := decimal.Zero
	for i := 1; i < len(window); i++ {
		sum = sum.Add(trueRange(window[i], window[i-1].Close))
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// trueRange is the largest of the bar's own range and its gaps from the
// previous close.
func trueRange(c domain.Candle, prevClose decimal.Decimal) decimal.Decimal {
	tr := c.High.Sub(c.Low)
	if hc := c.High.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := c.Low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}
