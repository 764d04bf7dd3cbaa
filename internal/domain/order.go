package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether an order buys or sells the base asset.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderKind classifies an order's role in the position lifecycle.
type OrderKind string

const (
	OrderKindEntry   OrderKind = "ENTRY"
	OrderKindSL      OrderKind = "SL"
	OrderKindTP      OrderKind = "TP"
	OrderKindUnknown OrderKind = "UNKNOWN"
)

// OrderQueue identifies which venue queue an order lives in. Algo-separate
// venues keep protective orders invisible to the standard endpoint.
type OrderQueue string

const (
	QueueStandard    OrderQueue = "STANDARD"
	QueueConditional OrderQueue = "CONDITIONAL"
)

// CancelHint steers adapter cancellation across venue queues.
type CancelHint string

const (
	// CancelStandard targets only the standard order queue.
	CancelStandard CancelHint = "STANDARD"
	// CancelConditional targets only the algo/conditional queue.
	CancelConditional CancelHint = "CONDITIONAL"
	// CancelAuto tries the standard queue and fails over to the conditional
	// queue when the venue reports the order missing.
	CancelAuto CancelHint = "AUTO"
)

// OrderAck is a venue acknowledgment of a placed order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        string // venue-native status, normalized uppercase
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
}

// Filled reports whether the ack indicates a complete fill.
func (a OrderAck) Filled() bool {
	return a.Status == "FILLED"
}

// OpenOrder is a normalized open order from either venue queue.
type OpenOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string // canonical
	Side          OrderSide
	Kind          OrderKind
	Queue         OrderQueue
	Qty           decimal.Decimal
	Price         decimal.Decimal // limit price, zero for market triggers
	StopPrice     decimal.Decimal // trigger price for protective orders
	ReduceOnly    bool
	CreatedAt     time.Time
}

// Fill is one execution from venue trade history, the only admissible
// evidence of realized PnL.
type Fill struct {
	OrderID    string
	TradeID    string
	Symbol     string
	Side       OrderSide
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	FeeAsset   string
	ReduceOnly bool
	Timestamp  time.Time
}

// ExchangePosition is a normalized open position as the venue reports it.
// Qty is always positive; direction lives in Side.
type ExchangePosition struct {
	Symbol        string
	Side          PositionSide
	Qty           decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	Leverage      int
	UnrealizedPnL decimal.Decimal
}

// Ticker is the latest venue price for one symbol.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Mark      decimal.Decimal
	Timestamp time.Time
}

// TickerHandler receives every merged ticker update from a venue stream.
type TickerHandler func(Ticker)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Balance is the account quote-currency balance snapshot.
type Balance struct {
	Asset string
	Total decimal.Decimal
	Free  decimal.Decimal
}
