// Package exchange defines the uniform venue contract the engine trades
// through, plus the shared plumbing every venue client needs: client order
// ids, token-bucket rate limiting, retry with backoff, and server-clock
// drift tracking. Venue implementations live under internal/platform.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// EntryRequest opens a position. A zero LimitPrice means MARKET. When the
// venue supports parent-child protection, AttachedSL/AttachedTP are bound
// atomically to the entry; otherwise the adapter ignores them and the caller
// places protective orders separately.
type EntryRequest struct {
	Symbol        string // canonical "BASE/QUOTE"
	Side          domain.OrderSide
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal
	AttachedSL    decimal.Decimal
	AttachedTP    decimal.Decimal
	ClientOrderID string
}

// Market reports whether the entry executes immediately at market.
func (r EntryRequest) Market() bool { return r.LimitPrice.IsZero() }

// ReduceOnlyRequest places a position-reducing order. A non-zero StopPrice
// makes it a protective trigger order of the given Kind; a zero StopPrice is
// an immediate market close.
type ReduceOnlyRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Qty           decimal.Decimal
	StopPrice     decimal.Decimal
	Kind          domain.OrderKind
	ClientOrderID string
}

// Adapter is the capability set every venue must provide. Implementations
// normalize all venue payloads to domain types at this boundary; no caller
// ever sees raw venue JSON. Errors map onto the domain taxonomy so callers
// can branch with errors.Is.
type Adapter interface {
	// Name returns the uppercase venue name, e.g. "BYBIT".
	Name() string

	// Init loads instrument rules and synchronizes the server clock. Must be
	// called once before trading.
	Init(ctx context.Context) error

	PlaceEntry(ctx context.Context, req EntryRequest) (domain.OrderAck, error)
	PlaceReduceOnly(ctx context.Context, req ReduceOnlyRequest) (domain.OrderAck, error)

	// CancelOrder removes an order. With CancelAuto the adapter retries the
	// conditional queue when the standard queue reports the order missing.
	CancelOrder(ctx context.Context, symbol, orderID string, hint domain.CancelHint) error

	// FetchOpenOrders merges the standard and algo/conditional queues into
	// one list. An empty symbol fetches across the whole account.
	FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error)

	// FetchOrder looks an order up by id, failing over to the conditional
	// queue before reporting ErrOrderNotFound.
	FetchOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error)

	// FetchPositions returns open positions with positive quantities;
	// direction is carried by Side, never by sign.
	FetchPositions(ctx context.Context) ([]domain.ExchangePosition, error)

	// FetchMyTrades returns fills since the given time, the only admissible
	// evidence for realized PnL.
	FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]domain.Fill, error)

	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error)
	FetchBalance(ctx context.Context) (domain.Balance, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode) error

	// Instrument returns the trading rules for a canonical symbol.
	Instrument(symbol string) (domain.Instrument, error)
	AmountToPrecision(symbol string, qty decimal.Decimal) decimal.Decimal
	PriceToPrecision(symbol string, price decimal.Decimal) decimal.Decimal

	// NormalizeSymbol maps a venue-native id to canonical form;
	// VenueSymbol is the inverse.
	NormalizeSymbol(venueSymbol string) string
	VenueSymbol(canonical string) string

	ServerTime(ctx context.Context) (time.Time, error)
	// SyncClock refreshes the local drift offset against the venue clock.
	SyncClock(ctx context.Context) error

	// SupportsAttachedProtection reports whether SL/TP ride on the entry
	// order (parent-child venues) or must be placed separately.
	SupportsAttachedProtection() bool

	Close() error
}
