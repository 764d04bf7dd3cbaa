package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest venue prices. Writers are
// the price feeds; readers are the protective lifecycle, the risk gate and
// the admin API.
type PriceCache interface {
	SetTicker(ctx context.Context, exchange string, t Ticker) error
	GetTicker(ctx context.Context, exchange, symbol string) (Ticker, error)
	GetPrices(ctx context.Context, exchange string, symbols []string) (map[string]decimal.Decimal, error)
}

// RateLimiter provides distributed rate limiting keyed by caller identity.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Wait blocks until the key admits a request under the given limit, or
	// the context ends.
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking. The engine takes one lock per
// LIVE profile so two instances never trade the same account.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is a single entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub fan-out and durable streams. Signal ingress
// tails a stream; engine events are published for the admin hub and any
// external consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
