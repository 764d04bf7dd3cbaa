package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// tickerTTL bounds how long a quote survives without a feed update. Readers
// treating a missing key as ErrNotFound is the staleness guard: protective
// logic falls back to a REST fetch rather than acting on a dead price.
const tickerTTL = 5 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes. Each symbol's
// quote lives at "ticker:{EXCHANGE}:{SYMBOL}" with last/bid/ask/mark fields
// stored as exact decimal strings.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func tickerKey(exchange, symbol string) string {
	return "ticker:" + exchange + ":" + symbol
}

// SetTicker stores the latest quote for a symbol. Zero fields are skipped so
// a partial update (bid/ask only) never erases the last trade or mark price.
func (pc *PriceCache) SetTicker(ctx context.Context, exchange string, t domain.Ticker) error {
	if t.Symbol == "" {
		return fmt.Errorf("redis: set ticker: empty symbol: %w", domain.ErrInvalidParam)
	}

	fields := map[string]interface{}{
		"ts": strconv.FormatInt(t.Timestamp.UnixMilli(), 10),
	}
	if !t.Last.IsZero() {
		fields["last"] = t.Last.String()
	}
	if !t.Bid.IsZero() {
		fields["bid"] = t.Bid.String()
	}
	if !t.Ask.IsZero() {
		fields["ask"] = t.Ask.String()
	}
	if !t.Mark.IsZero() {
		fields["mark"] = t.Mark.String()
	}

	key := tickerKey(exchange, t.Symbol)
	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, tickerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set ticker %s %s: %w", exchange, t.Symbol, err)
	}
	return nil
}

// GetTicker retrieves the latest quote for a symbol. It returns
// domain.ErrNotFound when no fresh quote exists.
func (pc *PriceCache) GetTicker(ctx context.Context, exchange, symbol string) (domain.Ticker, error) {
	vals, err := pc.rdb.HGetAll(ctx, tickerKey(exchange, symbol)).Result()
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: get ticker %s %s: %w", exchange, symbol, err)
	}
	if len(vals) == 0 {
		return domain.Ticker{}, fmt.Errorf("redis: ticker %s %s: %w", exchange, symbol, domain.ErrNotFound)
	}

	t := domain.Ticker{Symbol: symbol}
	for field, raw := range vals {
		switch field {
		case "ts":
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return domain.Ticker{}, fmt.Errorf("redis: parse ticker ts %s %s: %w", exchange, symbol, err)
			}
			t.Timestamp = time.UnixMilli(ms).UTC()
		case "last", "bid", "ask", "mark":
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return domain.Ticker{}, fmt.Errorf("redis: parse ticker %s %s %s: %w", field, exchange, symbol, err)
			}
			switch field {
			case "last":
				t.Last = d
			case "bid":
				t.Bid = d
			case "ask":
				t.Ask = d
			case "mark":
				t.Mark = d
			}
		}
	}
	return t, nil
}

// GetPrices retrieves the latest last-trade prices for multiple symbols using
// a pipeline. Symbols without a cached quote are omitted from the result.
func (pc *PriceCache) GetPrices(ctx context.Context, exchange string, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(symbols))
	for _, sym := range symbols {
		cmds[sym] = pipe.HGet(ctx, tickerKey(exchange, sym), "last")
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]decimal.Decimal, len(symbols))
	for sym, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		result[sym] = d
	}
	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
