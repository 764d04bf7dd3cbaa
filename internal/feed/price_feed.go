// Package feed keeps market data flowing into the engine: live tickers from
// the venue WebSocket streams into the shared price cache, and recent OHLCV
// windows into the candle cache for ATR and the dry-run simulator.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// cacheWriteTimeout bounds each ticker write so a slow cache round trip
// never backs up the stream's read loop.
const cacheWriteTimeout = 2 * time.Second

// TickerStream is the venue-facing surface of a public market-data stream.
// Both venue WebSocket clients satisfy it, so the feed stays venue-agnostic.
type TickerStream interface {
	Connect(ctx context.Context) error
	SubscribeTickers(ctx context.Context, venueSymbols []string) error
	OnTicker(handler domain.TickerHandler)
	Close() error
}

// SymbolMapper converts between canonical "BASE/QUOTE" symbols and the
// venue-native ids the stream speaks. Venue adapters satisfy it.
type SymbolMapper interface {
	NormalizeSymbol(venueSymbol string) string
	VenueSymbol(canonical string) string
}

// PriceFeed pipes one venue's ticker stream into the shared price cache.
// Traders and the reconciler read prices from the cache instead of holding
// venue connections of their own.
type PriceFeed struct {
	exchange string
	stream   TickerStream
	mapper   SymbolMapper
	cache    domain.PriceCache
	symbols  []string
	logger   *slog.Logger
}

// NewPriceFeed creates a feed for one venue. Symbols are canonical
// "BASE/QUOTE"; the mapper translates them for the stream and back.
func NewPriceFeed(exchange string, stream TickerStream, mapper SymbolMapper, cache domain.PriceCache, symbols []string, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		exchange: exchange,
		stream:   stream,
		mapper:   mapper,
		cache:    cache,
		symbols:  symbols,
		logger: logger.With(
			slog.String("component", "price_feed"),
			slog.String("exchange", exchange),
		),
	}
}

// Run connects, subscribes the configured symbols, and writes every merged
// ticker into the cache until ctx is cancelled. The underlying stream
// reconnects on its own, so Run returns only when ctx ends or the initial
// connect or subscribe fails.
func (f *PriceFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to stream, exiting")
		return nil
	}

	f.stream.OnTicker(func(t domain.Ticker) {
		// Cache keys are canonical so every consumer can look prices up
		// without knowing venue notation.
		t.Symbol = f.mapper.NormalizeSymbol(t.Symbol)

		writeCtx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := f.cache.SetTicker(writeCtx, f.exchange, t); err != nil {
			f.logger.Debug("ticker cache write failed",
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
		}
	})

	if err := f.stream.Connect(ctx); err != nil {
		return fmt.Errorf("feed: connect stream: %w", err)
	}
	defer f.stream.Close()

	venueSymbols := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		venueSymbols = append(venueSymbols, f.mapper.VenueSymbol(s))
	}
	if err := f.stream.SubscribeTickers(ctx, venueSymbols); err != nil {
		return fmt.Errorf("feed: subscribe tickers: %w", err)
	}
	f.logger.Info("price feed subscribed", slog.Int("symbols", len(f.symbols)))

	<-ctx.Done()
	return ctx.Err()
}
