package feed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	// DefaultRefreshInterval is how often each slot's candle window is
	// refreshed from the venue.
	DefaultRefreshInterval = 60 * time.Second

	// DefaultFetchLimit is the number of recent candles kept per slot,
	// enough for ATR(14) with a wide margin for the dry-run simulator.
	DefaultFetchLimit = 100

	// staleAfter is how long an untouched cache row survives before the
	// daily purge removes it.
	staleAfter = 30 * 24 * time.Hour

	fetchTimeout  = 15 * time.Second
	purgeInterval = 24 * time.Hour
)

// CandleSource fetches recent OHLCV bars from one venue. Venue adapters
// satisfy it.
type CandleSource interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error)
}

// OHLCVPoller refreshes the candle cache for every trading slot on a fixed
// cadence. Slots are re-read each cycle so profile hot reloads take effect
// without a restart.
type OHLCVPoller struct {
	sources  map[string]CandleSource // keyed by uppercase exchange name
	store    domain.OHLCVStore
	slots    func() []domain.Slot
	interval time.Duration
	limit    int
	logger   *slog.Logger

	lastPurge time.Time
}

// NewOHLCVPoller creates a poller over the given venue sources. interval and
// limit fall back to the defaults when zero.
func NewOHLCVPoller(sources map[string]CandleSource, store domain.OHLCVStore, slots func() []domain.Slot, interval time.Duration, limit int, logger *slog.Logger) *OHLCVPoller {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	return &OHLCVPoller{
		sources:  sources,
		store:    store,
		slots:    slots,
		interval: interval,
		limit:    limit,
		logger:   logger.With(slog.String("component", "ohlcv_poller")),
	}
}

// Run refreshes all slots immediately, then on every tick until ctx is
// cancelled. Per-slot failures are logged and skipped; a venue hiccup on one
// symbol never starves the rest of the universe.
func (p *OHLCVPoller) Run(ctx context.Context) error {
	p.logger.Info("ohlcv poller started", slog.Duration("interval", p.interval))
	defer p.logger.Info("ohlcv poller stopped")

	p.refreshAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.refreshAll(ctx)
			p.maybePurge(ctx)
		}
	}
}

// refreshAll fetches one candle window per distinct (exchange, symbol,
// timeframe). Multiple profiles trading the same lane share a single fetch.
func (p *OHLCVPoller) refreshAll(ctx context.Context) {
	seen := make(map[string]struct{})
	for _, slot := range p.slots() {
		exchange := strings.ToUpper(slot.Exchange)
		key := exchange + "|" + slot.Symbol + "|" + slot.Timeframe
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if ctx.Err() != nil {
			return
		}
		p.refreshSlot(ctx, exchange, slot.Symbol, slot.Timeframe)
	}
}

func (p *OHLCVPoller) refreshSlot(ctx context.Context, exchange, symbol, timeframe string) {
	source, ok := p.sources[exchange]
	if !ok {
		p.logger.Warn("no candle source for exchange", slog.String("exchange", exchange))
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	candles, err := source.FetchOHLCV(fetchCtx, symbol, timeframe, p.limit)
	if err != nil {
		p.logger.Warn("ohlcv fetch failed",
			slog.String("exchange", exchange),
			slog.String("symbol", symbol),
			slog.String("timeframe", timeframe),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(candles) == 0 {
		return
	}
	if err := p.store.SaveCandles(fetchCtx, exchange, symbol, timeframe, candles); err != nil {
		p.logger.Warn("ohlcv cache write failed",
			slog.String("exchange", exchange),
			slog.String("symbol", symbol),
			slog.String("timeframe", timeframe),
			slog.String("error", err.Error()),
		)
	}
}

// maybePurge drops cache rows nothing has read for a month. Runs at most
// once a day.
func (p *OHLCVPoller) maybePurge(ctx context.Context) {
	if time.Since(p.lastPurge) < purgeInterval {
		return
	}
	p.lastPurge = time.Now()

	removed, err := p.store.PurgeStale(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		p.logger.Warn("ohlcv purge failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		p.logger.Info("purged stale ohlcv rows", slog.Int64("removed", removed))
	}
}
