// Package reconciler squares the position store against venue reality.
// Rows whose venue position vanished go through the phantom closure
// protocol, venue positions no row accounts for are adopted, and each deep
// scan ends with an orphan-order sweep. Writes take the same per-symbol
// locks as the trader; observation never holds them.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/exchange"
	"github.com/alanyoungcy/perpbot/internal/trader"
)

// DeepScanInterval is the default cadence of the full reconciliation pass.
const DeepScanInterval = 10 * time.Minute

// Config tunes reconciliation for one profile. Zero values take defaults.
type Config struct {
	// SLPct and TPPct synthesize protective levels for adopted positions
	// with no inferable orders. They mirror the trader's entry percentages.
	SLPct decimal.Decimal
	TPPct decimal.Decimal

	DeepScan time.Duration
}

func (c Config) normalized() Config {
	if c.SLPct.IsZero() {
		c.SLPct = decimal.NewFromFloat(0.017)
	}
	if c.TPPct.IsZero() {
		c.TPPct = decimal.NewFromFloat(0.04)
	}
	if c.DeepScan <= 0 {
		c.DeepScan = DeepScanInterval
	}
	return c
}

// Reconciler runs the sync passes for one profile against one venue
// adapter. It drives the protective lifecycle for adopted rows itself,
// since those belong to no slot loop.
type Reconciler struct {
	trader    *trader.Trader
	adapter   exchange.Adapter
	positions domain.PositionStore
	events    domain.EventSink
	locks     *trader.KeyLock
	profile   *domain.Profile
	cfg       Config
	logger    *slog.Logger

	mu sync.Mutex // serializes sync passes
}

// New builds a reconciler sharing the trader's profile and symbol locks.
func New(tr *trader.Trader, adapter exchange.Adapter, positions domain.PositionStore,
	events domain.EventSink, cfg Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		trader:    tr,
		adapter:   adapter,
		positions: positions,
		events:    events,
		locks:     tr.Locks(),
		profile:   tr.Profile(),
		cfg:       cfg.normalized(),
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Run performs one deep scan immediately, then repeats on the configured
// cadence until ctx ends. The heartbeat-level FastSync is driven by the
// engine between scans.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", slog.Duration("deep_scan", r.cfg.DeepScan))

	if err := r.DeepScan(ctx); err != nil {
		r.logger.Warn("deep scan", slog.Any("error", err))
	}

	ticker := time.NewTicker(r.cfg.DeepScan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.DeepScan(ctx); err != nil {
				r.logger.Warn("deep scan", slog.Any("error", err))
			}
		}
	}
}

// FastSync is the per-heartbeat pass: presence sync plus adoption. The
// engine runs it before evaluating slots, so slot loops never act on rows
// the venue already settled.
func (r *Reconciler) FastSync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncOnce(ctx, false)
}

// DeepScan is the full pass: everything FastSync does, a protective
// lifecycle pass over every ACTIVE row, and the orphan reaper.
func (r *Reconciler) DeepScan(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.syncOnce(ctx, true); err != nil {
		return err
	}
	return r.trader.ReapOnce(ctx)
}

func (r *Reconciler) syncOnce(ctx context.Context, deep bool) error {
	venue, err := r.adapter.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: fetch positions: %w", err)
	}
	bySymbol := make(map[string]domain.ExchangePosition, len(venue))
	for _, ep := range venue {
		if ep.Qty.IsPositive() {
			bySymbol[ep.Symbol] = ep
		}
	}

	rows, err := r.positions.ListActive(ctx, r.profile.ID)
	if err != nil {
		return fmt.Errorf("reconciler: list open rows: %w", err)
	}

	for i := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		row := rows[i]
		ep, held := bySymbol[row.Symbol]
		matched := held && ep.Side == row.Side

		switch row.Status {
		case domain.PositionPending:
			// The pending monitor owns these.

		case domain.PositionActive:
			if matched {
				// Slot loops run the protective lifecycle for their own
				// rows each tick; adopted rows have no loop, and the deep
				// scan re-verifies everything.
				if deep || row.Adopted {
					if err := r.trader.ManageProtection(ctx, &row); err != nil {
						r.logger.Warn("protective pass",
							slog.String("pos_key", string(row.PosKey)), slog.Any("error", err))
					}
				}
				continue
			}
			if err := r.resolvePhantom(ctx, &row); err != nil {
				r.logger.Warn("phantom resolution",
					slog.String("pos_key", string(row.PosKey)), slog.Any("error", err))
			}

		case domain.PositionWaitingSync:
			if matched {
				r.reviveWaiting(ctx, &row)
				continue
			}
			if err := r.retryWaiting(ctx, &row); err != nil {
				r.logger.Warn("waiting-sync retry",
					slog.String("pos_key", string(row.PosKey)), slog.Any("error", err))
			}
		}
	}

	r.adoptStrays(ctx, venue, rows)
	return nil
}

// reviveWaiting returns a parked row to ACTIVE after its venue position
// reappeared: the vanish was indexing lag, not a closure.
func (r *Reconciler) reviveWaiting(ctx context.Context, stale *domain.Position) {
	unlock := r.locks.Lock(stale.ProfileID, stale.Symbol)
	defer unlock()

	cur, err := r.positions.GetByID(ctx, stale.ID)
	if err != nil || cur.Status != domain.PositionWaitingSync {
		return
	}
	if err := r.positions.ClearWaitingSync(ctx, cur.ID); err != nil {
		r.logger.Warn("waiting-sync clear",
			slog.String("pos_key", string(cur.PosKey)), slog.Any("error", err))
		return
	}
	r.logger.Info("venue position reappeared, row restored",
		slog.String("pos_key", string(cur.PosKey)))
}

func (r *Reconciler) emit(ctx context.Context, typ domain.EngineEventType, pos *domain.Position, title, message string) {
	if r.events == nil {
		return
	}
	ev := domain.EngineEvent{
		Type:      typ,
		ProfileID: r.profile.ID,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if pos != nil {
		ev.PosKey = string(pos.PosKey)
		ev.Symbol = pos.Symbol
	}
	r.events.Emit(ctx, ev)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
