// Package engine schedules the trading runtime: one heartbeat loop per
// profile fanning out over its slots, plus the reconciler, pending monitor,
// orphan reaper, venue clock resync and status reporting as background
// tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/exchange"
	"github.com/alanyoungcy/perpbot/internal/reconciler"
	"github.com/alanyoungcy/perpbot/internal/trader"
)

// Defaults for the scheduler cadence and shutdown behavior.
const (
	DefaultHeartbeat      = 5 * time.Second
	DefaultTickTimeout    = 10 * time.Second
	DefaultSignalMaxAge   = 5 * time.Minute
	DefaultStatusEvery    = 2 * time.Hour
	DefaultClockSyncEvery = time.Hour
	DefaultShutdownGrace  = 10 * time.Second
	DefaultRunLockTTL     = time.Minute
)

// Config tunes the scheduler. Zero values take the defaults.
type Config struct {
	Heartbeat      time.Duration // slot evaluation cadence
	TickTimeout    time.Duration // budget for one full tick round
	SignalMaxAge   time.Duration // snapshots older than this never trade
	StatusEvery    time.Duration // operator status report cadence
	ClockSyncEvery time.Duration // scheduled venue clock resync cadence
	ShutdownGrace  time.Duration // wait for in-flight rounds on shutdown
	RunLockTTL     time.Duration // distributed run-lock TTL per LIVE profile
	Timezone       *time.Location
}

func (c Config) normalized() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = DefaultTickTimeout
	}
	if c.SignalMaxAge <= 0 {
		c.SignalMaxAge = DefaultSignalMaxAge
	}
	if c.StatusEvery <= 0 {
		c.StatusEvery = DefaultStatusEvery
	}
	if c.ClockSyncEvery <= 0 {
		c.ClockSyncEvery = DefaultClockSyncEvery
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.RunLockTTL <= 0 {
		c.RunLockTTL = DefaultRunLockTTL
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	return c
}

// Runtime bundles one profile's trading components. The app layer builds
// one per configured profile and hands the set to the engine.
type Runtime struct {
	Profile   *domain.Profile
	Adapter   exchange.Adapter
	Trader    *trader.Trader
	Recon     *reconciler.Reconciler
	Positions domain.PositionStore
	Trades    domain.TradeStore

	// Set by Run; an authentication failure cancels this profile's tasks
	// while the rest of the engine keeps trading.
	disable     context.CancelFunc
	disableOnce sync.Once
}

// Engine drives every profile runtime until its context ends. Venue state
// is persisted continuously by the components; the engine itself holds no
// trading state, so a crash loses nothing the reconciler can not rebuild.
type Engine struct {
	runtimes []*Runtime
	signals  trader.SignalSource
	locks    domain.LockManager // nil disables distributed run locks
	events   domain.EventSink
	cfg      Config
	logger   *slog.Logger
}

// New builds an engine over the given runtimes. signals is the shared
// latest-value hub; locks may be nil for single-instance deployments.
func New(runtimes []*Runtime, signals trader.SignalSource, locks domain.LockManager,
	events domain.EventSink, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		runtimes: runtimes,
		signals:  signals,
		locks:    locks,
		events:   events,
		cfg:      cfg.normalized(),
		logger:   logger.With(slog.String("component", "engine")),
	}
}

// Run acquires the per-profile run locks, starts every task and blocks
// until ctx ends. Shutdown is cooperative: loops stop at their next
// suspension point and in-flight tick rounds get the shutdown grace to
// finish before Run returns anyway. Adapters are closed by the caller.
func (e *Engine) Run(ctx context.Context) error {
	unlockAll, err := e.acquireRunLocks(ctx)
	if err != nil {
		return err
	}
	defer unlockAll()

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range e.runtimes {
		pctx, cancel := context.WithCancel(gctx)
		rt.disable = cancel
		defer cancel()

		name := rt.Profile.Name
		e.spawn(g, pctx, "profile "+name, func(ctx context.Context) error {
			return e.runProfile(ctx, rt)
		})
		e.spawn(g, pctx, "reconciler "+name, rt.Recon.Run)
		e.spawn(g, pctx, "pending monitor "+name, rt.Trader.RunPendingMonitor)
		e.spawn(g, pctx, "reaper "+name, rt.Trader.RunReaper)
		e.spawn(g, pctx, "clock sync "+name, func(ctx context.Context) error {
			return e.runClockSync(ctx, rt)
		})
		e.spawn(g, pctx, "status "+name, func(ctx context.Context) error {
			return e.runStatusReports(ctx, rt)
		})
	}
	e.logger.Info("engine started",
		slog.Int("profiles", len(e.runtimes)),
		slog.Duration("heartbeat", e.cfg.Heartbeat))

	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()

	select {
	case err := <-waited:
		if err != nil {
			return err
		}
		return ctx.Err()
	case <-ctx.Done():
	}

	select {
	case <-waited:
		e.logger.Info("engine stopped")
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("shutdown grace elapsed, abandoning in-flight work",
			slog.Duration("grace", e.cfg.ShutdownGrace))
	}
	return ctx.Err()
}

// spawn runs fn in the group, treating a return caused by shutdown as
// clean.
func (e *Engine) spawn(g *errgroup.Group, ctx context.Context, name string, fn func(context.Context) error) {
	g.Go(func() error {
		err := fn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("engine: %s: %w", name, err)
		}
		return nil
	})
}

// acquireRunLocks takes one distributed lock per LIVE profile so a second
// engine instance fails fast instead of double-trading an account. Dry-run
// profiles skip the lock.
func (e *Engine) acquireRunLocks(ctx context.Context) (func(), error) {
	if e.locks == nil {
		return func() {}, nil
	}

	var unlocks []func()
	release := func() {
		for _, u := range unlocks {
			u()
		}
	}
	for _, rt := range e.runtimes {
		if rt.Profile.DryRun() {
			continue
		}
		key := fmt.Sprintf("engine:run:%d", rt.Profile.ID)
		unlock, err := e.locks.Acquire(ctx, key, e.cfg.RunLockTTL)
		if err != nil {
			release()
			return nil, fmt.Errorf("engine: run lock for profile %s: %w", rt.Profile.Name, err)
		}
		unlocks = append(unlocks, unlock)
		e.logger.Info("run lock acquired",
			slog.String("profile", rt.Profile.Name), slog.String("key", key))
	}
	return release, nil
}

// runProfile is the heartbeat loop: each tick syncs against the venue
// first, then evaluates every slot concurrently. A round that outlives the
// tick budget is cut off rather than allowed to pile up behind the ticker.
func (e *Engine) runProfile(ctx context.Context, rt *Runtime) error {
	slots := rt.Profile.Slots()
	logger := e.logger.With(slog.String("profile", rt.Profile.Name))
	logger.Info("profile loop started",
		slog.Int("slots", len(slots)),
		slog.String("environment", string(rt.Profile.Environment)))

	ticker := time.NewTicker(e.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		e.tickProfile(ctx, rt, slots, logger)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) tickProfile(ctx context.Context, rt *Runtime, slots []domain.Slot, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	tickCtx, cancel := context.WithTimeout(ctx, e.cfg.TickTimeout)
	defer cancel()

	// Venue truth before signal evaluation: slots must never act on rows
	// the venue already settled.
	if err := rt.Recon.FastSync(tickCtx); err != nil {
		if errors.Is(err, domain.ErrAuth) {
			e.disableProfile(ctx, rt, err)
			return
		}
		logger.Warn("fast sync, skipping tick", slog.Any("error", err))
		return
	}

	var wg sync.WaitGroup
	for _, slot := range slots {
		wg.Add(1)
		go func(slot domain.Slot) {
			defer wg.Done()
			e.tickSlot(tickCtx, rt, slot, logger)
		}(slot)
	}
	wg.Wait()
}

// runClockSync refreshes the venue clock offset on a fixed schedule so
// signed-request timestamps stay inside the venue's acceptance window even
// when no request gets rejected for drift in between.
func (e *Engine) runClockSync(ctx context.Context, rt *Runtime) error {
	ticker := time.NewTicker(e.cfg.ClockSyncEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			syncCtx, cancel := context.WithTimeout(ctx, e.cfg.TickTimeout)
			err := rt.Adapter.SyncClock(syncCtx)
			cancel()
			if err != nil {
				// The previous offset keeps serving; a venue timestamp
				// rejection forces an inline resync regardless.
				e.logger.Warn("scheduled clock sync failed",
					slog.String("profile", rt.Profile.Name),
					slog.Any("error", err))
			}
		}
	}
}

// runStatusReports emits a periodic operator summary per profile.
func (e *Engine) runStatusReports(ctx context.Context, rt *Runtime) error {
	ticker := time.NewTicker(e.cfg.StatusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.reportStatus(ctx, rt)
		}
	}
}

func (e *Engine) reportStatus(ctx context.Context, rt *Runtime) {
	profile := rt.Profile
	logger := e.logger.With(slog.String("profile", profile.Name))

	balance, err := rt.Adapter.FetchBalance(ctx)
	if err != nil {
		logger.Warn("status balance fetch", slog.Any("error", err))
		return
	}
	open, err := rt.Positions.ListActive(ctx, profile.ID)
	if err != nil {
		logger.Warn("status position list", slog.Any("error", err))
		return
	}

	now := time.Now().In(e.cfg.Timezone)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.cfg.Timezone)
	pnlToday, err := rt.Trades.SumPnLSince(ctx, profile.ID, midnight)
	if err != nil {
		logger.Warn("status pnl query", slog.Any("error", err))
		pnlToday = decimal.Zero
	}

	msg := fmt.Sprintf("balance %s %s (free %s), %d open positions, realized PnL today %s",
		balance.Total, balance.Asset, balance.Free, len(open), pnlToday)
	logger.Info("status report",
		slog.String("balance", balance.Total.String()),
		slog.Int("open_positions", len(open)),
		slog.String("pnl_today", pnlToday.String()))

	if e.events != nil {
		e.events.Emit(ctx, domain.EngineEvent{
			Type:      domain.EventStatusReport,
			ProfileID: profile.ID,
			Title:     fmt.Sprintf("Status: %s", profile.Name),
			Message:   msg,
			Timestamp: time.Now().UTC(),
		})
	}
}
