package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Reaper sweep parameters. The batch cap and spacing keep a big orphan
// backlog from tripping venue rate limits in one sweep; leftovers wait for
// the next pass.
const (
	ReaperInterval = 5 * time.Minute
	reaperBatch    = 20
)

var reaperSpacing = 500 * time.Millisecond

// RunReaper cancels orphaned venue orders on a fixed cadence until ctx
// ends, sweeping once immediately on start.
func (t *Trader) RunReaper(ctx context.Context) error {
	t.logger.Info("orphan reaper started", slog.Duration("interval", ReaperInterval))

	if err := t.ReapOnce(ctx); err != nil {
		t.logger.Warn("reaper sweep", slog.Any("error", err))
	}

	ticker := time.NewTicker(ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.ReapOnce(ctx); err != nil {
				t.logger.Warn("reaper sweep", slog.Any("error", err))
			}
		}
	}
}

// ReapOnce sweeps the whole account once: every open order that neither
// matches an ACTIVE or PENDING row (by client order id or by known order
// id) nor trades a symbol in the profile's universe is cancelled. Orders
// tied to tracked rows are never touched. Exported so the reconciler's
// full scan can invoke a sweep directly.
func (t *Trader) ReapOnce(ctx context.Context) error {
	orders, err := t.adapter.FetchOpenOrders(ctx, "")
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	open, err := t.positions.ListActive(ctx, t.profile.ID)
	if err != nil {
		return err
	}
	tracked := make(map[string]struct{}, len(open)*4)
	for _, p := range open {
		for _, id := range []string{p.ClientOrderID, p.EntryOrderID, p.SLOrderID, p.TPOrderID} {
			if id != "" {
				tracked[id] = struct{}{}
			}
		}
	}
	universe := make(map[string]struct{}, len(t.profile.Symbols))
	for _, s := range t.profile.Symbols {
		universe[s] = struct{}{}
	}

	cancelled := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cancelled >= reaperBatch {
			t.logger.Info("reaper batch limit reached, deferring leftovers",
				slog.Int("cancelled", cancelled))
			break
		}
		if _, ok := tracked[o.OrderID]; ok {
			continue
		}
		if _, ok := tracked[o.ClientOrderID]; o.ClientOrderID != "" && ok {
			continue
		}
		if _, ok := universe[o.Symbol]; ok {
			continue
		}

		if cancelled > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reaperSpacing):
			}
		}

		hint := domain.CancelStandard
		if o.Queue == domain.QueueConditional {
			hint = domain.CancelConditional
		}
		if err := t.adapter.CancelOrder(ctx, o.Symbol, o.OrderID, hint); err != nil &&
			!errors.Is(err, domain.ErrOrderNotFound) {
			t.logger.Warn("orphan cancel",
				slog.String("symbol", o.Symbol),
				slog.String("order_id", o.OrderID),
				slog.Any("error", err))
			continue
		}
		cancelled++
		t.logger.Info("orphan order cancelled",
			slog.String("symbol", o.Symbol),
			slog.String("order_id", o.OrderID),
			slog.String("client_order_id", o.ClientOrderID),
			slog.String("kind", string(o.Kind)))
	}

	if cancelled > 0 {
		t.emit(ctx, domain.EventOrderCancelled, nil, "Orphan orders reaped",
			fmt.Sprintf("cancelled %d of %d open orders", cancelled, len(orders)))
	}
	return nil
}
