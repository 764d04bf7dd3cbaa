package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// RunPendingMonitor polls the venue for every PENDING row until ctx ends.
// It owns the whole resting-entry lifecycle: fill upgrades, reversal and
// invalidation cancels, and the absolute entry timeout.
func (t *Trader) RunPendingMonitor(ctx context.Context) error {
	poll := t.config().PendingPoll
	t.logger.Info("pending monitor started", slog.Duration("poll", poll))

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.sweepPending(ctx)
		}
	}
}

func (t *Trader) sweepPending(ctx context.Context) {
	open, err := t.positions.ListActive(ctx, t.profile.ID)
	if err != nil {
		t.logger.Warn("pending sweep: list positions", slog.Any("error", err))
		return
	}
	for i := range open {
		if open[i].Status != domain.PositionPending {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		t.checkPending(ctx, &open[i])
	}
}

// checkPending drives one PENDING row through its transitions. The row is
// reloaded under the symbol lock since the slot loop or reconciler may have
// moved it between the list and the lock.
func (t *Trader) checkPending(ctx context.Context, stale *domain.Position) {
	unlock := t.locks.Lock(stale.ProfileID, stale.Symbol)
	defer unlock()

	cur, err := t.positions.GetByID(ctx, stale.ID)
	if err != nil {
		t.logger.Warn("pending reload", slog.Int64("position_id", stale.ID), slog.Any("error", err))
		return
	}
	if cur.Status != domain.PositionPending {
		return
	}
	pos := &cur

	if pos.EntryOrderID == "" {
		t.recoverEntryOrderID(ctx, pos)
		return
	}

	ack, err := t.adapter.FetchOrder(ctx, pos.Symbol, pos.EntryOrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		// Gone from both queues: either filled and aged out, or yanked on
		// the venue side. A live venue position decides which.
		t.resolveVanishedEntry(ctx, pos)
		return
	}
	if err != nil {
		t.logger.Warn("pending order fetch",
			slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
		return
	}

	if ack.Filled() {
		t.activate(ctx, pos, ack)
		return
	}

	age := time.Since(pos.EntryTime)
	snap, fresh := t.signals.Latest(slotOf(pos))

	cfg := t.config()
	var reason string
	switch {
	case fresh && snap.Side.OpposesPosition(pos.Side) && snap.Confidence > cfg.StrongReversal:
		reason = "strong reversal signal"
	case age >= cfg.MinPendingAge && fresh && snap.Side.OpposesPosition(pos.Side):
		reason = "opposite signal past patience window"
	case age >= cfg.MinPendingAge && (!fresh || snap.Side == domain.SignalNone || snap.Confidence < cfg.Invalidation):
		reason = "signal invalidated"
	case age >= cfg.PendingTimeout:
		reason = "entry timeout"
	default:
		return
	}
	t.cancelPending(ctx, pos, reason)
}

// recoverEntryOrderID repairs a row journaled before a crash cut the
// placement short: if the order rests on the venue, adopt its id by client
// order id. With no resting order the entry either filled already or was
// never accepted; resolveVanishedEntry settles both from venue positions.
func (t *Trader) recoverEntryOrderID(ctx context.Context, pos *domain.Position) {
	orders, err := t.adapter.FetchOpenOrders(ctx, pos.Symbol)
	if err != nil {
		t.logger.Warn("entry recovery fetch",
			slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
		return
	}
	for _, o := range orders {
		if o.ClientOrderID != pos.ClientOrderID {
			continue
		}
		pos.EntryOrderID = o.OrderID
		if err := t.positions.Update(ctx, pos); err != nil {
			t.logger.Error("entry recovery write-back",
				slog.Int64("position_id", pos.ID), slog.Any("error", err))
			return
		}
		t.logger.Info("recovered entry order id",
			slog.String("pos_key", string(pos.PosKey)),
			slog.String("order_id", o.OrderID))
		return
	}
	t.resolveVanishedEntry(ctx, pos)
}

// resolveVanishedEntry settles a PENDING row whose entry order fell off
// both venue queues.
func (t *Trader) resolveVanishedEntry(ctx context.Context, pos *domain.Position) {
	positions, err := t.adapter.FetchPositions(ctx)
	if err != nil {
		t.logger.Warn("vanished entry: fetch positions",
			slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
		return
	}
	for _, ep := range positions {
		if ep.Symbol == pos.Symbol && ep.Side == pos.Side && ep.Qty.IsPositive() {
			// It filled; the journal prices stand in for the lost ack.
			t.activate(ctx, pos, domain.OrderAck{
				OrderID:      pos.EntryOrderID,
				Status:       "FILLED",
				FilledQty:    ep.Qty,
				AvgFillPrice: ep.EntryPrice,
			})
			return
		}
	}
	t.cancelProtection(ctx, pos)
	t.sweepAttachedProtection(ctx, pos)
	if err := t.positions.Finalize(ctx, pos.ID, domain.PositionCancelled, nil); err != nil {
		t.logger.Error("vanished entry finalize",
			slog.Int64("position_id", pos.ID), slog.Any("error", err))
		return
	}
	t.logger.Info("entry vanished on venue, row cancelled",
		slog.String("pos_key", string(pos.PosKey)))
	t.emit(ctx, domain.EventOrderCancelled, pos, "Entry cancelled",
		fmt.Sprintf("%s entry disappeared from the venue", pos.Symbol))
}

// cancelPending pulls a resting entry. A slice filled between poll and
// cancel becomes the position: the row is upgraded to the filled quantity
// and protective orders are sized to match.
func (t *Trader) cancelPending(ctx context.Context, pos *domain.Position, reason string) {
	if err := t.adapter.CancelOrder(ctx, pos.Symbol, pos.EntryOrderID, domain.CancelAuto); err != nil &&
		!errors.Is(err, domain.ErrOrderNotFound) {
		t.logger.Warn("pending cancel",
			slog.String("pos_key", string(pos.PosKey)),
			slog.String("reason", reason),
			slog.Any("error", err))
		return
	}

	if ack, err := t.adapter.FetchOrder(ctx, pos.Symbol, pos.EntryOrderID); err == nil && ack.FilledQty.IsPositive() {
		t.logger.Info("entry partially filled before cancel",
			slog.String("pos_key", string(pos.PosKey)),
			slog.String("filled_qty", ack.FilledQty.String()))
		ack.Status = "FILLED"
		t.activate(ctx, pos, ack)
		return
	}

	t.cancelProtection(ctx, pos)
	t.sweepAttachedProtection(ctx, pos)
	if err := t.positions.Finalize(ctx, pos.ID, domain.PositionCancelled, nil); err != nil {
		t.logger.Error("pending finalize",
			slog.Int64("position_id", pos.ID), slog.Any("error", err))
		return
	}
	t.logger.Info("pending entry cancelled",
		slog.String("pos_key", string(pos.PosKey)),
		slog.String("reason", reason),
		slog.Duration("age", time.Since(pos.EntryTime).Round(time.Second)))
	t.emit(ctx, domain.EventOrderCancelled, pos, "Entry cancelled",
		fmt.Sprintf("%s %s entry cancelled: %s", pos.Side, pos.Symbol, reason))
}

// sweepAttachedProtection cancels protective orders the venue pre-placed
// alongside an entry that never filled. Parent-child venues queue attached
// SL/TP before the fill under ids the row never learned, so this matches
// by shape instead: unclaimed reduce-only SL/TP orders on the symbol that
// would close the never-opened position.
func (t *Trader) sweepAttachedProtection(ctx context.Context, pos *domain.Position) {
	if !t.adapter.SupportsAttachedProtection() {
		return
	}
	orders, err := t.adapter.FetchOpenOrders(ctx, pos.Symbol)
	if err != nil {
		t.logger.Warn("attached protection sweep",
			slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
		return
	}
	if len(orders) == 0 {
		return
	}

	claimed := make(map[string]struct{})
	if open, err := t.positions.ListActive(ctx, t.profile.ID); err == nil {
		for _, p := range open {
			if p.ID == pos.ID {
				continue
			}
			for _, id := range []string{p.EntryOrderID, p.SLOrderID, p.TPOrderID} {
				if id != "" {
					claimed[id] = struct{}{}
				}
			}
		}
	}

	for _, o := range orders {
		if o.Kind != domain.OrderKindSL && o.Kind != domain.OrderKindTP {
			continue
		}
		if !o.ReduceOnly || o.Side != pos.Side.CloseOrderSide() {
			continue
		}
		if _, ok := claimed[o.OrderID]; ok {
			continue
		}
		if err := t.adapter.CancelOrder(ctx, o.Symbol, o.OrderID, domain.CancelAuto); err != nil &&
			!errors.Is(err, domain.ErrOrderNotFound) {
			t.logger.Warn("attached protection cancel",
				slog.String("order_id", o.OrderID), slog.Any("error", err))
			continue
		}
		t.logger.Info("stale attached protection cancelled",
			slog.String("pos_key", string(pos.PosKey)),
			slog.String("order_id", o.OrderID),
			slog.String("kind", string(o.Kind)))
	}
}
