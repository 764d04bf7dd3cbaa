package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/exchange"
	"github.com/alanyoungcy/perpbot/internal/feed"
)

// ManageProtection runs one protective-lifecycle pass over an ACTIVE
// position: presence check with recreation throttling, then the one-shot
// adjustments in order (profit lock and TP extension at >=80% of the path
// to TP, emergency tighten on conviction collapse). Every price change is a
// cancel+replace with the new order id persisted in the same row update.
func (t *Trader) ManageProtection(ctx context.Context, stale *domain.Position) error {
	unlock := t.locks.Lock(stale.ProfileID, stale.Symbol)
	defer unlock()

	cur, err := t.positions.GetByID(ctx, stale.ID)
	if err != nil {
		return fmt.Errorf("trader: protective reload: %w", err)
	}
	if cur.Status != domain.PositionActive {
		return nil
	}
	pos := &cur

	if err := t.ensureProtection(ctx, pos); err != nil {
		t.logger.Warn("protective presence check",
			slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
		return err
	}

	mark, err := t.markPrice(ctx, pos.Symbol)
	if err != nil {
		t.logger.Warn("protective mark price",
			slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
		return nil
	}

	dirty := t.maybeLockProfit(ctx, pos, mark)
	if t.maybeExtendTP(ctx, pos, mark) {
		dirty = true
	}
	if t.maybeTightenSL(ctx, pos) {
		dirty = true
	}
	if !dirty {
		return nil
	}
	if err := t.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("trader: persist protective move: %w", err)
	}
	return nil
}

// ensureProtection makes both protective orders real on the venue at the
// position's live quantity. Missing orders are adopted from the open-order
// book when the venue materialized attached protection, recreated
// otherwise; quantity mismatches after a partial fill are cancel+replaced.
// Recreation is throttled per position so a flapping fetch can not spam
// the venue. Callers hold the symbol lock.
func (t *Trader) ensureProtection(ctx context.Context, pos *domain.Position) error {
	if pos.Status != domain.PositionActive {
		return nil
	}

	orders, err := t.adapter.FetchOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("trader: protective scan %s: %w", pos.Symbol, err)
	}
	byID := make(map[string]*domain.OpenOrder, len(orders))
	for i := range orders {
		byID[orders[i].OrderID] = &orders[i]
	}

	dirty := false
	slOrder := byID[pos.SLOrderID]
	if slOrder == nil {
		if o := findProtective(orders, pos, domain.OrderKindSL); o != nil {
			slOrder = o
			pos.SLOrderID = o.OrderID
			dirty = true
		}
	}
	tpOrder := byID[pos.TPOrderID]
	if tpOrder == nil {
		if o := findProtective(orders, pos, domain.OrderKindTP); o != nil {
			tpOrder = o
			pos.TPOrderID = o.OrderID
			dirty = true
		}
	}

	needSL := slOrder == nil && pos.SLPrice.IsPositive()
	needTP := tpOrder == nil && pos.TPPrice.IsPositive()
	resizeSL := slOrder != nil && !slOrder.Qty.IsZero() && !slOrder.Qty.Equal(pos.Qty)
	resizeTP := tpOrder != nil && !tpOrder.Qty.IsZero() && !tpOrder.Qty.Equal(pos.Qty)

	if needSL || needTP || resizeSL || resizeTP {
		if !t.recreateAllowed(pos.ID) {
			return t.persistIfDirty(ctx, pos, dirty)
		}
		if needSL || needTP {
			// A missing protective order can mean it just triggered and the
			// position is already flat; settling that is the reconciler's
			// job, not a recreation.
			held, err := t.venueHolds(ctx, pos)
			if err != nil {
				return err
			}
			if !held {
				t.logger.Info("venue flat, skipping protective recreation",
					slog.String("pos_key", string(pos.PosKey)))
				return t.persistIfDirty(ctx, pos, dirty)
			}
		}

		if needSL {
			if err := t.placeSL(ctx, pos); err != nil {
				t.logger.Warn("stop-loss recreation",
					slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
			} else {
				dirty = true
				t.logger.Info("stop-loss recreated",
					slog.String("pos_key", string(pos.PosKey)),
					slog.String("price", pos.SLPrice.String()))
			}
		} else if resizeSL {
			if err := t.replaceSL(ctx, pos, pos.SLPrice); err != nil {
				t.logger.Warn("stop-loss resize",
					slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
			} else {
				dirty = true
			}
		}

		if needTP {
			if err := t.placeTP(ctx, pos); err != nil {
				t.logger.Warn("take-profit recreation",
					slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
			} else {
				dirty = true
				t.logger.Info("take-profit recreated",
					slog.String("pos_key", string(pos.PosKey)),
					slog.String("price", pos.TPPrice.String()))
			}
		} else if resizeTP {
			if err := t.replaceTP(ctx, pos, pos.TPPrice); err != nil {
				t.logger.Warn("take-profit resize",
					slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
			} else {
				dirty = true
			}
		}
	}

	return t.persistIfDirty(ctx, pos, dirty)
}

func (t *Trader) persistIfDirty(ctx context.Context, pos *domain.Position, dirty bool) error {
	if !dirty {
		return nil
	}
	if err := t.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("trader: persist protective ids: %w", err)
	}
	return nil
}

// findProtective picks an unclaimed reduce-only order of the given kind
// that closes the position.
func findProtective(orders []domain.OpenOrder, pos *domain.Position, kind domain.OrderKind) *domain.OpenOrder {
	for i := range orders {
		o := &orders[i]
		if o.Kind != kind || !o.ReduceOnly {
			continue
		}
		if o.Symbol != pos.Symbol || o.Side != pos.Side.CloseOrderSide() {
			continue
		}
		if o.OrderID == pos.SLOrderID || o.OrderID == pos.TPOrderID {
			continue
		}
		return o
	}
	return nil
}

// venueHolds reports whether the venue still carries the position.
func (t *Trader) venueHolds(ctx context.Context, pos *domain.Position) (bool, error) {
	live, err := t.adapter.FetchPositions(ctx)
	if err != nil {
		return false, fmt.Errorf("trader: fetch positions: %w", err)
	}
	for _, ep := range live {
		if ep.Symbol == pos.Symbol && ep.Side == pos.Side && ep.Qty.IsPositive() {
			return true, nil
		}
	}
	return false, nil
}

// maybeLockProfit arms the one-shot profit lock: once the mark has covered
// >=80% of the entry->TP path, the stop moves to the profit side of entry
// at ProfitLockLevel of the TP distance. A locked stop that later fills
// realizes a profit, so it never sets the symbol cooldown.
func (t *Trader) maybeLockProfit(ctx context.Context, pos *domain.Position, mark decimal.Decimal) bool {
	if pos.ProfitLocked || pos.TPPrice.IsZero() {
		return false
	}
	cfg := t.config()
	if pos.ProgressToTP(mark).LessThan(cfg.ProfitLockThreshold) {
		return false
	}

	dist := pos.TPPrice.Sub(pos.EntryPrice) // signed: positive LONG, negative SHORT
	newSL := t.adapter.PriceToPrecision(pos.Symbol, pos.EntryPrice.Add(dist.Mul(cfg.ProfitLockLevel)))
	if err := t.replaceSL(ctx, pos, newSL); err != nil {
		t.logger.Warn("profit lock replace",
			slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
		return false
	}
	pos.ProfitLocked = true
	pos.SLMoveCount++

	t.logger.Info("profit locked",
		slog.String("pos_key", string(pos.PosKey)),
		slog.String("sl", newSL.String()),
		slog.String("mark", mark.String()))
	t.emit(ctx, domain.EventProtectiveMoved, pos, "Profit locked",
		fmt.Sprintf("%s SL moved to %s with price at %s", pos.Symbol, newSL, mark))
	return true
}

// maybeExtendTP arms the one-shot TP extension alongside the profit lock:
// when the ATR-derived structural level lies beyond the current TP in the
// profit direction, the TP follows it, bounded to TPExtensionCap times the
// original entry->TP distance.
func (t *Trader) maybeExtendTP(ctx context.Context, pos *domain.Position, mark decimal.Decimal) bool {
	if pos.TPExtended || pos.TPPrice.IsZero() || pos.OriginalTP.IsZero() {
		return false
	}
	cfg := t.config()
	if pos.ProgressToTP(mark).LessThan(cfg.ProfitLockThreshold) {
		return false
	}

	level := t.structuralLevel(ctx, pos, mark)
	if level.IsZero() {
		return false
	}
	long := pos.Side == domain.SideLong
	if long && level.LessThanOrEqual(pos.TPPrice) {
		return false
	}
	if !long && level.GreaterThanOrEqual(pos.TPPrice) {
		return false
	}

	origDist := pos.OriginalTP.Sub(pos.EntryPrice) // signed
	bound := pos.EntryPrice.Add(origDist.Mul(cfg.TPExtensionCap))
	newTP := level
	if long && newTP.GreaterThan(bound) {
		newTP = bound
	}
	if !long && newTP.LessThan(bound) {
		newTP = bound
	}
	newTP = t.adapter.PriceToPrecision(pos.Symbol, newTP)
	if newTP.Equal(pos.TPPrice) {
		return false
	}

	if err := t.replaceTP(ctx, pos, newTP); err != nil {
		t.logger.Warn("tp extension replace",
			slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
		return false
	}
	pos.TPExtended = true

	t.logger.Info("take-profit extended",
		slog.String("pos_key", string(pos.PosKey)),
		slog.String("tp", newTP.String()),
		slog.String("mark", mark.String()))
	t.emit(ctx, domain.EventProtectiveMoved, pos, "Take-profit extended",
		fmt.Sprintf("%s TP moved to %s", pos.Symbol, newTP))
	return true
}

// structuralLevel derives the TP-extension target from cached candles:
// mark offset by ATRExtension times ATR(14) in the profit direction. Zero
// when the slot has no usable candle history (adopted positions included).
func (t *Trader) structuralLevel(ctx context.Context, pos *domain.Position, mark decimal.Decimal) decimal.Decimal {
	if t.candles == nil || pos.Timeframe == domain.TimeframeAdopted {
		return decimal.Zero
	}
	candles, err := t.candles.GetCandles(ctx, pos.Exchange, pos.Symbol, pos.Timeframe, feed.DefaultFetchLimit)
	if err != nil || len(candles) == 0 {
		return decimal.Zero
	}
	atr := feed.ATR(candles, feed.DefaultATRPeriod)
	if !atr.IsPositive() {
		return decimal.Zero
	}
	ext := atr.Mul(t.config().ATRExtension)
	if pos.Side == domain.SideLong {
		return mark.Add(ext)
	}
	return mark.Sub(ext)
}

// maybeTightenSL arms the one-shot emergency tighten: when the slot's
// same-direction confidence collapses below TightenConfidenceRatio of the
// entry confidence, the stop moves TightenFactor of the way toward entry.
// Opposite or NONE snapshots are not conviction measurements for this
// direction; the flip exit owns those. A locked stop already sits on the
// profit side and is never loosened back.
func (t *Trader) maybeTightenSL(ctx context.Context, pos *domain.Position) bool {
	if pos.SLTightened || pos.ProfitLocked || pos.SLPrice.IsZero() || pos.EntryConfidence <= 0 {
		return false
	}
	snap, ok := t.signals.Latest(slotOf(pos))
	if !ok || snap.Side == domain.SignalNone || snap.Side.PositionSide() != pos.Side {
		return false
	}
	cfg := t.config()
	if snap.Confidence >= pos.EntryConfidence*cfg.TightenConfidenceRatio {
		return false
	}

	newSL := t.adapter.PriceToPrecision(pos.Symbol,
		pos.SLPrice.Add(pos.EntryPrice.Sub(pos.SLPrice).Mul(cfg.TightenFactor)))
	if newSL.Equal(pos.SLPrice) {
		return false
	}
	if err := t.replaceSL(ctx, pos, newSL); err != nil {
		t.logger.Warn("emergency tighten replace",
			slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
		return false
	}
	pos.SLTightened = true
	pos.SLMoveCount++

	t.logger.Info("stop-loss tightened",
		slog.String("pos_key", string(pos.PosKey)),
		slog.String("sl", newSL.String()),
		slog.Float64("confidence", snap.Confidence),
		slog.Float64("entry_confidence", pos.EntryConfidence))
	t.emit(ctx, domain.EventProtectiveMoved, pos, "Stop-loss tightened",
		fmt.Sprintf("%s SL moved to %s on confidence %.2f (entry %.2f)",
			pos.Symbol, newSL, snap.Confidence, pos.EntryConfidence))
	return true
}

// replaceSL cancel+replaces the stop at a new price and rewrites the
// position's order id and price in memory; callers persist the row.
func (t *Trader) replaceSL(ctx context.Context, pos *domain.Position, price decimal.Decimal) error {
	if pos.SLOrderID != "" {
		if err := t.adapter.CancelOrder(ctx, pos.Symbol, pos.SLOrderID, domain.CancelAuto); err != nil &&
			!errors.Is(err, domain.ErrOrderNotFound) {
			return fmt.Errorf("trader: cancel stop-loss: %w", err)
		}
	}
	pos.SLPrice = price
	return t.placeSL(ctx, pos)
}

// replaceTP cancel+replaces the take-profit at a new price.
func (t *Trader) replaceTP(ctx context.Context, pos *domain.Position, price decimal.Decimal) error {
	if pos.TPOrderID != "" {
		if err := t.adapter.CancelOrder(ctx, pos.Symbol, pos.TPOrderID, domain.CancelAuto); err != nil &&
			!errors.Is(err, domain.ErrOrderNotFound) {
			return fmt.Errorf("trader: cancel take-profit: %w", err)
		}
	}
	pos.TPPrice = price
	return t.placeTP(ctx, pos)
}

func (t *Trader) placeSL(ctx context.Context, pos *domain.Position) error {
	ack, err := t.adapter.PlaceReduceOnly(ctx, exchange.ReduceOnlyRequest{
		Symbol:    pos.Symbol,
		Side:      pos.Side.CloseOrderSide(),
		Qty:       pos.Qty,
		StopPrice: pos.SLPrice,
		Kind:      domain.OrderKindSL,
		ClientOrderID: exchange.BuildClientOrderID(
			t.profile.Environment, t.adapter.Name(), pos.Symbol, pos.Side.CloseOrderSide(), time.Now()),
	})
	if err != nil {
		return fmt.Errorf("trader: place stop-loss: %w", err)
	}
	pos.SLOrderID = ack.OrderID
	return nil
}

func (t *Trader) placeTP(ctx context.Context, pos *domain.Position) error {
	ack, err := t.adapter.PlaceReduceOnly(ctx, exchange.ReduceOnlyRequest{
		Symbol:    pos.Symbol,
		Side:      pos.Side.CloseOrderSide(),
		Qty:       pos.Qty,
		StopPrice: pos.TPPrice,
		Kind:      domain.OrderKindTP,
		ClientOrderID: exchange.BuildClientOrderID(
			t.profile.Environment, t.adapter.Name(), pos.Symbol, pos.Side.CloseOrderSide(), time.Now()),
	})
	if err != nil {
		return fmt.Errorf("trader: place take-profit: %w", err)
	}
	pos.TPOrderID = ack.OrderID
	return nil
}

// cancelProtection best-effort cancels both protective orders; gone orders
// are fine.
func (t *Trader) cancelProtection(ctx context.Context, pos *domain.Position) {
	for _, id := range []string{pos.SLOrderID, pos.TPOrderID} {
		if id == "" {
			continue
		}
		if err := t.adapter.CancelOrder(ctx, pos.Symbol, id, domain.CancelAuto); err != nil &&
			!errors.Is(err, domain.ErrOrderNotFound) {
			t.logger.Warn("protective cancel",
				slog.String("pos_key", string(pos.PosKey)),
				slog.String("order_id", id),
				slog.Any("error", err))
		}
	}
}
