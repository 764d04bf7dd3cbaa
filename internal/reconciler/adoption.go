package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// adoptStrays inserts synthetic rows for venue positions no open row
// accounts for. A symbol with any open row (PENDING, ACTIVE, WAITING_SYNC)
// is never adopted, which also makes adoption idempotent: the previously
// adopted row claims the symbol on the next pass.
func (r *Reconciler) adoptStrays(ctx context.Context, venue []domain.ExchangePosition, rows []domain.Position) {
	held := make(map[string]struct{}, len(rows))
	for i := range rows {
		held[rows[i].Symbol] = struct{}{}
	}

	for _, ep := range venue {
		if ctx.Err() != nil {
			return
		}
		if !ep.Qty.IsPositive() {
			continue
		}
		if _, ok := held[ep.Symbol]; ok {
			continue
		}
		if err := r.adoptOne(ctx, ep); err != nil {
			r.logger.Warn("adoption",
				slog.String("symbol", ep.Symbol), slog.Any("error", err))
		}
	}
}

// adoptOne brings one stray venue position under management. Protective
// levels come from resting reduce-only orders where the price side allows
// it and are synthesized at the default percentages otherwise; missing
// venue orders are placed later by the protective lifecycle, not here.
func (r *Reconciler) adoptOne(ctx context.Context, ep domain.ExchangePosition) error {
	unlock := r.locks.Lock(r.profile.ID, ep.Symbol)
	defer unlock()

	// Re-check under the lock; a concurrent open may have claimed the
	// symbol since the pass snapshot.
	rows, err := r.positions.ListActive(ctx, r.profile.ID)
	if err != nil {
		return fmt.Errorf("reconciler: adoption recheck: %w", err)
	}
	for i := range rows {
		if rows[i].Symbol == ep.Symbol {
			return nil
		}
	}

	entry := ep.EntryPrice
	if !entry.IsPositive() {
		entry = ep.MarkPrice
	}
	if !entry.IsPositive() {
		return fmt.Errorf("reconciler: adopt %s without a reference price: %w",
			ep.Symbol, domain.ErrInvalidParam)
	}

	inf := r.inferProtection(ctx, ep, entry)
	sl, tp := inf.sl, inf.tp
	if sl.IsZero() {
		sl = r.adapter.PriceToPrecision(ep.Symbol, synthLevel(ep.Side, entry, r.cfg.SLPct, false))
	}
	if tp.IsZero() {
		tp = r.adapter.PriceToPrecision(ep.Symbol, synthLevel(ep.Side, entry, r.cfg.TPPct, true))
	}

	leverage := ep.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	pos := &domain.Position{
		ProfileID:  r.profile.ID,
		PosKey:     domain.BuildPosKey(r.profile.ID, r.adapter.Name(), ep.Symbol, domain.TimeframeAdopted),
		Exchange:   r.adapter.Name(),
		Symbol:     ep.Symbol,
		Timeframe:  domain.TimeframeAdopted,
		Side:       ep.Side,
		Qty:        ep.Qty,
		EntryPrice: entry,
		SLPrice:    sl,
		TPPrice:    tp,
		Leverage:   leverage,
		MarginMode: domain.MarginIsolated,
		EntryType:  domain.EntryMarket,
		Status:     domain.PositionActive,
		SLOrderID:  inf.slID,
		TPOrderID:  inf.tpID,
		OriginalSL: sl,
		OriginalTP: tp,
		Adopted:    true,
		EntryTime:  time.Now().UTC(),
	}
	if err := r.positions.UpsertActive(ctx, pos); err != nil {
		return fmt.Errorf("reconciler: adopt %s: %w", ep.Symbol, err)
	}

	r.logger.Info("stray venue position adopted",
		slog.String("pos_key", string(pos.PosKey)),
		slog.String("side", string(pos.Side)),
		slog.String("qty", pos.Qty.String()),
		slog.String("entry", entry.String()),
		slog.Bool("sl_inferred", inf.slID != ""),
		slog.Bool("tp_inferred", inf.tpID != ""))
	r.emit(ctx, domain.EventAdoption, pos, "Position adopted",
		fmt.Sprintf("%s %s %s @ %s brought under management", pos.Side, pos.Qty, pos.Symbol, entry))
	return nil
}

type inferred struct {
	sl, tp     decimal.Decimal
	slID, tpID string
}

// inferProtection scans resting close-side conditional orders. The price
// side relative to entry decides the role: a stop must sit on the loss
// side, so an operator's across-entry trailed stop can only be claimed as
// a take-profit, never as the stop. Among several candidates the venue's
// kind tag wins, then the nearest stop and the farthest take-profit.
func (r *Reconciler) inferProtection(ctx context.Context, ep domain.ExchangePosition, entry decimal.Decimal) inferred {
	var out inferred
	orders, err := r.adapter.FetchOpenOrders(ctx, ep.Symbol)
	if err != nil {
		r.logger.Warn("adoption order scan",
			slog.String("symbol", ep.Symbol), slog.Any("error", err))
		return out
	}

	closeSide := ep.Side.CloseOrderSide()
	var stops, takes []*domain.OpenOrder
	for i := range orders {
		o := &orders[i]
		if o.Side != closeSide || !o.StopPrice.IsPositive() || !o.ReduceOnly {
			continue
		}
		lossSide := o.StopPrice.LessThan(entry)
		if ep.Side == domain.SideShort {
			lossSide = o.StopPrice.GreaterThan(entry)
		}
		switch {
		case lossSide:
			stops = append(stops, o)
		case !o.StopPrice.Equal(entry):
			takes = append(takes, o)
		}
	}

	// For a LONG both picks want the highest trigger: the tightest stop
	// below entry and the farthest target above. A SHORT mirrors to lowest.
	wantHigher := ep.Side == domain.SideLong
	if o := pickCandidate(stops, domain.OrderKindSL, wantHigher); o != nil {
		out.sl, out.slID = o.StopPrice, o.OrderID
	}
	if o := pickCandidate(takes, domain.OrderKindTP, wantHigher); o != nil {
		out.tp, out.tpID = o.StopPrice, o.OrderID
	}
	return out
}

// pickCandidate selects one protective order. A venue kind tag beats any
// untagged candidate, but several tagged orders still compete on the same
// price rule as untagged ones.
func pickCandidate(cands []*domain.OpenOrder, kind domain.OrderKind, wantHigher bool) *domain.OpenOrder {
	var best *domain.OpenOrder
	for _, o := range cands {
		switch {
		case best == nil:
			best = o
		case (o.Kind == kind) != (best.Kind == kind):
			if o.Kind == kind {
				best = o
			}
		case (wantHigher && o.StopPrice.GreaterThan(best.StopPrice)) ||
			(!wantHigher && o.StopPrice.LessThan(best.StopPrice)):
			best = o
		}
	}
	return best
}

// synthLevel derives a default protective level from entry; profit selects
// the take-profit side.
func synthLevel(side domain.PositionSide, entry, pct decimal.Decimal, profit bool) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if (side == domain.SideLong) == profit {
		return entry.Mul(one.Add(pct))
	}
	return entry.Mul(one.Sub(pct))
}
