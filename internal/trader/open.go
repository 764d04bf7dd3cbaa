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
	"github.com/alanyoungcy/perpbot/internal/risk"
)

// Open evaluates one entry candidate for a slot and, when every gate
// clears, journals and places the order. Preconditions run in a fixed
// order and short-circuit: no open row on the slot, then the risk gate
// (breaker, daily loss, cooldown, symbol guard, tiered sizing, minimums),
// then the leverage and margin-mode round-trips. The position row is
// journaled before the venue sees the order so a crash can never leave an
// untracked order.
//
// Entries that flip the direction of the symbol's last realized trade are
// sized as starters: reduced leverage and margin from the gate, and a
// tighter initial stop here.
func (t *Trader) Open(ctx context.Context, slot domain.Slot, snap domain.SignalSnapshot) (*domain.Position, error) {
	if snap.Side != domain.SignalBuy && snap.Side != domain.SignalSell {
		return nil, fmt.Errorf("trader: open on %s signal: %w", snap.Side, domain.ErrInvalidParam)
	}

	unlock := t.locks.Lock(slot.ProfileID, slot.Symbol)
	defer unlock()

	if _, err := t.positions.GetActive(ctx, slot.ProfileID, slot.PosKey()); err == nil {
		return nil, fmt.Errorf("trader: %s: %w", slot.PosKey(), domain.ErrConflictActiveExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("trader: load active row: %w", err)
	}

	balance, err := t.adapter.FetchBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("trader: fetch balance: %w", err)
	}

	market, err := t.markPrice(ctx, slot.Symbol)
	if err != nil {
		return nil, err
	}

	side := snap.Side.PositionSide()
	starter := t.isReversal(slot.Symbol, side)

	sizing, err := t.gate.Allow(ctx, t.adapter, risk.OpenRequest{
		Profile:    t.profile,
		Slot:       slot,
		Score:      snap.Score,
		EntryPrice: market,
		Balance:    balance.Total,
		Starter:    starter,
	})
	if err != nil {
		return nil, err
	}

	if err := t.adapter.SetLeverage(ctx, slot.Symbol, sizing.Leverage); err != nil {
		return nil, fmt.Errorf("trader: set leverage %dx on %s: %w", sizing.Leverage, slot.Symbol, err)
	}
	if err := t.adapter.SetMarginMode(ctx, slot.Symbol, domain.MarginIsolated); err != nil {
		return nil, fmt.Errorf("trader: set margin mode on %s: %w", slot.Symbol, err)
	}

	cfg := t.config()
	slPct := cfg.SLPct
	if starter {
		slPct = slPct.Mul(decimal.NewFromFloat(risk.StarterSLFactor))
	}

	// Patience entries rest below (LONG) or above (SHORT) the market; their
	// protective prices derive from the limit price, never the quote.
	entryType := domain.EntryMarket
	ref := market
	limitPrice := decimal.Zero
	if cfg.UseLimitOrders && cfg.PatiencePct.IsPositive() {
		limitPrice = t.patiencePrice(slot.Symbol, side, market)
		ref = limitPrice
		entryType = domain.EntryLimit
	}
	sl, tp := protectivePrices(side, ref, slPct, cfg.TPPct)
	sl = t.adapter.PriceToPrecision(slot.Symbol, sl)
	tp = t.adapter.PriceToPrecision(slot.Symbol, tp)

	now := time.Now().UTC()
	clientID := exchange.BuildClientOrderID(
		t.profile.Environment, t.adapter.Name(), slot.Symbol, side.EntryOrderSide(), now)

	pos := &domain.Position{
		ProfileID:       slot.ProfileID,
		PosKey:          slot.PosKey(),
		Exchange:        t.adapter.Name(),
		Symbol:          slot.Symbol,
		Timeframe:       slot.Timeframe,
		Side:            side,
		Qty:             sizing.Qty,
		EntryPrice:      ref,
		SLPrice:         sl,
		TPPrice:         tp,
		Leverage:        sizing.Leverage,
		MarginMode:      domain.MarginIsolated,
		EntryType:       entryType,
		Status:          domain.PositionPending,
		ClientOrderID:   clientID,
		EntryConfidence: snap.Confidence,
		EntryScore:      snap.Score,
		FeatureSnapshot: snap.Features,
		ConfigVersion:   cfg.ConfigVersion,
		OriginalSL:      sl,
		OriginalTP:      tp,
		EntryTime:       now,
	}
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	// Journal before the venue call: a crash from here on leaves a PENDING
	// row the monitor reconciles, never an untracked venue order.
	if err := t.positions.UpsertActive(ctx, pos); err != nil {
		return nil, fmt.Errorf("trader: journal entry: %w", err)
	}

	req := exchange.EntryRequest{
		Symbol:        slot.Symbol,
		Side:          side.EntryOrderSide(),
		Qty:           sizing.Qty,
		LimitPrice:    limitPrice,
		ClientOrderID: clientID,
	}
	if t.adapter.SupportsAttachedProtection() {
		req.AttachedSL, req.AttachedTP = sl, tp
	}

	ack, err := t.adapter.PlaceEntry(ctx, req)
	if err != nil {
		if ferr := t.positions.Finalize(ctx, pos.ID, domain.PositionCancelled, nil); ferr != nil {
			t.logger.Error("entry journal rollback failed",
				slog.Int64("position_id", pos.ID), slog.Any("error", ferr))
		}
		return nil, fmt.Errorf("trader: place entry %s %s: %w", side, slot.Symbol, err)
	}

	pos.EntryOrderID = ack.OrderID
	if err := t.positions.Update(ctx, pos); err != nil {
		// The order is live; the row must carry its id. Leave the row PENDING
		// and let the monitor recover the id by client order id.
		t.logger.Error("entry order id write-back failed",
			slog.Int64("position_id", pos.ID),
			slog.String("order_id", ack.OrderID),
			slog.Any("error", err))
		return pos, fmt.Errorf("trader: record entry order id: %w", err)
	}

	t.logger.Info("entry placed",
		slog.String("pos_key", string(pos.PosKey)),
		slog.String("side", string(side)),
		slog.String("type", string(entryType)),
		slog.String("qty", sizing.Qty.String()),
		slog.String("price", ref.String()),
		slog.Int("leverage", sizing.Leverage),
		slog.String("tier", sizing.Tier.Name),
		slog.Bool("starter", starter),
	)

	if ack.Filled() {
		t.activate(ctx, pos, ack)
	}
	return pos, nil
}

// activate upgrades a PENDING row whose entry just filled: persist the fill,
// then make sure protective orders exist at the filled quantity. Callers
// hold the symbol lock.
func (t *Trader) activate(ctx context.Context, pos *domain.Position, ack domain.OrderAck) {
	fillPrice := ack.AvgFillPrice
	if !fillPrice.IsPositive() {
		fillPrice = pos.EntryPrice
	}
	fillQty := ack.FilledQty
	if !fillQty.IsPositive() {
		fillQty = pos.Qty
	}

	if err := t.positions.MarkActive(ctx, pos.ID, fillPrice, fillQty, time.Now().UTC()); err != nil {
		t.logger.Error("mark active failed",
			slog.Int64("position_id", pos.ID), slog.Any("error", err))
		return
	}
	pos.Status = domain.PositionActive
	pos.EntryPrice = fillPrice
	pos.Qty = fillQty

	if err := t.ensureProtection(ctx, pos); err != nil {
		t.logger.Warn("protective placement incomplete",
			slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
	}

	t.logger.Info("position active",
		slog.String("pos_key", string(pos.PosKey)),
		slog.String("side", string(pos.Side)),
		slog.String("qty", pos.Qty.String()),
		slog.String("entry", pos.EntryPrice.String()),
	)
	t.emit(ctx, domain.EventPositionOpened, pos, "Position opened",
		fmt.Sprintf("%s %s %s @ %s (x%d, SL %s, TP %s)",
			pos.Side, pos.Qty, pos.Symbol, pos.EntryPrice, pos.Leverage, pos.SLPrice, pos.TPPrice))
}
