package trader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/exchange"
)

// CheckSignalFlip force-closes an ACTIVE position when the slot's current
// signal points the other way with a score past the exit threshold. The
// exit direction is remembered so an immediate opposite entry is sized as
// a starter. Returns true when a close was executed.
func (t *Trader) CheckSignalFlip(ctx context.Context, pos *domain.Position, snap domain.SignalSnapshot) (bool, error) {
	if !snap.Side.OpposesPosition(pos.Side) || snap.Score < t.config().ExitScore {
		return false, nil
	}
	t.logger.Info("signal flipped against position",
		slog.String("pos_key", string(pos.PosKey)),
		slog.String("signal", string(snap.Side)),
		slog.Float64("score", snap.Score))

	err := t.ForceClose(ctx, pos.ID, domain.ExitSignalFlip,
		fmt.Sprintf("signal flip to %s (score %.1f)", snap.Side, snap.Score))
	if err != nil {
		return false, err
	}
	return true, nil
}

// ForceClose market-closes an ACTIVE position reduce-only and finalizes the
// row with the given reason. Protective orders are pulled first so the
// close can not race its own stops. Shared by the flip exit and the
// operator force_close.
func (t *Trader) ForceClose(ctx context.Context, posID int64, reason domain.ExitReason, detail string) error {
	first, err := t.positions.GetByID(ctx, posID)
	if err != nil {
		return fmt.Errorf("trader: close lookup %d: %w", posID, err)
	}

	unlock := t.locks.Lock(first.ProfileID, first.Symbol)
	defer unlock()

	cur, err := t.positions.GetByID(ctx, posID)
	if err != nil {
		return fmt.Errorf("trader: close reload %d: %w", posID, err)
	}
	if cur.Status != domain.PositionActive {
		return fmt.Errorf("trader: close %s in status %s: %w", cur.PosKey, cur.Status, domain.ErrInvalidParam)
	}
	pos := &cur

	t.cancelProtection(ctx, pos)

	ack, err := t.adapter.PlaceReduceOnly(ctx, exchange.ReduceOnlyRequest{
		Symbol: pos.Symbol,
		Side:   pos.Side.CloseOrderSide(),
		Qty:    pos.Qty,
		Kind:   domain.OrderKindUnknown,
		ClientOrderID: exchange.BuildClientOrderID(
			t.profile.Environment, t.adapter.Name(), pos.Symbol, pos.Side.CloseOrderSide(), time.Now()),
	})
	if err != nil {
		return fmt.Errorf("trader: market close %s: %w", pos.Symbol, err)
	}

	exitPrice, fees := t.closeEconomics(ctx, pos, ack)
	if err := t.FinalizeClose(ctx, pos, exitPrice, fees, reason, detail); err != nil {
		return err
	}
	return nil
}

// closeEconomics extracts exit price and fees from the close. The ack is
// authoritative when it carries a fill; otherwise one follow-up fetch and,
// as a last resort for the ledger, the mark price.
func (t *Trader) closeEconomics(ctx context.Context, pos *domain.Position, ack domain.OrderAck) (exitPrice, fees decimal.Decimal) {
	exitPrice = ack.AvgFillPrice
	if !exitPrice.IsPositive() && ack.OrderID != "" {
		if re, err := t.adapter.FetchOrder(ctx, pos.Symbol, ack.OrderID); err == nil && re.AvgFillPrice.IsPositive() {
			exitPrice = re.AvgFillPrice
		}
	}
	if !exitPrice.IsPositive() {
		if mark, err := t.markPrice(ctx, pos.Symbol); err == nil {
			exitPrice = mark
			t.logger.Warn("close fill price unavailable, ledger uses mark",
				slog.String("pos_key", string(pos.PosKey)),
				slog.String("mark", mark.String()))
		}
	}

	if fills, err := t.adapter.FetchMyTrades(ctx, pos.Symbol, pos.EntryTime); err == nil {
		for _, f := range fills {
			if f.OrderID == ack.OrderID {
				fees = fees.Add(f.Fee)
			}
		}
	}
	return exitPrice, fees
}

// FinalizeClose settles a closed position: the row flips to CLOSED with its
// ledger trade in one transaction, the breaker ledger absorbs the realized
// PnL, and a genuine stop-loss arms the symbol cooldown. A stop that filled
// on the profit side of entry (a locked stop) counts as SL in the ledger
// but never sets the cooldown. Callers hold the symbol lock; the reconciler
// calls this for venue-attested phantom closures.
func (t *Trader) FinalizeClose(ctx context.Context, pos *domain.Position, exitPrice, fees decimal.Decimal, reason domain.ExitReason, detail string) error {
	pnl := domain.GrossPnL(pos.Side, pos.Qty, pos.EntryPrice, exitPrice).Sub(fees)
	now := time.Now().UTC()

	trade := &domain.Trade{
		ProfileID:       pos.ProfileID,
		PosKey:          pos.PosKey,
		Exchange:        pos.Exchange,
		Symbol:          pos.Symbol,
		Timeframe:       pos.Timeframe,
		Side:            pos.Side,
		Qty:             pos.Qty,
		EntryPrice:      pos.EntryPrice,
		ExitPrice:       exitPrice,
		PnL:             pnl,
		Fees:            fees,
		Leverage:        pos.Leverage,
		ExitReason:      reason,
		EntryTime:       pos.EntryTime,
		ExitTime:        now,
		EntryConfidence: pos.EntryConfidence,
		FeatureSnapshot: pos.FeatureSnapshot,
	}
	if err := t.positions.Finalize(ctx, pos.ID, domain.PositionClosed, trade); err != nil {
		return fmt.Errorf("trader: finalize %s: %w", pos.PosKey, err)
	}
	t.forgetRecreate(pos.ID)
	t.rememberExit(pos.Symbol, pos.Side)

	if balance, err := t.adapter.FetchBalance(ctx); err == nil {
		if err := t.breaker.RecordClose(ctx, t.profile, pnl, balance.Total); err != nil {
			t.logger.Warn("risk ledger update",
				slog.String("pos_key", string(pos.PosKey)), slog.Any("error", err))
		}
	} else {
		t.logger.Warn("balance fetch after close", slog.Any("error", err))
	}

	if reason == domain.ExitSL && pnl.IsNegative() {
		if err := t.gate.SetCooldown(ctx, pos.ProfileID, pos.Symbol, "stop loss", t.config().SLCooldown); err != nil {
			t.logger.Warn("cooldown set",
				slog.String("symbol", pos.Symbol), slog.Any("error", err))
		}
	}

	t.logger.Info("position closed",
		slog.String("pos_key", string(pos.PosKey)),
		slog.String("side", string(pos.Side)),
		slog.String("exit_reason", string(reason)),
		slog.String("exit_price", exitPrice.String()),
		slog.String("pnl", pnl.String()),
		slog.String("detail", detail))
	t.emit(ctx, domain.EventPositionClosed, pos, "Position closed",
		fmt.Sprintf("%s %s closed at %s (%s): PnL %s", pos.Side, pos.Symbol, exitPrice, reason, pnl))
	return nil
}
