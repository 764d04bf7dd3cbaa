package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Phantom closure parameters. The initial delay absorbs venue indexing lag
// between a fill and its visibility in trade history.
var phantomDelay = 500 * time.Millisecond

const phantomAttempts = 3

// classifyTolerance is the relative band around a protective price within
// which a closing fill is attributed to that order.
var classifyTolerance = decimal.NewFromFloat(0.001)

// resolvePhantom settles an ACTIVE row whose venue position vanished. Only
// venue trade history may close the row with a PnL; with no closing fill
// after the retry budget the row parks in WAITING_SYNC and the next pass
// retries. Sleeps and fetches run without the symbol lock.
func (r *Reconciler) resolvePhantom(ctx context.Context, stale *domain.Position) error {
	if err := sleepCtx(ctx, phantomDelay); err != nil {
		return err
	}

	fills, err := r.closingFills(ctx, stale, phantomAttempts)
	if err != nil {
		return err
	}
	if len(fills) == 0 {
		// One more position fetch before parking: the vanish may outlast
		// the initial sleep on a slow venue.
		if r.venueHolds(ctx, stale) {
			return nil
		}
		return r.parkWaiting(ctx, stale)
	}

	exit, fees := fillEconomics(fills)
	return r.finalizeAttested(ctx, stale, exit, fees, domain.PositionActive)
}

// retryWaiting re-runs the fill lookup for a parked row, one attempt per
// pass. The row stays parked until history attests the closure.
func (r *Reconciler) retryWaiting(ctx context.Context, stale *domain.Position) error {
	fills, err := r.closingFills(ctx, stale, 1)
	if err != nil || len(fills) == 0 {
		return err
	}
	exit, fees := fillEconomics(fills)
	return r.finalizeAttested(ctx, stale, exit, fees, domain.PositionWaitingSync)
}

// finalizeAttested closes a row from a venue-attested exit under the symbol
// lock. The reload guard drops the write when the trader settled the row in
// the meantime.
func (r *Reconciler) finalizeAttested(ctx context.Context, stale *domain.Position, exit, fees decimal.Decimal, want domain.PositionStatus) error {
	unlock := r.locks.Lock(stale.ProfileID, stale.Symbol)
	defer unlock()

	cur, err := r.positions.GetByID(ctx, stale.ID)
	if err != nil {
		return fmt.Errorf("reconciler: reload %d: %w", stale.ID, err)
	}
	if cur.Status != want {
		return nil
	}

	reason := classifyExit(&cur, exit)
	return r.trader.FinalizeClose(ctx, &cur, exit, fees, reason,
		fmt.Sprintf("venue-attested closure at %s", exit))
}

func (r *Reconciler) parkWaiting(ctx context.Context, stale *domain.Position) error {
	unlock := r.locks.Lock(stale.ProfileID, stale.Symbol)
	defer unlock()

	cur, err := r.positions.GetByID(ctx, stale.ID)
	if err != nil {
		return fmt.Errorf("reconciler: reload %d: %w", stale.ID, err)
	}
	if cur.Status != domain.PositionActive {
		return nil
	}
	if err := r.positions.MarkWaitingSync(ctx, cur.ID,
		"venue position vanished without a verified closing fill"); err != nil {
		return fmt.Errorf("reconciler: park %s: %w", cur.PosKey, err)
	}

	r.logger.Warn("position vanished, parked for sync",
		slog.String("pos_key", string(cur.PosKey)))
	r.emit(ctx, domain.EventPhantomDetected, &cur, "Phantom closure suspected",
		fmt.Sprintf("%s %s vanished from the venue; awaiting trade history", cur.Side, cur.Symbol))
	return nil
}

// closingFills queries venue trade history for fills closing the position,
// retrying on a short spacing. The entry fill shares the history window, so
// only close-side executions count.
func (r *Reconciler) closingFills(ctx context.Context, pos *domain.Position, attempts int) ([]domain.Fill, error) {
	closeSide := pos.Side.CloseOrderSide()
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, phantomDelay); err != nil {
				return nil, err
			}
		}
		fills, err := r.adapter.FetchMyTrades(ctx, pos.Symbol, pos.EntryTime)
		if err != nil {
			r.logger.Warn("trade history fetch",
				slog.String("symbol", pos.Symbol), slog.Any("error", err))
			continue
		}
		var closing []domain.Fill
		for _, f := range fills {
			if f.Side == closeSide {
				closing = append(closing, f)
			}
		}
		if len(closing) > 0 {
			return closing, nil
		}
	}
	return nil, nil
}

func (r *Reconciler) venueHolds(ctx context.Context, pos *domain.Position) bool {
	live, err := r.adapter.FetchPositions(ctx)
	if err != nil {
		return false
	}
	for _, ep := range live {
		if ep.Symbol == pos.Symbol && ep.Side == pos.Side && ep.Qty.IsPositive() {
			return true
		}
	}
	return false
}

// fillEconomics reduces closing fills to a volume-weighted exit price and
// total fees.
func fillEconomics(fills []domain.Fill) (exit, fees decimal.Decimal) {
	var notional, qty decimal.Decimal
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(f.Qty))
		qty = qty.Add(f.Qty)
		fees = fees.Add(f.Fee)
	}
	if qty.IsPositive() {
		exit = notional.Div(qty)
	}
	return exit, fees
}

// classifyExit attributes a venue-attested exit to TP, SL or MANUAL by
// price proximity. Current levels are checked first (the orders resting on
// the venue, a locked stop included), then the entry-time levels in case
// the fill raced a protective move. TP wins ties.
func classifyExit(pos *domain.Position, exit decimal.Decimal) domain.ExitReason {
	levels := []struct {
		price  decimal.Decimal
		reason domain.ExitReason
	}{
		{pos.TPPrice, domain.ExitTP},
		{pos.SLPrice, domain.ExitSL},
		{pos.OriginalTP, domain.ExitTP},
		{pos.OriginalSL, domain.ExitSL},
	}
	for _, l := range levels {
		if l.price.IsPositive() && exit.Sub(l.price).Abs().LessThanOrEqual(l.price.Mul(classifyTolerance)) {
			return l.reason
		}
	}
	return domain.ExitManual
}
