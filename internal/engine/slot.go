package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// tickSlot evaluates one trading lane. ACTIVE rows get the flip check and
// the protective lifecycle; PENDING and WAITING_SYNC rows belong to the
// pending monitor and the reconciler; an empty lane considers an entry.
func (e *Engine) tickSlot(ctx context.Context, rt *Runtime, slot domain.Slot, logger *slog.Logger) {
	row, err := rt.Positions.GetActive(ctx, slot.ProfileID, slot.PosKey())
	if errors.Is(err, domain.ErrNotFound) {
		e.maybeOpen(ctx, rt, slot, logger)
		return
	}
	if err != nil {
		logger.Warn("slot state read",
			slog.String("pos_key", string(slot.PosKey())), slog.Any("error", err))
		return
	}

	switch row.Status {
	case domain.PositionActive:
		e.manageActive(ctx, rt, slot, &row, logger)
	case domain.PositionPending:
		// The pending monitor owns the row until fill or cancel.
	case domain.PositionWaitingSync:
		// The reconciler owns parked rows.
	}
}

func (e *Engine) manageActive(ctx context.Context, rt *Runtime, slot domain.Slot, row *domain.Position, logger *slog.Logger) {
	if snap, ok := e.freshSignal(slot); ok {
		closed, err := rt.Trader.CheckSignalFlip(ctx, row, snap)
		if err != nil {
			e.slotError(ctx, rt, logger, "signal flip check", row.PosKey, err)
		}
		if closed {
			return
		}
	}
	if err := rt.Trader.ManageProtection(ctx, row); err != nil {
		e.slotError(ctx, rt, logger, "protective lifecycle", row.PosKey, err)
	}
}

func (e *Engine) maybeOpen(ctx context.Context, rt *Runtime, slot domain.Slot, logger *slog.Logger) {
	snap, ok := e.freshSignal(slot)
	if !ok || snap.Side == domain.SignalNone {
		return
	}
	if _, err := rt.Trader.Open(ctx, slot, snap); err != nil {
		if entryDeclined(err) {
			logger.Debug("entry declined",
				slog.String("pos_key", string(slot.PosKey())), slog.Any("reason", err))
			return
		}
		e.slotError(ctx, rt, logger, "entry attempt", slot.PosKey(), err)
	}
}

// freshSignal returns the slot's latest snapshot unless it is missing or
// too old to trade on.
func (e *Engine) freshSignal(slot domain.Slot) (domain.SignalSnapshot, bool) {
	snap, ok := e.signals.Latest(slot)
	if !ok || snap.Stale(time.Now(), e.cfg.SignalMaxAge) {
		return domain.SignalSnapshot{}, false
	}
	return snap, true
}

// entryDeclined reports whether an Open rejection is routine gating (logged
// at debug, retried naturally next tick) rather than a failure.
func entryDeclined(err error) bool {
	return errors.Is(err, domain.ErrCooldownActive) ||
		errors.Is(err, domain.ErrCircuitOpen) ||
		errors.Is(err, domain.ErrDailyLossLimit) ||
		errors.Is(err, domain.ErrSymbolGuard) ||
		errors.Is(err, domain.ErrConflictActiveExists) ||
		errors.Is(err, domain.ErrMinNotional) ||
		errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrInvalidParam)
}

// slotError logs an operation failure; an authentication failure pulls the
// whole profile out of rotation instead.
func (e *Engine) slotError(ctx context.Context, rt *Runtime, logger *slog.Logger, op string, key domain.PosKey, err error) {
	if errors.Is(err, domain.ErrAuth) {
		e.disableProfile(ctx, rt, err)
		return
	}
	logger.Warn(op, slog.String("pos_key", string(key)), slog.Any("error", err))
}

// disableProfile cancels every task of a profile whose credentials the
// venue rejected. The rest of the engine keeps running; re-enabling takes
// an operator restart with fixed keys.
func (e *Engine) disableProfile(ctx context.Context, rt *Runtime, cause error) {
	rt.disableOnce.Do(func() {
		e.logger.Error("profile disabled after authentication failure",
			slog.String("profile", rt.Profile.Name), slog.Any("error", cause))
		if e.events != nil {
			e.events.Emit(ctx, domain.EngineEvent{
				Type:      domain.EventError,
				ProfileID: rt.Profile.ID,
				Title:     fmt.Sprintf("Profile %s disabled", rt.Profile.Name),
				Message:   fmt.Sprintf("venue rejected credentials: %v; trading stopped for this profile", cause),
				Timestamp: time.Now().UTC(),
			})
		}
		if rt.disable != nil {
			rt.disable()
		}
	})
}
