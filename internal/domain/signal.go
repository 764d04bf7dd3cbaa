package domain

import (
	"context"
	"time"
)

// SignalSide is the direction suggested by the scoring collaborator.
type SignalSide string

const (
	SignalBuy  SignalSide = "BUY"
	SignalSell SignalSide = "SELL"
	SignalNone SignalSide = "NONE"
)

// PositionSide maps a directional signal onto a position direction.
// SignalNone has no position side; callers must check first.
func (s SignalSide) PositionSide() PositionSide {
	if s == SignalSell {
		return SideShort
	}
	return SideLong
}

// OpposesPosition reports whether the signal points against an open position.
func (s SignalSide) OpposesPosition(side PositionSide) bool {
	switch s {
	case SignalBuy:
		return side == SideShort
	case SignalSell:
		return side == SideLong
	default:
		return false
	}
}

// SignalSnapshot is one evaluation of a slot by the external scorer.
// Ephemeral: the engine never persists it except embedded into a Position
// at entry. Confidence is monotone in signal quality; score crossing the
// configured entry threshold marks an entry candidate.
type SignalSnapshot struct {
	Slot       Slot
	Side       SignalSide
	Confidence float64 // 0..1
	Score      float64
	Features   []byte // opaque blob, stored verbatim on entry
	Timestamp  time.Time
}

// Stale reports whether the snapshot is older than maxAge at the given time.
func (s *SignalSnapshot) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.Timestamp) > maxAge
}

// EngineEvent is published on the signal bus and mirrored to the admin
// WebSocket hub so operators can follow the engine live.
type EngineEvent struct {
	ID        string         `json:"id"`
	Type      EngineEventType `json:"type"`
	ProfileID int64          `json:"profile_id,omitempty"`
	PosKey    string         `json:"pos_key,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// EngineEventType enumerates the notifier/bus event kinds.
type EngineEventType string

const (
	EventPositionOpened  EngineEventType = "position_opened"
	EventPositionClosed  EngineEventType = "position_closed"
	EventOrderCancelled  EngineEventType = "order_cancelled"
	EventPhantomDetected EngineEventType = "phantom_detected"
	EventAdoption        EngineEventType = "adoption"
	EventCircuitBreaker  EngineEventType = "circuit_breaker"
	EventProtectiveMoved EngineEventType = "protective_moved"
	EventStatusReport    EngineEventType = "status_report"
	EventError           EngineEventType = "error"
)

// EventSink receives engine events for operator fan-out. Implementations
// must never block trading paths and must swallow delivery failures; losing
// a notification is always preferable to stalling an order.
type EventSink interface {
	Emit(ctx context.Context, ev EngineEvent)
}
