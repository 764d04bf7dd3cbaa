// Package notify fans engine events out to operator channels (Telegram,
// Discord) and the signal bus. The sink is a bounded mailbox drained by one
// worker: Emit never blocks a trading path, and when the mailbox is full the
// event is dropped rather than stalling the caller.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultMailbox is the queue depth between Emit and the delivery worker.
const DefaultMailbox = 256

// DefaultBusChannel is the pub/sub channel engine events are mirrored to.
// The admin WebSocket hub subscribes to the same name.
const DefaultBusChannel = "events:engine"

// Sender is one notification channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns the channel identifier (e.g. "telegram").
	Name() string
}

// Config tunes the notifier. Zero values take the defaults.
type Config struct {
	// Mailbox is the queue depth; DefaultMailbox when zero.
	Mailbox int
	// Events restricts which event types reach the senders. Empty allows
	// all. The bus bridge is never filtered; the admin hub shows everything.
	Events []domain.EngineEventType
	// BusChannel is the pub/sub channel engine events are mirrored to for
	// the admin WebSocket hub. Empty disables the bridge.
	BusChannel string
}

// Notifier implements domain.EventSink over a bounded mailbox. Events are
// stamped with an id and mirrored to the signal bus, then delivered to every
// sender that passes the event-type filter. Sender failures are logged and
// swallowed; losing a notification is always preferable to stalling an
// order.
type Notifier struct {
	mailbox    chan domain.EngineEvent
	senders    []Sender
	allowed    map[domain.EngineEventType]bool
	bus        domain.SignalBus
	busChannel string
	logger     *slog.Logger

	dropped atomic.Uint64
}

// NewNotifier creates a notifier over the given senders. bus may be nil to
// skip the admin-hub bridge.
func NewNotifier(senders []Sender, bus domain.SignalBus, cfg Config, logger *slog.Logger) *Notifier {
	if cfg.Mailbox <= 0 {
		cfg.Mailbox = DefaultMailbox
	}
	allowed := make(map[domain.EngineEventType]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		allowed[e] = true
	}
	return &Notifier{
		mailbox:    make(chan domain.EngineEvent, cfg.Mailbox),
		senders:    senders,
		allowed:    allowed,
		bus:        bus,
		busChannel: cfg.BusChannel,
		logger:     logger.With(slog.String("component", "notifier")),
	}
}

// Emit queues an event for delivery. It never blocks: a full mailbox drops
// the event and counts the loss.
func (n *Notifier) Emit(_ context.Context, ev domain.EngineEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	select {
	case n.mailbox <- ev:
	default:
		n.dropped.Add(1)
		n.logger.Warn("mailbox full, event dropped",
			slog.String("type", string(ev.Type)),
			slog.String("title", ev.Title),
			slog.Uint64("dropped_total", n.dropped.Load()),
		)
	}
}

// Dropped returns how many events were lost to a full mailbox.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Run drains the mailbox until ctx ends. Delivery is sequential; the
// senders' own pacing applies backpressure to the queue, not to the engine.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.Info("notifier started",
		slog.Int("senders", len(n.senders)),
		slog.Int("mailbox", cap(n.mailbox)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-n.mailbox:
			n.deliver(ctx, ev)
		}
	}
}

// deliver mirrors one event to the bus and forwards it to the senders the
// filter admits. All failures are logged and swallowed.
func (n *Notifier) deliver(ctx context.Context, ev domain.EngineEvent) {
	if n.bus != nil && n.busChannel != "" {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = n.bus.Publish(ctx, n.busChannel, payload)
		}
		if err != nil {
			n.logger.Warn("bus publish failed",
				slog.String("event_id", ev.ID), slog.Any("error", err))
		}
	}

	if len(n.allowed) > 0 && !n.allowed[ev.Type] {
		n.logger.Debug("event filtered out", slog.String("type", string(ev.Type)))
		return
	}

	for _, s := range n.senders {
		if err := s.Send(ctx, ev.Title, ev.Message); err != nil {
			n.logger.Warn("sender failed",
				slog.String("sender", s.Name()),
				slog.String("event_id", ev.ID),
				slog.Any("error", err),
			)
			continue
		}
		n.logger.Debug("notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", ev.Title),
		)
	}
}

// Compile-time interface check.
var _ domain.EventSink = (*Notifier)(nil)
