package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMsg struct {
	title   string
	message string
}

// fakeSender records deliveries and signals each one on a channel.
type fakeSender struct {
	mu        sync.Mutex
	name      string
	fail      bool
	sent      []sentMsg
	delivered chan struct{}
}

func newFakeSender(name string) *fakeSender {
	return &fakeSender{name: name, delivered: make(chan struct{}, 16)}
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("fake sender: delivery refused")
	}
	f.sent = append(f.sent, sentMsg{title: title, message: message})
	select {
	case f.delivered <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) sentMsgs() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeBus records published payloads.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("fake bus: subscribe unsupported")
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) on(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.published[channel]))
	copy(out, b.published[channel])
	return out
}

func testEvent(typ domain.EngineEventType) domain.EngineEvent {
	return domain.EngineEvent{
		Type:      typ,
		ProfileID: 1,
		Symbol:    "BTC/USDT",
		Title:     "Position opened",
		Message:   "LONG 0.25 BTC/USDT @ 100",
	}
}

func TestNotifier_DeliversQueuedEvents(t *testing.T) {
	sender := newFakeSender("telegram")
	n := NewNotifier([]Sender{sender}, nil, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	n.Emit(ctx, testEvent(domain.EventPositionOpened))

	select {
	case <-sender.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the sender")
	}

	sent := sender.sentMsgs()
	require.Len(t, sent, 1)
	assert.Equal(t, "Position opened", sent[0].title)
	assert.Equal(t, "LONG 0.25 BTC/USDT @ 100", sent[0].message)
}

func TestNotifier_EmitStampsIDAndTimestamp(t *testing.T) {
	n := NewNotifier(nil, nil, Config{}, testLogger())

	n.Emit(context.Background(), testEvent(domain.EventPositionOpened))

	ev := <-n.mailbox
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	preset := testEvent(domain.EventPositionClosed)
	preset.ID = "fixed-id"
	preset.Timestamp = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	n.Emit(context.Background(), preset)

	ev = <-n.mailbox
	assert.Equal(t, "fixed-id", ev.ID)
	assert.Equal(t, preset.Timestamp, ev.Timestamp)
}

func TestNotifier_EmitNeverBlocksWhenFull(t *testing.T) {
	n := NewNotifier(nil, nil, Config{Mailbox: 1}, testLogger())
	ctx := context.Background()

	n.Emit(ctx, testEvent(domain.EventPositionOpened))
	n.Emit(ctx, testEvent(domain.EventPositionClosed))
	n.Emit(ctx, testEvent(domain.EventError))

	assert.Equal(t, uint64(2), n.Dropped())
	assert.Len(t, n.mailbox, 1)
}

func TestNotifier_FilterSparesBusBridge(t *testing.T) {
	sender := newFakeSender("telegram")
	bus := newFakeBus()
	n := NewNotifier([]Sender{sender}, bus, Config{
		Events:     []domain.EngineEventType{domain.EventPositionClosed},
		BusChannel: "engine:events",
	}, testLogger())
	ctx := context.Background()

	n.deliver(ctx, testEvent(domain.EventPositionOpened))
	assert.Empty(t, sender.sentMsgs(), "filtered type must not page the operator")
	assert.Len(t, bus.on("engine:events"), 1, "the admin hub sees every event")

	n.deliver(ctx, testEvent(domain.EventPositionClosed))
	assert.Len(t, sender.sentMsgs(), 1)
	assert.Len(t, bus.on("engine:events"), 2)
}

func TestNotifier_BusPayloadIsEventJSON(t *testing.T) {
	bus := newFakeBus()
	n := NewNotifier(nil, bus, Config{BusChannel: "engine:events"}, testLogger())

	ev := testEvent(domain.EventPositionClosed)
	ev.ID = "ev-1"
	ev.Timestamp = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	n.deliver(context.Background(), ev)

	payloads := bus.on("engine:events")
	require.Len(t, payloads, 1)

	var got domain.EngineEvent
	require.NoError(t, json.Unmarshal(payloads[0], &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, domain.EventPositionClosed, got.Type)
	assert.Equal(t, "BTC/USDT", got.Symbol)
	assert.Equal(t, ev.Timestamp, got.Timestamp)
}

func TestNotifier_SenderFailureDoesNotStopOthers(t *testing.T) {
	failing := newFakeSender("telegram")
	failing.fail = true
	ok := newFakeSender("discord")
	n := NewNotifier([]Sender{failing, ok}, nil, Config{}, testLogger())

	n.deliver(context.Background(), testEvent(domain.EventError))

	assert.Empty(t, failing.sentMsgs())
	assert.Len(t, ok.sentMsgs(), 1)
}

func TestNotifier_RunStopsOnCancel(t *testing.T) {
	n := NewNotifier(nil, nil, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, n.Run(ctx), context.Canceled)
}
