package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultStream is the Redis stream the scoring collaborator writes to.
const DefaultStream = "signals"

// DefaultPollInterval is how often the source polls for new entries when the
// stream is idle.
const DefaultPollInterval = time.Second

const readBatch = 100

// wireSnapshot is the JSON layout on the signal stream.
type wireSnapshot struct {
	ProfileID  int64           `json:"profile_id"`
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Side       string          `json:"side"`
	Confidence float64         `json:"confidence"`
	Score      float64         `json:"score"`
	Features   json.RawMessage `json:"features,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ParseSnapshot decodes one stream payload. The admin signal injector uses
// the same layout, so both ingress paths agree on validation.
func ParseSnapshot(payload []byte) (domain.SignalSnapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(payload, &w); err != nil {
		return domain.SignalSnapshot{}, fmt.Errorf("signal: decode snapshot: %w", err)
	}
	if w.ProfileID <= 0 || w.Exchange == "" || w.Symbol == "" || w.Timeframe == "" {
		return domain.SignalSnapshot{}, fmt.Errorf("signal: snapshot missing slot identity: %w", domain.ErrInvalidParam)
	}

	side := domain.SignalSide(w.Side)
	switch side {
	case domain.SignalBuy, domain.SignalSell, domain.SignalNone:
	default:
		return domain.SignalSnapshot{}, fmt.Errorf("signal: snapshot side %q: %w", w.Side, domain.ErrInvalidParam)
	}
	if w.Confidence < 0 || w.Confidence > 1 {
		return domain.SignalSnapshot{}, fmt.Errorf("signal: snapshot confidence %f: %w", w.Confidence, domain.ErrInvalidParam)
	}
	ts := w.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return domain.SignalSnapshot{
		Slot: domain.Slot{
			ProfileID: w.ProfileID,
			Exchange:  w.Exchange,
			Symbol:    w.Symbol,
			Timeframe: w.Timeframe,
		},
		Side:       side,
		Confidence: w.Confidence,
		Score:      w.Score,
		Features:   []byte(w.Features),
		Timestamp:  ts,
	}, nil
}

// RedisSource tails the signal stream into the hub. Stream history is
// replayed on startup; the hub's monotonic Put and the consumers' staleness
// checks make the replay harmless.
type RedisSource struct {
	bus    domain.SignalBus
	hub    *Hub
	stream string
	poll   time.Duration
	logger *slog.Logger

	lastID string
}

// NewRedisSource creates a source reading from the given stream.
func NewRedisSource(bus domain.SignalBus, hub *Hub, stream string, poll time.Duration, logger *slog.Logger) *RedisSource {
	if stream == "" {
		stream = DefaultStream
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &RedisSource{
		bus:    bus,
		hub:    hub,
		stream: stream,
		poll:   poll,
		logger: logger,
		lastID: "0",
	}
}

// Run tails the stream until the context ends. Read errors are logged and
// retried; malformed entries are dropped.
func (s *RedisSource) Run(ctx context.Context) error {
	s.logger.Info("signal source started", slog.String("stream", s.stream))

	for {
		msgs, err := s.bus.StreamRead(ctx, s.stream, s.lastID, readBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("signal stream read failed",
				slog.String("stream", s.stream),
				slog.String("error", err.Error()),
			)
		}

		for _, msg := range msgs {
			s.lastID = msg.ID
			snap, err := ParseSnapshot(msg.Payload)
			if err != nil {
				s.logger.Warn("dropping malformed signal",
					slog.String("id", msg.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.hub.Put(snap)
		}

		// A full batch means more may be waiting; drain before sleeping.
		if len(msgs) == readBatch {
			continue
		}

		timer := time.NewTimer(s.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("signal source stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}
