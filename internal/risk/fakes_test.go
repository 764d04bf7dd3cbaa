package risk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRiskStore struct {
	mu        sync.Mutex
	metrics   map[string]domain.RiskMetrics
	cooldowns map[string]domain.Cooldown
}

func newFakeRiskStore() *fakeRiskStore {
	return &fakeRiskStore{
		metrics:   make(map[string]domain.RiskMetrics),
		cooldowns: make(map[string]domain.Cooldown),
	}
}

func metricsKey(profileID int64, env domain.Environment) string {
	return fmt.Sprintf("%d/%s", profileID, env)
}

func (s *fakeRiskStore) GetMetrics(_ context.Context, profileID int64, env domain.Environment) (domain.RiskMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[metricsKey(profileID, env)]
	if !ok {
		return domain.RiskMetrics{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *fakeRiskStore) SaveMetrics(_ context.Context, m *domain.RiskMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[metricsKey(m.ProfileID, m.Environment)] = *m
	return nil
}

func cooldownKey(profileID int64, symbol string) string {
	return fmt.Sprintf("%d/%s", profileID, symbol)
}

func (s *fakeRiskStore) SetCooldown(_ context.Context, c *domain.Cooldown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[cooldownKey(c.ProfileID, c.Symbol)] = *c
	return nil
}

func (s *fakeRiskStore) GetCooldown(_ context.Context, profileID int64, symbol string) (domain.Cooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cooldowns[cooldownKey(profileID, symbol)]
	if !ok {
		return domain.Cooldown{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *fakeRiskStore) ListCooldowns(_ context.Context, profileID int64) ([]domain.Cooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Cooldown
	for _, c := range s.cooldowns {
		if c.ProfileID == profileID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeRiskStore) PurgeExpiredCooldowns(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, c := range s.cooldowns {
		if !now.Before(c.ExpiresAt) {
			delete(s.cooldowns, k)
			n++
		}
	}
	return n, nil
}

type fakeOpenPositions struct {
	open []domain.Position
}

func (f *fakeOpenPositions) ListActive(_ context.Context, profileID int64) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.open {
		if p.ProfileID == profileID {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeRules struct {
	inst domain.Instrument
}

func (f *fakeRules) Instrument(string) (domain.Instrument, error) {
	return f.inst, nil
}

func (f *fakeRules) AmountToPrecision(_ string, qty decimal.Decimal) decimal.Decimal {
	return qty.Truncate(3)
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.EngineEvent
}

func (f *fakeSink) Emit(_ context.Context, ev domain.EngineEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) byType(t domain.EngineEventType) []domain.EngineEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.EngineEvent
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testProfile() *domain.Profile {
	return &domain.Profile{
		ID:          1,
		Name:        "main",
		Environment: domain.EnvLive,
		Exchange:    "BYBIT",
		Symbols:     []string{"BTC/USDT"},
		Timeframes:  []string{"15m"},
		Active:      true,
	}
}
