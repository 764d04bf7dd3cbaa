package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Breaker defaults. The drawdown breaker latches and needs an operator
// clear; the daily loss limit resets itself at local midnight.
const (
	DefaultDrawdownLimit  = 0.10
	DefaultDailyLossLimit = 0.03

	// alertEvery throttles the tripped notification so a breaker that stays
	// open does not page the operator on every denied entry.
	alertEvery = 2 * time.Hour
)

// dateLayout is the daily reset ledger date in the engine timezone.
const dateLayout = "2006-01-02"

// BreakerConfig tunes the breaker; zero values fall back to defaults.
type BreakerConfig struct {
	DrawdownLimit  decimal.Decimal
	DailyLossLimit decimal.Decimal
	Timezone       *time.Location
}

// Breaker owns the per-profile risk ledger: peak balance, daily realized
// loss, and the latched drawdown trip. The trader reports every realized
// close; the gate consults Check before every open.
type Breaker struct {
	store  domain.RiskStore
	events domain.EventSink
	logger *slog.Logger

	drawdownLimit  decimal.Decimal
	dailyLossLimit decimal.Decimal
	tz             *time.Location

	mu        sync.Mutex
	lastAlert map[int64]time.Time
}

// NewBreaker creates a breaker over the given risk store. events may be nil
// in tests.
func NewBreaker(store domain.RiskStore, events domain.EventSink, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.DrawdownLimit.IsZero() {
		cfg.DrawdownLimit = decimal.NewFromFloat(DefaultDrawdownLimit)
	}
	if cfg.DailyLossLimit.IsZero() {
		cfg.DailyLossLimit = decimal.NewFromFloat(DefaultDailyLossLimit)
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.Local
	}
	return &Breaker{
		store:          store,
		events:         events,
		logger:         logger.With(slog.String("component", "breaker")),
		drawdownLimit:  cfg.DrawdownLimit,
		dailyLossLimit: cfg.DailyLossLimit,
		tz:             cfg.Timezone,
		lastAlert:      make(map[int64]time.Time),
	}
}

// Check evaluates the breaker for one profile at the given account balance.
// It rolls the daily ledger over at local midnight, raises the recorded peak,
// and returns ErrCircuitOpen when the drawdown breaker is (or becomes)
// tripped, or ErrDailyLossLimit while today's realized losses exceed the
// daily budget.
func (b *Breaker) Check(ctx context.Context, profile *domain.Profile, balance decimal.Decimal) error {
	m, err := b.loadOrInit(ctx, profile, balance)
	if err != nil {
		return err
	}

	changed := b.rollDaily(&m, time.Now(), balance)
	if balance.GreaterThan(m.PeakBalance) {
		m.PeakBalance = balance
		changed = true
	}

	if m.BreakerTripped {
		if changed {
			if err := b.store.SaveMetrics(ctx, &m); err != nil {
				return fmt.Errorf("risk: save metrics: %w", err)
			}
		}
		return fmt.Errorf("risk: profile %d: %s: %w", profile.ID, m.BreakerReason, domain.ErrCircuitOpen)
	}

	if dd := m.Drawdown(balance); dd.GreaterThanOrEqual(b.drawdownLimit) {
		m.BreakerTripped = true
		m.BreakerReason = fmt.Sprintf("drawdown %s from peak %s", dd.Round(4).String(), m.PeakBalance.String())
		if err := b.store.SaveMetrics(ctx, &m); err != nil {
			return fmt.Errorf("risk: save metrics: %w", err)
		}
		b.alertTripped(ctx, profile, m.BreakerReason)
		return fmt.Errorf("risk: profile %d: %s: %w", profile.ID, m.BreakerReason, domain.ErrCircuitOpen)
	}

	if changed {
		if err := b.store.SaveMetrics(ctx, &m); err != nil {
			return fmt.Errorf("risk: save metrics: %w", err)
		}
	}

	if frac := m.DailyLossFraction(); frac.GreaterThanOrEqual(b.dailyLossLimit) {
		return fmt.Errorf("risk: profile %d: daily loss %s of day-start balance: %w",
			profile.ID, frac.Round(4).String(), domain.ErrDailyLossLimit)
	}
	return nil
}

// RecordClose folds one realized trade into the ledger. Losses accumulate
// into the daily budget; the peak follows the post-close balance.
func (b *Breaker) RecordClose(ctx context.Context, profile *domain.Profile, pnl, balance decimal.Decimal) error {
	m, err := b.loadOrInit(ctx, profile, balance)
	if err != nil {
		return err
	}

	b.rollDaily(&m, time.Now(), balance)
	if pnl.IsNegative() {
		m.DailyLoss = m.DailyLoss.Add(pnl.Abs())
	}
	if balance.GreaterThan(m.PeakBalance) {
		m.PeakBalance = balance
	}
	if err := b.store.SaveMetrics(ctx, &m); err != nil {
		return fmt.Errorf("risk: save metrics: %w", err)
	}
	return nil
}

// Resume clears a latched drawdown trip. Operator action only.
func (b *Breaker) Resume(ctx context.Context, profile *domain.Profile) error {
	m, err := b.store.GetMetrics(ctx, profile.ID, profile.Environment)
	if err != nil {
		return fmt.Errorf("risk: load metrics: %w", err)
	}
	if !m.BreakerTripped {
		return nil
	}
	m.BreakerTripped = false
	m.BreakerReason = ""
	if err := b.store.SaveMetrics(ctx, &m); err != nil {
		return fmt.Errorf("risk: save metrics: %w", err)
	}
	b.logger.Info("circuit breaker cleared", slog.Int64("profile_id", profile.ID))
	b.emit(ctx, profile, "Circuit breaker cleared", "trading resumed by operator")
	return nil
}

// Metrics returns the current ledger for status reporting.
func (b *Breaker) Metrics(ctx context.Context, profile *domain.Profile) (domain.RiskMetrics, error) {
	return b.store.GetMetrics(ctx, profile.ID, profile.Environment)
}

func (b *Breaker) loadOrInit(ctx context.Context, profile *domain.Profile, balance decimal.Decimal) (domain.RiskMetrics, error) {
	m, err := b.store.GetMetrics(ctx, profile.ID, profile.Environment)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.RiskMetrics{}, fmt.Errorf("risk: load metrics: %w", err)
	}
	m = domain.RiskMetrics{
		ProfileID:       profile.ID,
		Environment:     profile.Environment,
		PeakBalance:     balance,
		StartingBalance: balance,
		DailyResetDate:  time.Now().In(b.tz).Format(dateLayout),
	}
	if err := b.store.SaveMetrics(ctx, &m); err != nil {
		return domain.RiskMetrics{}, fmt.Errorf("risk: init metrics: %w", err)
	}
	b.logger.Info("risk ledger initialized",
		slog.Int64("profile_id", profile.ID),
		slog.String("balance", balance.String()),
	)
	return m, nil
}

// rollDaily resets the daily ledger when the local calendar date moved on.
// Reports whether the metrics changed.
func (b *Breaker) rollDaily(m *domain.RiskMetrics, now time.Time, balance decimal.Decimal) bool {
	today := now.In(b.tz).Format(dateLayout)
	if m.DailyResetDate == today {
		return false
	}
	m.DailyResetDate = today
	m.DailyLoss = decimal.Zero
	m.StartingBalance = balance
	b.logger.Info("daily risk ledger reset",
		slog.Int64("profile_id", m.ProfileID),
		slog.String("date", today),
		slog.String("starting_balance", balance.String()),
	)
	return true
}

// alertTripped emits the breaker notification, at most once per alertEvery
// per profile.
func (b *Breaker) alertTripped(ctx context.Context, profile *domain.Profile, reason string) {
	b.mu.Lock()
	last, seen := b.lastAlert[profile.ID]
	throttled := seen && time.Since(last) < alertEvery
	if !throttled {
		b.lastAlert[profile.ID] = time.Now()
	}
	b.mu.Unlock()

	b.logger.Error("circuit breaker tripped",
		slog.Int64("profile_id", profile.ID),
		slog.String("reason", reason),
	)
	if throttled {
		return
	}
	b.emit(ctx, profile, "Circuit breaker tripped", reason)
}

func (b *Breaker) emit(ctx context.Context, profile *domain.Profile, title, message string) {
	if b.events == nil {
		return
	}
	b.events.Emit(ctx, domain.EngineEvent{
		Type:      domain.EventCircuitBreaker,
		ProfileID: profile.ID,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}
