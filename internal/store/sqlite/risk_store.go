package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// RiskStore implements domain.RiskStore using SQLite.
type RiskStore struct {
	db *sql.DB
}

// NewRiskStore creates a new RiskStore backed by the given client.
func NewRiskStore(c *Client) *RiskStore {
	return &RiskStore{db: c.db}
}

// GetMetrics fetches the risk metrics row for a profile and environment.
func (s *RiskStore) GetMetrics(ctx context.Context, profileID int64, env domain.Environment) (domain.RiskMetrics, error) {
	const query = `
		SELECT profile_id, environment, peak_balance, starting_balance,
			daily_loss, daily_reset_date, breaker_tripped, breaker_reason, updated_at
		FROM risk_metrics
		WHERE profile_id = ? AND environment = ?`

	var m domain.RiskMetrics
	var envCol string
	var updatedMs int64
	err := s.db.QueryRowContext(ctx, query, profileID, string(env)).Scan(
		&m.ProfileID, &envCol, &m.PeakBalance, &m.StartingBalance,
		&m.DailyLoss, &m.DailyResetDate, &m.BreakerTripped, &m.BreakerReason, &updatedMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RiskMetrics{}, fmt.Errorf("sqlite: risk metrics %d/%s: %w", profileID, env, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RiskMetrics{}, fmt.Errorf("sqlite: get risk metrics %d/%s: %w", profileID, env, err)
	}
	m.Environment = domain.Environment(envCol)
	m.UpdatedAt = millisToTime(updatedMs)
	return m, nil
}

// SaveMetrics writes the risk metrics row, inserting on first use.
func (s *RiskStore) SaveMetrics(ctx context.Context, m *domain.RiskMetrics) error {
	m.UpdatedAt = time.Now().UTC()

	const query = `
		INSERT INTO risk_metrics (
			profile_id, environment, peak_balance, starting_balance,
			daily_loss, daily_reset_date, breaker_tripped, breaker_reason, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (profile_id, environment) DO UPDATE SET
			peak_balance     = excluded.peak_balance,
			starting_balance = excluded.starting_balance,
			daily_loss       = excluded.daily_loss,
			daily_reset_date = excluded.daily_reset_date,
			breaker_tripped  = excluded.breaker_tripped,
			breaker_reason   = excluded.breaker_reason,
			updated_at       = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		m.ProfileID, string(m.Environment), m.PeakBalance, m.StartingBalance,
		m.DailyLoss, m.DailyResetDate, m.BreakerTripped, m.BreakerReason,
		timeToMillis(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save risk metrics %d/%s: %w", m.ProfileID, m.Environment, err)
	}
	return nil
}

// SetCooldown writes a symbol cooldown, extending any existing one.
func (s *RiskStore) SetCooldown(ctx context.Context, c *domain.Cooldown) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO cooldowns (profile_id, symbol, expires_at, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (profile_id, symbol) DO UPDATE SET
			expires_at = excluded.expires_at,
			reason     = excluded.reason,
			created_at = excluded.created_at`

	_, err := s.db.ExecContext(ctx, query,
		c.ProfileID, c.Symbol, timeToMillis(c.ExpiresAt), c.Reason, timeToMillis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: set cooldown %d/%s: %w", c.ProfileID, c.Symbol, err)
	}
	return nil
}

// GetCooldown fetches the cooldown row for a profile and symbol.
func (s *RiskStore) GetCooldown(ctx context.Context, profileID int64, symbol string) (domain.Cooldown, error) {
	const query = `
		SELECT profile_id, symbol, expires_at, reason, created_at
		FROM cooldowns
		WHERE profile_id = ? AND symbol = ?`

	var c domain.Cooldown
	var expiresMs, createdMs int64
	err := s.db.QueryRowContext(ctx, query, profileID, symbol).Scan(
		&c.ProfileID, &c.Symbol, &expiresMs, &c.Reason, &createdMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cooldown{}, fmt.Errorf("sqlite: cooldown %d/%s: %w", profileID, symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Cooldown{}, fmt.Errorf("sqlite: get cooldown %d/%s: %w", profileID, symbol, err)
	}
	c.ExpiresAt = millisToTime(expiresMs)
	c.CreatedAt = millisToTime(createdMs)
	return c, nil
}

// ListCooldowns returns all cooldown rows for a profile.
func (s *RiskStore) ListCooldowns(ctx context.Context, profileID int64) ([]domain.Cooldown, error) {
	const query = `
		SELECT profile_id, symbol, expires_at, reason, created_at
		FROM cooldowns
		WHERE profile_id = ? ORDER BY expires_at`

	rows, err := s.db.QueryContext(ctx, query, profileID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list cooldowns: %w", err)
	}
	defer rows.Close()

	var cooldowns []domain.Cooldown
	for rows.Next() {
		var c domain.Cooldown
		var expiresMs, createdMs int64
		if err := rows.Scan(&c.ProfileID, &c.Symbol, &expiresMs, &c.Reason, &createdMs); err != nil {
			return nil, fmt.Errorf("sqlite: list cooldowns: %w", err)
		}
		c.ExpiresAt = millisToTime(expiresMs)
		c.CreatedAt = millisToTime(createdMs)
		cooldowns = append(cooldowns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list cooldowns: %w", err)
	}
	return cooldowns, nil
}

// PurgeExpiredCooldowns deletes cooldowns that expired at or before now.
func (s *RiskStore) PurgeExpiredCooldowns(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cooldowns WHERE expires_at <= ?`, now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge cooldowns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge cooldowns: %w", err)
	}
	return n, nil
}
