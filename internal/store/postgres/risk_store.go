package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// RiskStore implements domain.RiskStore using PostgreSQL.
type RiskStore struct {
	pool *pgxpool.Pool
}

// NewRiskStore creates a new RiskStore backed by the given connection pool.
func NewRiskStore(pool *pgxpool.Pool) *RiskStore {
	return &RiskStore{pool: pool}
}

// GetMetrics fetches the risk metrics row for a profile and environment.
func (s *RiskStore) GetMetrics(ctx context.Context, profileID int64, env domain.Environment) (domain.RiskMetrics, error) {
	const query = `
		SELECT profile_id, environment, peak_balance, starting_balance,
			daily_loss, daily_reset_date, breaker_tripped, breaker_reason, updated_at
		FROM risk_metrics
		WHERE profile_id = $1 AND environment = $2`

	var m domain.RiskMetrics
	var envCol string
	err := s.pool.QueryRow(ctx, query, profileID, string(env)).Scan(
		&m.ProfileID, &envCol, &m.PeakBalance, &m.StartingBalance,
		&m.DailyLoss, &m.DailyResetDate, &m.BreakerTripped, &m.BreakerReason, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RiskMetrics{}, fmt.Errorf("postgres: risk metrics %d/%s: %w", profileID, env, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RiskMetrics{}, fmt.Errorf("postgres: get risk metrics %d/%s: %w", profileID, env, err)
	}
	m.Environment = domain.Environment(envCol)
	return m, nil
}

// SaveMetrics writes the risk metrics row, inserting on first use.
func (s *RiskStore) SaveMetrics(ctx context.Context, m *domain.RiskMetrics) error {
	m.UpdatedAt = time.Now().UTC()

	const query = `
		INSERT INTO risk_metrics (
			profile_id, environment, peak_balance, starting_balance,
			daily_loss, daily_reset_date, breaker_tripped, breaker_reason, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (profile_id, environment) DO UPDATE SET
			peak_balance     = EXCLUDED.peak_balance,
			starting_balance = EXCLUDED.starting_balance,
			daily_loss       = EXCLUDED.daily_loss,
			daily_reset_date = EXCLUDED.daily_reset_date,
			breaker_tripped  = EXCLUDED.breaker_tripped,
			breaker_reason   = EXCLUDED.breaker_reason,
			updated_at       = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		m.ProfileID, string(m.Environment), m.PeakBalance, m.StartingBalance,
		m.DailyLoss, m.DailyResetDate, m.BreakerTripped, m.BreakerReason, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save risk metrics %d/%s: %w", m.ProfileID, m.Environment, err)
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
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (profile_id, symbol) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			reason     = EXCLUDED.reason,
			created_at = EXCLUDED.created_at`

	_, err := s.pool.Exec(ctx, query,
		c.ProfileID, c.Symbol, c.ExpiresAt, c.Reason, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: set cooldown %d/%s: %w", c.ProfileID, c.Symbol, err)
	}
	return nil
}

// GetCooldown fetches the cooldown row for a profile and symbol.
func (s *RiskStore) GetCooldown(ctx context.Context, profileID int64, symbol string) (domain.Cooldown, error) {
	const query = `
		SELECT profile_id, symbol, expires_at, reason, created_at
		FROM cooldowns
		WHERE profile_id = $1 AND symbol = $2`

	var c domain.Cooldown
	err := s.pool.QueryRow(ctx, query, profileID, symbol).Scan(
		&c.ProfileID, &c.Symbol, &c.ExpiresAt, &c.Reason, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Cooldown{}, fmt.Errorf("postgres: cooldown %d/%s: %w", profileID, symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Cooldown{}, fmt.Errorf("postgres: get cooldown %d/%s: %w", profileID, symbol, err)
	}
	return c, nil
}

// ListCooldowns returns all cooldown rows for a profile.
func (s *RiskStore) ListCooldowns(ctx context.Context, profileID int64) ([]domain.Cooldown, error) {
	const query = `
		SELECT profile_id, symbol, expires_at, reason, created_at
		FROM cooldowns
		WHERE profile_id = $1 ORDER BY expires_at`

	rows, err := s.pool.Query(ctx, query, profileID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cooldowns: %w", err)
	}
	defer rows.Close()

	var cooldowns []domain.Cooldown
	for rows.Next() {
		var c domain.Cooldown
		if err := rows.Scan(&c.ProfileID, &c.Symbol, &c.ExpiresAt, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: list cooldowns: %w", err)
		}
		cooldowns = append(cooldowns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list cooldowns: %w", err)
	}
	return cooldowns, nil
}

// PurgeExpiredCooldowns deletes cooldowns that expired at or before now.
func (s *RiskStore) PurgeExpiredCooldowns(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cooldowns WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge cooldowns: %w", err)
	}
	return tag.RowsAffected(), nil
}
