package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// ProfileStore implements domain.ProfileStore using PostgreSQL.
type ProfileStore struct {
	pool *pgxpool.Pool
}

// NewProfileStore creates a new ProfileStore backed by the given connection pool.
func NewProfileStore(pool *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

const profileSelectCols = `id, name, environment, exchange, symbols, timeframes,
	active, created_at, updated_at`

func scanProfileRow(row pgx.Row) (domain.Profile, error) {
	var p domain.Profile
	var env, symbols, timeframes string

	err := row.Scan(
		&p.ID, &p.Name, &env, &p.Exchange, &symbols, &timeframes,
		&p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Profile{}, err
	}
	p.Environment = domain.Environment(env)
	p.Symbols = splitList(symbols)
	p.Timeframes = splitList(timeframes)
	return p, nil
}

// Upsert writes the profile row, keyed by the operator-assigned id. The
// created_at of an existing row is preserved.
func (s *ProfileStore) Upsert(ctx context.Context, p *domain.Profile) error {
	if p.ID <= 0 {
		return fmt.Errorf("postgres: profile id %d: %w", p.ID, domain.ErrInvalidParam)
	}

	const query = `
		INSERT INTO profiles (
			id, name, environment, exchange, symbols, timeframes, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name        = EXCLUDED.name,
			environment = EXCLUDED.environment,
			exchange    = EXCLUDED.exchange,
			symbols     = EXCLUDED.symbols,
			timeframes  = EXCLUDED.timeframes,
			active      = EXCLUDED.active,
			updated_at  = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Name, string(p.Environment), p.Exchange,
		joinList(p.Symbols), joinList(p.Timeframes), p.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert profile %d: %w", p.ID, err)
	}
	return nil
}

// GetByID fetches a single profile.
func (s *ProfileStore) GetByID(ctx context.Context, id int64) (domain.Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileSelectCols+` FROM profiles WHERE id = $1`, id)

	p, err := scanProfileRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Profile{}, fmt.Errorf("postgres: profile %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("postgres: get profile %d: %w", id, err)
	}
	return p, nil
}

// List returns all profiles ordered by id.
func (s *ProfileStore) List(ctx context.Context) ([]domain.Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileSelectCols+` FROM profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []domain.Profile
	for rows.Next() {
		p, err := scanProfileRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list profiles: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list profiles: %w", err)
	}
	return profiles, nil
}
