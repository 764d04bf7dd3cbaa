package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// ProfileStore implements domain.ProfileStore using SQLite.
type ProfileStore struct {
	db *sql.DB
}

// NewProfileStore creates a new ProfileStore backed by the given client.
func NewProfileStore(c *Client) *ProfileStore {
	return &ProfileStore{db: c.db}
}

const profileSelectCols = `id, name, environment, exchange, symbols, timeframes,
	active, created_at, updated_at`

func scanProfile(row rowScanner) (domain.Profile, error) {
	var p domain.Profile
	var env, symbols, timeframes string
	var createdMs, updatedMs int64

	err := row.Scan(
		&p.ID, &p.Name, &env, &p.Exchange, &symbols, &timeframes,
		&p.Active, &createdMs, &updatedMs,
	)
	if err != nil {
		return domain.Profile{}, err
	}
	p.Environment = domain.Environment(env)
	p.Symbols = splitList(symbols)
	p.Timeframes = splitList(timeframes)
	p.CreatedAt = millisToTime(createdMs)
	p.UpdatedAt = millisToTime(updatedMs)
	return p, nil
}

// Upsert writes the profile row, keyed by the operator-assigned id. The
// created_at of an existing row is preserved.
func (s *ProfileStore) Upsert(ctx context.Context, p *domain.Profile) error {
	if p.ID <= 0 {
		return fmt.Errorf("sqlite: profile id %d: %w", p.ID, domain.ErrInvalidParam)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	const query = `
		INSERT INTO profiles (
			id, name, environment, exchange, symbols, timeframes,
			active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name        = excluded.name,
			environment = excluded.environment,
			exchange    = excluded.exchange,
			symbols     = excluded.symbols,
			timeframes  = excluded.timeframes,
			active      = excluded.active,
			updated_at  = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, string(p.Environment), p.Exchange,
		joinList(p.Symbols), joinList(p.Timeframes),
		p.Active, timeToMillis(p.CreatedAt), timeToMillis(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert profile %d: %w", p.ID, err)
	}
	return nil
}

// GetByID fetches a single profile.
func (s *ProfileStore) GetByID(ctx context.Context, id int64) (domain.Profile, error) {
	query := `SELECT ` + profileSelectCols + ` FROM profiles WHERE id = ?`

	p, err := scanProfile(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, fmt.Errorf("sqlite: profile %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("sqlite: get profile %d: %w", id, err)
	}
	return p, nil
}

// List returns all profiles ordered by id.
func (s *ProfileStore) List(ctx context.Context) ([]domain.Profile, error) {
	query := `SELECT ` + profileSelectCols + ` FROM profiles ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list profiles: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list profiles: %w", err)
	}
	return profiles, nil
}
