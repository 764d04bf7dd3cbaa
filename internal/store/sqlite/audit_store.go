package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// AuditStore implements domain.AuditStore using SQLite.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates a new AuditStore backed by the given client.
func NewAuditStore(c *Client) *AuditStore {
	return &AuditStore{db: c.db}
}

// Log appends one audit row.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	if event == "" {
		return fmt.Errorf("sqlite: audit log: empty event: %w", domain.ErrInvalidParam)
	}

	blob := []byte("{}")
	if len(detail) > 0 {
		var err error
		if blob, err = json.Marshal(detail); err != nil {
			return fmt.Errorf("sqlite: marshal audit detail for %s: %w", event, err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(blob), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: audit log %s: %w", event, err)
	}
	return nil
}

// List returns audit rows, newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any

	if opts.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, opts.Since.UnixMilli())
	}
	if opts.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, opts.Until.UnixMilli())
	}

	query += ` ORDER BY id DESC`

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit log: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detail string
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.Event, &detail, &createdMs); err != nil {
			return nil, fmt.Errorf("sqlite: list audit log: %w", err)
		}
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail %d: %w", e.ID, err)
			}
		}
		e.CreatedAt = millisToTime(createdMs)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit log: %w", err)
	}
	return entries, nil
}
