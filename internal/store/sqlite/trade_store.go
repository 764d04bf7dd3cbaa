package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// TradeStore implements domain.TradeStore using SQLite.
type TradeStore struct {
	db *sql.DB
}

// NewTradeStore creates a new TradeStore backed by the given client.
func NewTradeStore(c *Client) *TradeStore {
	return &TradeStore{db: c.db}
}

const tradeSelectCols = `id, profile_id, pos_key, exchange, symbol, timeframe,
	side, qty, entry_price, exit_price, pnl, fees, leverage, exit_reason,
	entry_time, exit_time, entry_confidence, feature_snapshot, created_at`

func scanTrade(row rowScanner) (domain.Trade, error) {
	var t domain.Trade
	var posKey, side, exitReason string
	var entryMs, exitMs, createdMs int64

	err := row.Scan(
		&t.ID, &t.ProfileID, &posKey, &t.Exchange, &t.Symbol, &t.Timeframe,
		&side, &t.Qty, &t.EntryPrice, &t.ExitPrice, &t.PnL, &t.Fees,
		&t.Leverage, &exitReason,
		&entryMs, &exitMs, &t.EntryConfidence, &t.FeatureSnapshot, &createdMs,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.PosKey = domain.PosKey(posKey)
	t.Side = domain.PositionSide(side)
	t.ExitReason = domain.ExitReason(exitReason)
	t.EntryTime = millisToTime(entryMs)
	t.ExitTime = millisToTime(exitMs)
	t.CreatedAt = millisToTime(createdMs)
	return t, nil
}

func scanTrades(rows *sql.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// insertTrade appends one ledger row. It runs against either the database
// handle or the Finalize transaction.
func insertTrade(ctx context.Context, q dbtx, t *domain.Trade) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO trades (
			profile_id, pos_key, exchange, symbol, timeframe,
			side, qty, entry_price, exit_price, pnl, fees, leverage, exit_reason,
			entry_time, exit_time, entry_confidence, feature_snapshot, created_at
		) VALUES (
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?
		) RETURNING id`

	err := q.QueryRowContext(ctx, query,
		t.ProfileID, string(t.PosKey), t.Exchange, t.Symbol, t.Timeframe,
		string(t.Side), t.Qty, t.EntryPrice, t.ExitPrice, t.PnL, t.Fees,
		t.Leverage, string(t.ExitReason),
		timeToMillis(t.EntryTime), timeToMillis(t.ExitTime),
		t.EntryConfidence, t.FeatureSnapshot, timeToMillis(t.CreatedAt),
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.PosKey, err)
	}
	return nil
}

// Insert appends a trade to the ledger.
func (s *TradeStore) Insert(ctx context.Context, trade *domain.Trade) error {
	if err := insertTrade(ctx, s.db, trade); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	return nil
}

// ListByProfile returns trades for a profile, newest exit first.
func (s *TradeStore) ListByProfile(ctx context.Context, profileID int64, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE profile_id = ?`
	args := []any{profileID}

	if opts.Since != nil {
		query += ` AND exit_time >= ?`
		args = append(args, opts.Since.UnixMilli())
	}
	if opts.Until != nil {
		query += ` AND exit_time <= ?`
		args = append(args, opts.Until.UnixMilli())
	}

	query += ` ORDER BY exit_time DESC`

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
		return nil, fmt.Errorf("sqlite: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades: %w", err)
	}
	return trades, nil
}

// SumPnLSince totals realized PnL for a profile from the given time. The
// sum runs in Go so the exact text decimals never pass through float math.
func (s *TradeStore) SumPnLSince(ctx context.Context, profileID int64, since time.Time) (decimal.Decimal, error) {
	const query = `SELECT pnl FROM trades WHERE profile_id = ? AND exit_time >= ?`

	rows, err := s.db.QueryContext(ctx, query, profileID, since.UnixMilli())
	if err != nil {
		return decimal.Zero, fmt.Errorf("sqlite: sum pnl: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var pnl decimal.Decimal
		if err := rows.Scan(&pnl); err != nil {
			return decimal.Zero, fmt.Errorf("sqlite: sum pnl: %w", err)
		}
		total = total.Add(pnl)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("sqlite: sum pnl: %w", err)
	}
	return total, nil
}

// DeleteBefore removes trades that exited before the cutoff. Callers run it
// only after the rows were archived.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trades WHERE exit_time < ?`, before.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete trades before %s: %w", before.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete trades before %s: %w", before.Format(time.RFC3339), err)
	}
	return n, nil
}

// ListBefore returns trades that exited before the cutoff, oldest first,
// for archival.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE exit_time < ? ORDER BY exit_time ASC`

	rows, err := s.db.QueryContext(ctx, query, before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades before %s: %w", before.Format(time.RFC3339), err)
	}
	return trades, nil
}
