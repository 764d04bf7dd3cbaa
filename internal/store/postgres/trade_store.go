package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, profile_id, pos_key, exchange, symbol, timeframe,
	side, qty, entry_price, exit_price, pnl, fees, leverage, exit_reason,
	entry_time, exit_time, entry_confidence, feature_snapshot, created_at`

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var posKey, side, exitReason string
		var entryTime, exitTime *time.Time

		if err := rows.Scan(
			&t.ID, &t.ProfileID, &posKey, &t.Exchange, &t.Symbol, &t.Timeframe,
			&side, &t.Qty, &t.EntryPrice, &t.ExitPrice, &t.PnL, &t.Fees,
			&t.Leverage, &exitReason,
			&entryTime, &exitTime, &t.EntryConfidence, &t.FeatureSnapshot, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		t.PosKey = domain.PosKey(posKey)
		t.Side = domain.PositionSide(side)
		t.ExitReason = domain.ExitReason(exitReason)
		t.EntryTime = timeVal(entryTime)
		t.ExitTime = timeVal(exitTime)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// insertTrade appends one ledger row. It runs against either the pool or
// the Finalize transaction.
func insertTrade(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, t *domain.Trade) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO trades (
			profile_id, pos_key, exchange, symbol, timeframe,
			side, qty, entry_price, exit_price, pnl, fees, leverage, exit_reason,
			entry_time, exit_time, entry_confidence, feature_snapshot, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18
		) RETURNING id`

	err := q.QueryRow(ctx, query,
		t.ProfileID, string(t.PosKey), t.Exchange, t.Symbol, t.Timeframe,
		string(t.Side), t.Qty, t.EntryPrice, t.ExitPrice, t.PnL, t.Fees,
		t.Leverage, string(t.ExitReason),
		timePtr(t.EntryTime), timePtr(t.ExitTime),
		t.EntryConfidence, t.FeatureSnapshot, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.PosKey, err)
	}
	return nil
}

// Insert appends a trade to the ledger.
func (s *TradeStore) Insert(ctx context.Context, trade *domain.Trade) error {
	if err := insertTrade(ctx, s.pool, trade); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// ListByProfile returns trades for a profile, newest exit first.
func (s *TradeStore) ListByProfile(ctx context.Context, profileID int64, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE profile_id = $1`
	args := []any{profileID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND exit_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND exit_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY exit_time DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	return trades, nil
}

// SumPnLSince totals realized PnL for a profile from the given time.
func (s *TradeStore) SumPnLSince(ctx context.Context, profileID int64, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(pnl), 0) FROM trades WHERE profile_id = $1 AND exit_time >= $2`,
		profileID, since,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum pnl: %w", err)
	}
	return total, nil
}

// ListBefore returns trades that exited before the cutoff, oldest first,
// for archival.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE exit_time < $1 ORDER BY exit_time ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	return trades, nil
}

// DeleteBefore removes trades that exited before the cutoff. Callers run it
// only after the rows were archived.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE exit_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}
