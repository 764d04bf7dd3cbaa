package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, profile_id, pos_key, exchange, symbol, timeframe,
	side, qty, entry_price, sl_price, tp_price, leverage, margin_mode, entry_type,
	status, entry_order_id, client_order_id, sl_order_id, tp_order_id,
	profit_locked, tp_extended, sl_tightened, sl_move_count,
	entry_confidence, entry_score, feature_snapshot, config_version,
	original_sl, original_tp, waiting_sync_reason, adopted,
	entry_time, created_at, updated_at`

// openStatuses is the set of statuses that occupy a slot key.
const openStatuses = `('PENDING', 'ACTIVE', 'WAITING_SYNC')`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var posKey, side, marginMode, entryType, status string
	var entryTime *time.Time

	err := row.Scan(
		&p.ID, &p.ProfileID, &posKey, &p.Exchange, &p.Symbol, &p.Timeframe,
		&side, &p.Qty, &p.EntryPrice, &p.SLPrice, &p.TPPrice,
		&p.Leverage, &marginMode, &entryType,
		&status, &p.EntryOrderID, &p.ClientOrderID, &p.SLOrderID, &p.TPOrderID,
		&p.ProfitLocked, &p.TPExtended, &p.SLTightened, &p.SLMoveCount,
		&p.EntryConfidence, &p.EntryScore, &p.FeatureSnapshot, &p.ConfigVersion,
		&p.OriginalSL, &p.OriginalTP, &p.WaitingSyncReason, &p.Adopted,
		&entryTime, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.PosKey = domain.PosKey(posKey)
	p.Side = domain.PositionSide(side)
	p.MarginMode = domain.MarginMode(marginMode)
	p.EntryType = domain.EntryType(entryType)
	p.Status = domain.PositionStatus(status)
	p.EntryTime = timeVal(entryTime)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpsertActive inserts a new open position, or rewrites the row identified
// by pos.ID. A different open row on the same (profile_id, pos_key) makes
// the insert fail with domain.ErrConflictActiveExists.
func (s *PositionStore) UpsertActive(ctx context.Context, pos *domain.Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	if pos.ID != 0 {
		return s.Update(ctx, pos)
	}

	if pos.Status == "" {
		pos.Status = domain.PositionPending
	}
	now := time.Now().UTC()
	pos.CreatedAt = now
	pos.UpdatedAt = now

	const query = `
		INSERT INTO positions (
			profile_id, pos_key, exchange, symbol, timeframe,
			side, qty, entry_price, sl_price, tp_price, leverage, margin_mode, entry_type,
			status, entry_order_id, client_order_id, sl_order_id, tp_order_id,
			profit_locked, tp_extended, sl_tightened, sl_move_count,
			entry_confidence, entry_score, feature_snapshot, config_version,
			original_sl, original_tp, waiting_sync_reason, adopted,
			entry_time, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22,
			$23, $24, $25, $26,
			$27, $28, $29, $30,
			$31, $32, $33
		) RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		pos.ProfileID, string(pos.PosKey), pos.Exchange, pos.Symbol, pos.Timeframe,
		string(pos.Side), pos.Qty, pos.EntryPrice, pos.SLPrice, pos.TPPrice,
		pos.Leverage, string(pos.MarginMode), string(pos.EntryType),
		string(pos.Status), pos.EntryOrderID, pos.ClientOrderID, pos.SLOrderID, pos.TPOrderID,
		pos.ProfitLocked, pos.TPExtended, pos.SLTightened, pos.SLMoveCount,
		pos.EntryConfidence, pos.EntryScore, pos.FeatureSnapshot, pos.ConfigVersion,
		pos.OriginalSL, pos.OriginalTP, pos.WaitingSyncReason, pos.Adopted,
		timePtr(pos.EntryTime), pos.CreatedAt, pos.UpdatedAt,
	).Scan(&pos.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: insert position %s: %w", pos.PosKey, domain.ErrConflictActiveExists)
		}
		return fmt.Errorf("postgres: insert position %s: %w", pos.PosKey, err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing row. Status transitions
// go through MarkActive, Finalize, and the waiting-sync methods instead.
func (s *PositionStore) Update(ctx context.Context, pos *domain.Position) error {
	pos.UpdatedAt = time.Now().UTC()

	const query = `
		UPDATE positions SET
			qty              = $2,
			entry_price      = $3,
			sl_price         = $4,
			tp_price         = $5,
			leverage         = $6,
			margin_mode      = $7,
			entry_type       = $8,
			entry_order_id   = $9,
			client_order_id  = $10,
			sl_order_id      = $11,
			tp_order_id      = $12,
			profit_locked    = $13,
			tp_extended      = $14,
			sl_tightened     = $15,
			sl_move_count    = $16,
			entry_confidence = $17,
			entry_score      = $18,
			feature_snapshot = $19,
			config_version   = $20,
			original_sl      = $21,
			original_tp      = $22,
			adopted          = $23,
			entry_time       = $24,
			updated_at       = $25
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		pos.ID,
		pos.Qty, pos.EntryPrice, pos.SLPrice, pos.TPPrice,
		pos.Leverage, string(pos.MarginMode), string(pos.EntryType),
		pos.EntryOrderID, pos.ClientOrderID, pos.SLOrderID, pos.TPOrderID,
		pos.ProfitLocked, pos.TPExtended, pos.SLTightened, pos.SLMoveCount,
		pos.EntryConfidence, pos.EntryScore, pos.FeatureSnapshot, pos.ConfigVersion,
		pos.OriginalSL, pos.OriginalTP, pos.Adopted,
		timePtr(pos.EntryTime), pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %d: %w", pos.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %d: %w", pos.ID, domain.ErrNotFound)
	}
	return nil
}

// MarkActive upgrades a PENDING row on entry fill.
func (s *PositionStore) MarkActive(ctx context.Context, id int64, fillPrice, fillQty decimal.Decimal, filledAt time.Time) error {
	const query = `
		UPDATE positions SET
			status      = 'ACTIVE',
			entry_price = $2,
			qty         = $3,
			entry_time  = $4,
			updated_at  = NOW()
		WHERE id = $1 AND status = 'PENDING'`

	tag, err := s.pool.Exec(ctx, query, id, fillPrice, fillQty, filledAt)
	if err != nil {
		return fmt.Errorf("postgres: mark position %d active: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark position %d active: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Finalize atomically moves the row to a terminal status and, when a trade
// is supplied, appends it to the ledger in the same transaction.
func (s *PositionStore) Finalize(ctx context.Context, id int64, status domain.PositionStatus, trade *domain.Trade) error {
	if !status.Terminal() {
		return fmt.Errorf("postgres: finalize position %d to %s: %w", id, status, domain.ErrInvalidParam)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: finalize position %d: begin: %w", id, err)
	}
	defer tx.Rollback(ctx)

	const query = `
		UPDATE positions SET
			status              = $2,
			waiting_sync_reason = '',
			updated_at          = NOW()
		WHERE id = $1 AND status IN ` + openStatuses

	tag, err := tx.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: finalize position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: finalize position %d: %w", id, domain.ErrNotFound)
	}

	if trade != nil {
		if err := insertTrade(ctx, tx, trade); err != nil {
			return fmt.Errorf("postgres: finalize position %d: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: finalize position %d: commit: %w", id, err)
	}
	return nil
}

// MarkWaitingSync parks an ACTIVE row whose venue position vanished without
// a verified closing fill.
func (s *PositionStore) MarkWaitingSync(ctx context.Context, id int64, reason string) error {
	const query = `
		UPDATE positions SET
			status              = 'WAITING_SYNC',
			waiting_sync_reason = $2,
			updated_at          = NOW()
		WHERE id = $1 AND status = 'ACTIVE'`

	tag, err := s.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("postgres: mark position %d waiting sync: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark position %d waiting sync: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ClearWaitingSync returns a WAITING_SYNC row to ACTIVE.
func (s *PositionStore) ClearWaitingSync(ctx context.Context, id int64) error {
	const query = `
		UPDATE positions SET
			status              = 'ACTIVE',
			waiting_sync_reason = '',
			updated_at          = NOW()
		WHERE id = $1 AND status = 'WAITING_SYNC'`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: clear position %d waiting sync: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: clear position %d waiting sync: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID fetches a single position by primary key.
func (s *PositionStore) GetByID(ctx context.Context, id int64) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// GetActive returns the open row occupying the given slot key.
func (s *PositionStore) GetActive(ctx context.Context, profileID int64, key domain.PosKey) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE profile_id = $1 AND pos_key = $2 AND status IN `+openStatuses,
		profileID, string(key))

	p, err := scanPositionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: active position %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get active position %s: %w", key, err)
	}
	return p, nil
}

// ListActive returns all open rows for a profile.
func (s *PositionStore) ListActive(ctx context.Context, profileID int64) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE profile_id = $1 AND status IN `+openStatuses+` ORDER BY id`, profileID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	return positions, nil
}

// ListAllActive returns open rows across every profile, for startup
// reconciliation.
func (s *PositionStore) ListAllActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN `+openStatuses+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list all active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list all active positions: %w", err)
	}
	return positions, nil
}

// ListWaitingSync returns parked rows for a profile.
func (s *PositionStore) ListWaitingSync(ctx context.Context, profileID int64) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE profile_id = $1 AND status = 'WAITING_SYNC' ORDER BY id`, profileID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list waiting sync positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list waiting sync positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns terminal rows for a profile, newest first.
func (s *PositionStore) ListHistory(ctx context.Context, profileID int64, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE profile_id = $1 AND status IN ('CLOSED', 'CANCELLED')`
	args := []any{profileID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY updated_at DESC"

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
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	return positions, nil
}
