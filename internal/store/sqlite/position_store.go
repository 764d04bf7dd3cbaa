package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionStore implements domain.PositionStore using SQLite.
type PositionStore struct {
	db *sql.DB
}

// NewPositionStore creates a new PositionStore backed by the given client.
func NewPositionStore(c *Client) *PositionStore {
	return &PositionStore{db: c.db}
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

func scanPosition(row rowScanner) (domain.Position, error) {
	var p domain.Position
	var posKey, side, marginMode, entryType, status string
	var entryMs, createdMs, updatedMs int64

	err := row.Scan(
		&p.ID, &p.ProfileID, &posKey, &p.Exchange, &p.Symbol, &p.Timeframe,
		&side, &p.Qty, &p.EntryPrice, &p.SLPrice, &p.TPPrice,
		&p.Leverage, &marginMode, &entryType,
		&status, &p.EntryOrderID, &p.ClientOrderID, &p.SLOrderID, &p.TPOrderID,
		&p.ProfitLocked, &p.TPExtended, &p.SLTightened, &p.SLMoveCount,
		&p.EntryConfidence, &p.EntryScore, &p.FeatureSnapshot, &p.ConfigVersion,
		&p.OriginalSL, &p.OriginalTP, &p.WaitingSyncReason, &p.Adopted,
		&entryMs, &createdMs, &updatedMs,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.PosKey = domain.PosKey(posKey)
	p.Side = domain.PositionSide(side)
	p.MarginMode = domain.MarginMode(marginMode)
	p.EntryType = domain.EntryType(entryType)
	p.Status = domain.PositionStatus(status)
	p.EntryTime = millisToTime(entryMs)
	p.CreatedAt = millisToTime(createdMs)
	p.UpdatedAt = millisToTime(updatedMs)
	return p, nil
}

func scanPositions(rows *sql.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
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
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?
		) RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		pos.ProfileID, string(pos.PosKey), pos.Exchange, pos.Symbol, pos.Timeframe,
		string(pos.Side), pos.Qty, pos.EntryPrice, pos.SLPrice, pos.TPPrice,
		pos.Leverage, string(pos.MarginMode), string(pos.EntryType),
		string(pos.Status), pos.EntryOrderID, pos.ClientOrderID, pos.SLOrderID, pos.TPOrderID,
		pos.ProfitLocked, pos.TPExtended, pos.SLTightened, pos.SLMoveCount,
		pos.EntryConfidence, pos.EntryScore, pos.FeatureSnapshot, pos.ConfigVersion,
		pos.OriginalSL, pos.OriginalTP, pos.WaitingSyncReason, pos.Adopted,
		timeToMillis(pos.EntryTime), timeToMillis(pos.CreatedAt), timeToMillis(pos.UpdatedAt),
	).Scan(&pos.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: insert position %s: %w", pos.PosKey, domain.ErrConflictActiveExists)
		}
		return fmt.Errorf("sqlite: insert position %s: %w", pos.PosKey, err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing row. Status transitions
// go through MarkActive, Finalize, and the waiting-sync methods instead.
func (s *PositionStore) Update(ctx context.Context, pos *domain.Position) error {
	pos.UpdatedAt = time.Now().UTC()

	const query = `
		UPDATE positions SET
			qty              = ?,
			entry_price      = ?,
			sl_price         = ?,
			tp_price         = ?,
			leverage         = ?,
			margin_mode      = ?,
			entry_type       = ?,
			entry_order_id   = ?,
			client_order_id  = ?,
			sl_order_id      = ?,
			tp_order_id      = ?,
			profit_locked    = ?,
			tp_extended      = ?,
			sl_tightened     = ?,
			sl_move_count    = ?,
			entry_confidence = ?,
			entry_score      = ?,
			feature_snapshot = ?,
			config_version   = ?,
			original_sl      = ?,
			original_tp      = ?,
			adopted          = ?,
			entry_time       = ?,
			updated_at       = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		pos.Qty, pos.EntryPrice, pos.SLPrice, pos.TPPrice,
		pos.Leverage, string(pos.MarginMode), string(pos.EntryType),
		pos.EntryOrderID, pos.ClientOrderID, pos.SLOrderID, pos.TPOrderID,
		pos.ProfitLocked, pos.TPExtended, pos.SLTightened, pos.SLMoveCount,
		pos.EntryConfidence, pos.EntryScore, pos.FeatureSnapshot, pos.ConfigVersion,
		pos.OriginalSL, pos.OriginalTP, pos.Adopted,
		timeToMillis(pos.EntryTime), timeToMillis(pos.UpdatedAt),
		pos.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update position %d: %w", pos.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: update position %d: %w", pos.ID, domain.ErrNotFound)
	}
	return nil
}

// MarkActive upgrades a PENDING row on entry fill.
func (s *PositionStore) MarkActive(ctx context.Context, id int64, fillPrice, fillQty decimal.Decimal, filledAt time.Time) error {
	const query = `
		UPDATE positions SET
			status      = 'ACTIVE',
			entry_price = ?,
			qty         = ?,
			entry_time  = ?,
			updated_at  = ?
		WHERE id = ? AND status = 'PENDING'`

	res, err := s.db.ExecContext(ctx, query,
		fillPrice, fillQty, timeToMillis(filledAt), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark position %d active: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: mark position %d active: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Finalize atomically moves the row to a terminal status and, when a trade
// is supplied, appends it to the ledger in the same transaction.
func (s *PositionStore) Finalize(ctx context.Context, id int64, status domain.PositionStatus, trade *domain.Trade) error {
	if !status.Terminal() {
		return fmt.Errorf("sqlite: finalize position %d to %s: %w", id, status, domain.ErrInvalidParam)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: finalize position %d: begin: %w", id, err)
	}
	defer tx.Rollback()

	const query = `
		UPDATE positions SET
			status              = ?,
			waiting_sync_reason = '',
			updated_at          = ?
		WHERE id = ? AND status IN ` + openStatuses

	res, err := tx.ExecContext(ctx, query, string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sqlite: finalize position %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: finalize position %d: %w", id, domain.ErrNotFound)
	}

	if trade != nil {
		if err := insertTrade(ctx, tx, trade); err != nil {
			return fmt.Errorf("sqlite: finalize position %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: finalize position %d: commit: %w", id, err)
	}
	return nil
}

// MarkWaitingSync parks an ACTIVE row whose venue position vanished without
// a verified closing fill.
func (s *PositionStore) MarkWaitingSync(ctx context.Context, id int64, reason string) error {
	const query = `
		UPDATE positions SET
			status              = 'WAITING_SYNC',
			waiting_sync_reason = ?,
			updated_at          = ?
		WHERE id = ? AND status = 'ACTIVE'`

	res, err := s.db.ExecContext(ctx, query, reason, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sqlite: mark position %d waiting sync: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: mark position %d waiting sync: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ClearWaitingSync returns a WAITING_SYNC row to ACTIVE.
func (s *PositionStore) ClearWaitingSync(ctx context.Context, id int64) error {
	const query = `
		UPDATE positions SET
			status              = 'ACTIVE',
			waiting_sync_reason = '',
			updated_at          = ?
		WHERE id = ? AND status = 'WAITING_SYNC'`

	res, err := s.db.ExecContext(ctx, query, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sqlite: clear position %d waiting sync: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: clear position %d waiting sync: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID fetches a single position by primary key.
func (s *PositionStore) GetByID(ctx context.Context, id int64) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = ?`

	p, err := scanPosition(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("sqlite: position %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position %d: %w", id, err)
	}
	return p, nil
}

// GetActive returns the open row occupying the given slot key.
func (s *PositionStore) GetActive(ctx context.Context, profileID int64, key domain.PosKey) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE profile_id = ? AND pos_key = ? AND status IN ` + openStatuses

	p, err := scanPosition(s.db.QueryRowContext(ctx, query, profileID, string(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("sqlite: active position %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get active position %s: %w", key, err)
	}
	return p, nil
}

// ListActive returns all open rows for a profile.
func (s *PositionStore) ListActive(ctx context.Context, profileID int64) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE profile_id = ? AND status IN ` + openStatuses + ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, profileID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active positions: %w", err)
	}
	return positions, nil
}

// ListAllActive returns open rows across every profile, for startup
// reconciliation.
func (s *PositionStore) ListAllActive(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status IN ` + openStatuses + ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list all active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list all active positions: %w", err)
	}
	return positions, nil
}

// ListWaitingSync returns parked rows for a profile.
func (s *PositionStore) ListWaitingSync(ctx context.Context, profileID int64) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE profile_id = ? AND status = 'WAITING_SYNC' ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, profileID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list waiting sync positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list waiting sync positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns terminal rows for a profile, newest first.
func (s *PositionStore) ListHistory(ctx context.Context, profileID int64, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE profile_id = ? AND status IN ('CLOSED', 'CANCELLED')`
	args := []any{profileID}

	if opts.Since != nil {
		query += ` AND updated_at >= ?`
		args = append(args, opts.Since.UnixMilli())
	}
	if opts.Until != nil {
		query += ` AND updated_at <= ?`
		args = append(args, opts.Until.UnixMilli())
	}

	query += ` ORDER BY updated_at DESC`

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
		return nil, fmt.Errorf("sqlite: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list position history: %w", err)
	}
	return positions, nil
}
