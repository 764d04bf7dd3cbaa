package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists Position records and enforces the single-open-row
// invariant per (profile_id, pos_key). All writes are durable before the
// call returns.
type PositionStore interface {
	// UpsertActive inserts a new open position or updates the row identified
	// by pos.ID. It fails with ErrConflictActiveExists when a different open
	// row already holds the same (profile_id, pos_key).
	UpsertActive(ctx context.Context, pos *Position) error

	// Update rewrites the mutable fields of an existing row. Callers must
	// hold the position's symbol lock.
	Update(ctx context.Context, pos *Position) error

	// MarkActive upgrades a PENDING row on entry fill.
	MarkActive(ctx context.Context, id int64, fillPrice, fillQty decimal.Decimal, filledAt time.Time) error

	// Finalize atomically moves the row to CLOSED or CANCELLED and, when a
	// trade is supplied, appends it to the ledger in the same transaction.
	Finalize(ctx context.Context, id int64, status PositionStatus, trade *Trade) error

	// MarkWaitingSync parks a row whose venue position vanished without a
	// verified closing fill.
	MarkWaitingSync(ctx context.Context, id int64, reason string) error

	// ClearWaitingSync returns a WAITING_SYNC row to ACTIVE after the venue
	// position reappeared.
	ClearWaitingSync(ctx context.Context, id int64) error

	GetByID(ctx context.Context, id int64) (Position, error)
	GetActive(ctx context.Context, profileID int64, key PosKey) (Position, error)
	ListActive(ctx context.Context, profileID int64) ([]Position, error)
	ListAllActive(ctx context.Context) ([]Position, error)
	ListWaitingSync(ctx context.Context, profileID int64) ([]Position, error)
	ListHistory(ctx context.Context, profileID int64, opts ListOpts) ([]Position, error)
}

// TradeStore persists the append-only trade ledger.
type TradeStore interface {
	Insert(ctx context.Context, trade *Trade) error
	ListByProfile(ctx context.Context, profileID int64, opts ListOpts) ([]Trade, error)
	// SumPnLSince totals realized PnL for a profile from the given time.
	SumPnLSince(ctx context.Context, profileID int64, since time.Time) (decimal.Decimal, error)
	// ListBefore returns trades older than the cutoff, for archival.
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
	// DeleteBefore removes trades older than the cutoff once archived.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ProfileStore persists trading profiles declared in configuration.
type ProfileStore interface {
	Upsert(ctx context.Context, p *Profile) error
	GetByID(ctx context.Context, id int64) (Profile, error)
	List(ctx context.Context) ([]Profile, error)
}

// RiskStore persists risk metrics and symbol cooldowns.
type RiskStore interface {
	GetMetrics(ctx context.Context, profileID int64, env Environment) (RiskMetrics, error)
	SaveMetrics(ctx context.Context, m *RiskMetrics) error

	SetCooldown(ctx context.Context, c *Cooldown) error
	GetCooldown(ctx context.Context, profileID int64, symbol string) (Cooldown, error)
	ListCooldowns(ctx context.Context, profileID int64) ([]Cooldown, error)
	PurgeExpiredCooldowns(ctx context.Context, now time.Time) (int64, error)
}

// OHLCVStore caches recent candles per slot so ATR-based protective logic
// and the dry-run simulator never block on venue round-trips.
type OHLCVStore interface {
	SaveCandles(ctx context.Context, exchange, symbol, timeframe string, candles []Candle) error
	// GetCandles returns up to limit most recent candles, oldest first, and
	// touches the cache row's last-used time.
	GetCandles(ctx context.Context, exchange, symbol, timeframe string, limit int) ([]Candle, error)
	PurgeStale(ctx context.Context, unusedSince time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of operator actions and
// archival events.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
