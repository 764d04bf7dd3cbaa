package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// OHLCVStore implements domain.OHLCVStore using SQLite. Each slot's candle
// window is one row holding a JSON blob; the engine always reads and writes
// whole windows, so per-candle rows would only add churn.
type OHLCVStore struct {
	db *sql.DB
}

// NewOHLCVStore creates a new OHLCVStore backed by the given client.
func NewOHLCVStore(c *Client) *OHLCVStore {
	return &OHLCVStore{db: c.db}
}

// SaveCandles replaces the cached window for the slot.
func (s *OHLCVStore) SaveCandles(ctx context.Context, exchange, symbol, timeframe string, candles []domain.Candle) error {
	if exchange == "" || symbol == "" || timeframe == "" {
		return fmt.Errorf("sqlite: save candles: empty slot identity: %w", domain.ErrInvalidParam)
	}

	blob, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("sqlite: marshal candles %s %s %s: %w", exchange, symbol, timeframe, err)
	}
	now := time.Now().UnixMilli()

	const query = `
		INSERT INTO ohlcv_cache (exchange, symbol, timeframe, candles, last_used, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, symbol, timeframe) DO UPDATE SET
			candles    = excluded.candles,
			last_used  = excluded.last_used,
			updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, exchange, symbol, timeframe, blob, now, now); err != nil {
		return fmt.Errorf("sqlite: save candles %s %s %s: %w", exchange, symbol, timeframe, err)
	}
	return nil
}

// GetCandles returns up to limit most recent candles, oldest first, and
// touches the row's last-used time.
func (s *OHLCVStore) GetCandles(ctx context.Context, exchange, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	const query = `
		SELECT candles FROM ohlcv_cache
		WHERE exchange = ? AND symbol = ? AND timeframe = ?`

	var blob []byte
	err := s.db.QueryRowContext(ctx, query, exchange, symbol, timeframe).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: candles %s %s %s: %w", exchange, symbol, timeframe, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get candles %s %s %s: %w", exchange, symbol, timeframe, err)
	}

	var candles []domain.Candle
	if err := json.Unmarshal(blob, &candles); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal candles %s %s %s: %w", exchange, symbol, timeframe, err)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	const touch = `
		UPDATE ohlcv_cache SET last_used = ?
		WHERE exchange = ? AND symbol = ? AND timeframe = ?`
	if _, err := s.db.ExecContext(ctx, touch, time.Now().UnixMilli(), exchange, symbol, timeframe); err != nil {
		return nil, fmt.Errorf("sqlite: touch candles %s %s %s: %w", exchange, symbol, timeframe, err)
	}
	return candles, nil
}

// PurgeStale deletes windows not read since the cutoff.
func (s *OHLCVStore) PurgeStale(ctx context.Context, unusedSince time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ohlcv_cache WHERE last_used < ?`, unusedSince.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge candles: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge candles: %w", err)
	}
	return n, nil
}
