package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// OHLCVStore implements domain.OHLCVStore using PostgreSQL. Each slot's
// candle window is one JSONB row; the engine always reads and writes whole
// windows, so per-candle rows would only add churn.
type OHLCVStore struct {
	pool *pgxpool.Pool
}

// NewOHLCVStore creates a new OHLCVStore backed by the given connection pool.
func NewOHLCVStore(pool *pgxpool.Pool) *OHLCVStore {
	return &OHLCVStore{pool: pool}
}

// SaveCandles replaces the cached window for the slot.
func (s *OHLCVStore) SaveCandles(ctx context.Context, exchange, symbol, timeframe string, candles []domain.Candle) error {
	if exchange == "" || symbol == "" || timeframe == "" {
		return fmt.Errorf("postgres: save candles: empty slot identity: %w", domain.ErrInvalidParam)
	}

	blob, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("postgres: marshal candles %s %s %s: %w", exchange, symbol, timeframe, err)
	}

	const query = `
		INSERT INTO ohlcv_cache (exchange, symbol, timeframe, candles, last_used, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (exchange, symbol, timeframe) DO UPDATE SET
			candles    = EXCLUDED.candles,
			last_used  = NOW(),
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, exchange, symbol, timeframe, blob); err != nil {
		return fmt.Errorf("postgres: save candles %s %s %s: %w", exchange, symbol, timeframe, err)
	}
	return nil
}

// GetCandles returns up to limit most recent candles, oldest first, and
// touches the row's last-used time.
func (s *OHLCVStore) GetCandles(ctx context.Context, exchange, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	const query = `
		UPDATE ohlcv_cache SET last_used = NOW()
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
		RETURNING candles`

	var blob []byte
	err := s.pool.QueryRow(ctx, query, exchange, symbol, timeframe).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: candles %s %s %s: %w", exchange, symbol, timeframe, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get candles %s %s %s: %w", exchange, symbol, timeframe, err)
	}

	var candles []domain.Candle
	if err := json.Unmarshal(blob, &candles); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal candles %s %s %s: %w", exchange, symbol, timeframe, err)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// PurgeStale deletes windows not read since the cutoff.
func (s *OHLCVStore) PurgeStale(ctx context.Context, unusedSince time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ohlcv_cache WHERE last_used < $1`, unusedSince)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge candles: %w", err)
	}
	return tag.RowsAffected(), nil
}
