package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultArchiveInterval is how often the background loop looks for cold
// ledger rows. Archival is cheap when there is nothing to move.
const DefaultArchiveInterval = 24 * time.Hour

// TradeArchiveStore provides the ledger reads and prunes the archiver needs.
// Satisfied by domain.TradeStore.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ProfileLister enumerates profiles for the risk snapshot. Satisfied by
// domain.ProfileStore.
type ProfileLister interface {
	List(ctx context.Context) ([]domain.Profile, error)
}

// RiskMetricsReader reads one profile's risk row. Satisfied by
// domain.RiskStore.
type RiskMetricsReader interface {
	GetMetrics(ctx context.Context, profileID int64, env domain.Environment) (domain.RiskMetrics, error)
}

// Archiver implements domain.Archiver: closed trades older than a cutoff and
// a snapshot of every profile's risk metrics move to object storage as
// JSONL. Exported ledger rows are pruned locally once the upload succeeds,
// so the hot store stays small without losing history.
type Archiver struct {
	writer   domain.BlobWriter
	trades   TradeArchiveStore
	profiles ProfileLister
	risk     RiskMetricsReader
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewArchiver creates an Archiver over the given stores and blob writer.
func NewArchiver(
	writer domain.BlobWriter,
	trades TradeArchiveStore,
	profiles ProfileLister,
	risk RiskMetricsReader,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:   writer,
		trades:   trades,
		profiles: profiles,
		risk:     risk,
		audit:    audit,
		logger:   logger,
	}
}

// ArchiveTrades uploads all ledger rows before the cutoff as JSONL at
// archive/trades/YYYY-MM.jsonl (partitioned by the cutoff month), then
// prunes the uploaded rows. Returns the number archived. A prune failure
// leaves the rows local; the next run re-uploads the same file, which is
// harmless because the content is a superset written to the same key.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	count := int64(len(trades))

	pruned, err := a.trades.DeleteBefore(ctx, before)
	if err != nil {
		return count, fmt.Errorf("s3blob: prune archived trades: %w", err)
	}

	a.logger.Info("trade ledger archived",
		slog.String("path", path),
		slog.Int64("archived", count),
		slog.Int64("pruned", pruned),
	)

	if err := a.audit.Log(ctx, "archive.trades", map[string]any{
		"path":   path,
		"count":  count,
		"pruned": pruned,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive trades audit log: %w", err)
	}

	return count, nil
}

// ArchiveRiskSnapshot uploads the current risk metrics of every profile as
// JSONL at archive/risk/YYYY-MM-DD.jsonl. Profiles that never traded have
// no metrics row and are skipped. Returns the number of profiles captured.
func (a *Archiver) ArchiveRiskSnapshot(ctx context.Context) (int64, error) {
	profiles, err := a.profiles.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("s3blob: risk snapshot profiles: %w", err)
	}

	var rows []domain.RiskMetrics
	for i := range profiles {
		p := &profiles[i]
		m, err := a.risk.GetMetrics(ctx, p.ID, p.Environment)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return 0, fmt.Errorf("s3blob: risk snapshot profile %d: %w", p.ID, err)
		}
		rows = append(rows, m)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: risk snapshot marshal: %w", err)
	}

	now := time.Now().UTC()
	path := fmt.Sprintf("archive/risk/%s.jsonl", now.Format("2006-01-02"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: risk snapshot upload: %w", err)
	}

	count := int64(len(rows))

	if err := a.audit.Log(ctx, "archive.risk_snapshot", map[string]any{
		"path":  path,
		"count": count,
	}); err != nil {
		return count, fmt.Errorf("s3blob: risk snapshot audit log: %w", err)
	}

	return count, nil
}

// Run archives on a fixed interval until the context ends. Each cycle moves
// rows older than the first instant of the current month and refreshes the
// daily risk snapshot. Failures are logged and retried next cycle.
func (a *Archiver) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = DefaultArchiveInterval
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	a.logger.Info("archiver started", slog.Duration("interval", every))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now().UTC()
			cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

			if _, err := a.ArchiveTrades(ctx, cutoff); err != nil {
				a.logger.Warn("trade archival failed", slog.String("error", err.Error()))
			}
			if _, err := a.ArchiveRiskSnapshot(ctx); err != nil {
				a.logger.Warn("risk snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/trades/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
