package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver exports cold engine state to object storage.
type Archiver interface {
	// ArchiveTrades uploads all ledger rows before the cutoff as JSONL and
	// returns the number archived.
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)
	// ArchiveRiskSnapshot uploads the current risk metrics of every profile.
	ArchiveRiskSnapshot(ctx context.Context) (int64, error)
}
