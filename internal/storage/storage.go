package storage

import (
	"context"
	"errors"
	"time"
)

// Download statuses recorded in the ledger.
const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusExpired  = "expired"
)

// ErrNotFound is returned when no record exists for a source.
var ErrNotFound = errors.New("download record not found")

// DownloadRecord is the ledger entry of the last fetch for a source.
type DownloadRecord struct {
	Source       string
	CacheKey     string
	FilePath     string
	Status       string
	Reason       string
	DownloadedAt time.Time
}

type DownloadReadRepository interface {
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	GetDownload(ctx context.Context, source string) (DownloadRecord, error)
	GetExpiredDownloads(ctx context.Context, before time.Time) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	// TrackDownload inserts or replaces the record for rec.Source.
	TrackDownload(ctx context.Context, rec DownloadRecord) error
	UpdateDownloadStatus(ctx context.Context, source, status string) error
	DeleteDownloads(ctx context.Context) (int, error)
}

// DownloadRepository is the full ledger.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
