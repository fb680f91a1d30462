package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/ambiance/internal/storage"
	"github.com/italolelis/ambiance/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownloads(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetDownload retrieves the record of one source with telemetry.
func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, source string) (storage.DownloadRecord, error) {
	var result storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownload(ctx, source)

		return err
	})

	return result, err
}

// GetExpiredDownloads retrieves expired downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetExpiredDownloads(ctx context.Context, before time.Time) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_expired_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetExpiredDownloads(ctx, before)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// TrackDownload records a fetch with telemetry.
func (r *InstrumentedDownloadRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_download", func(ctx context.Context) error {
		return r.repo.TrackDownload(ctx, rec)
	})
}

// UpdateDownloadStatus updates a download status with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(ctx context.Context, source, status string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(ctx, source, status)
	})
}

// DeleteDownloads empties the ledger with telemetry.
func (r *InstrumentedDownloadRepository) DeleteDownloads(ctx context.Context) (int, error) {
	var result int

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.DeleteDownloads(ctx)

		return err
	})

	return result, err
}
