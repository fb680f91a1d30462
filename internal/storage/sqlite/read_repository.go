package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/ambiance/internal/storage"
)

const selectColumns = `SELECT source, cache_key, file_path, status, reason, downloaded_at FROM downloads`

type DownloadReadRepository struct {
	db *sql.DB
}

func NewDownloadReadRepository(dbConn *sql.DB) *DownloadReadRepository {
	return &DownloadReadRepository{db: dbConn}
}

func (r *DownloadReadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY downloaded_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (r *DownloadReadRepository) GetDownload(ctx context.Context, source string) (storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE source = ?`, source)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DownloadRecord{}, storage.ErrNotFound
	}

	return rec, err
}

// GetExpiredDownloads returns completed downloads recorded before the given time.
func (r *DownloadReadRepository) GetExpiredDownloads(ctx context.Context, before time.Time) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		selectColumns+` WHERE status = ? AND downloaded_at < ? ORDER BY downloaded_at`,
		storage.StatusComplete, formatTime(before),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.DownloadRecord, error) {
	var (
		rec          storage.DownloadRecord
		filePath     sql.NullString
		reason       sql.NullString
		downloadedAt string
	)

	if err := s.Scan(&rec.Source, &rec.CacheKey, &filePath, &rec.Status, &reason, &downloadedAt); err != nil {
		return storage.DownloadRecord{}, err
	}

	rec.FilePath = filePath.String
	rec.Reason = reason.String

	t, err := time.Parse(timeLayout, downloadedAt)
	if err != nil {
		return storage.DownloadRecord{}, fmt.Errorf("invalid downloaded_at %q for %s: %w", downloadedAt, rec.Source, err)
	}

	rec.DownloadedAt = t

	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]storage.DownloadRecord, error) {
	var downloads []storage.DownloadRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, rec)
	}

	return downloads, rows.Err()
}

// timeLayout is fixed width and always UTC, so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
