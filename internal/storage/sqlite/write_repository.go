package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/ambiance/internal/storage"
)

// DownloadWriteRepository implements storage.DownloadWriteRepository
// and stores download records in SQLite.
type DownloadWriteRepository struct {
	db *sql.DB
}

func NewDownloadWriteRepository(db *sql.DB) *DownloadWriteRepository {
	return &DownloadWriteRepository{db: db}
}

func (r *DownloadWriteRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	if rec.DownloadedAt.IsZero() {
		rec.DownloadedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (source, cache_key, file_path, status, reason, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			cache_key = excluded.cache_key,
			file_path = excluded.file_path,
			status = excluded.status,
			reason = excluded.reason,
			downloaded_at = excluded.downloaded_at
	`, rec.Source, rec.CacheKey, rec.FilePath, rec.Status, rec.Reason, formatTime(rec.DownloadedAt))

	return err
}

// UpdateDownloadStatus sets the status for a source. Unknown sources are
// reported as storage.ErrNotFound.
func (r *DownloadWriteRepository) UpdateDownloadStatus(ctx context.Context, source, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE downloads SET status = ? WHERE source = ?`, status, source)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// DeleteDownloads empties the ledger and returns how many records were removed.
func (r *DownloadWriteRepository) DeleteDownloads(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads`)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()

	return int(affected), err
}
