package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/ambiance/internal/logctx"
	"github.com/italolelis/ambiance/internal/storage"
	"github.com/italolelis/ambiance/internal/telemetry"
)

// Ledger is the part of the download ledger retention needs.
type Ledger interface {
	GetExpiredDownloads(ctx context.Context, before time.Time) ([]storage.DownloadRecord, error)
	UpdateDownloadStatus(ctx context.Context, source, status string) error
}

// Cleaner prunes downloaded sounds that outlived their retention.
type Cleaner struct {
	ledger    Ledger
	dir       string
	keepFor   time.Duration
	telemetry *telemetry.Telemetry
}

// NewCleaner returns a cleaner for files under dir. A keepFor of zero keeps
// files forever.
func NewCleaner(ledger Ledger, dir string, keepFor time.Duration, tel *telemetry.Telemetry) *Cleaner {
	return &Cleaner{ledger: ledger, dir: dir, keepFor: keepFor, telemetry: tel}
}

// DeleteExpiredFiles deletes the files of downloads recorded before
// now-keepFor and marks their records expired. Files outside the cache
// directory are never touched.
func (c *Cleaner) DeleteExpiredFiles(ctx context.Context, now time.Time) (int, error) {
	if c.keepFor <= 0 {
		return 0, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	expired, err := c.ledger.GetExpiredDownloads(ctx, now.Add(-c.keepFor))
	if err != nil {
		return 0, err
	}

	deleted := 0

	for _, rec := range expired {
		if !c.owns(rec.FilePath) {
			logger.Warn("skipping expired record outside the cache dir", "source", rec.Source, "file", rec.FilePath)

			continue
		}

		if err := os.Remove(rec.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete expired file", "file", rec.FilePath, "err", err)

			return deleted, err
		} else if err == nil {
			deleted++

			logger.Info("deleted expired file", "file", rec.FilePath, "source", rec.Source)
		}

		if err := c.ledger.UpdateDownloadStatus(ctx, rec.Source, storage.StatusExpired); err != nil {
			logger.Error("failed to mark download expired", "source", rec.Source, "err", err)

			return deleted, err
		}
	}

	c.telemetry.RecordCleanup(deleted)

	return deleted, nil
}

func (c *Cleaner) owns(path string) bool {
	if path == "" {
		return false
	}

	rel, err := filepath.Rel(c.dir, path)
	if err != nil {
		return false
	}

	return rel != "." && !strings.HasPrefix(rel, "..")
}

// Run prunes on every tick of interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if c.keepFor <= 0 {
		logger.Info("retention disabled, downloaded sounds are kept forever")

		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return
		case now := <-ticker.C:
			if _, err := c.DeleteExpiredFiles(ctx, now); err != nil {
				logger.Error("failed to delete expired files", "err", err)
			}
		}
	}
}
