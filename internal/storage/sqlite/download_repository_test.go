package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/ambiance/internal/storage"
)

func newTestRepository(t *testing.T) *InstrumentedDownloadRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewInstrumentedDownloadRepository(db, nil)
}

func TestDownloadRepository_TrackAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		Source:       "https://freesound.org/people/a/sounds/1/",
		CacheKey:     "a_1",
		FilePath:     "/cache/a_1_x.mp3",
		Status:       storage.StatusComplete,
		DownloadedAt: at,
	}))

	rec, err := repo.GetDownload(ctx, "https://freesound.org/people/a/sounds/1/")
	require.NoError(t, err)
	assert.Equal(t, "a_1", rec.CacheKey)
	assert.Equal(t, "/cache/a_1_x.mp3", rec.FilePath)
	assert.Equal(t, storage.StatusComplete, rec.Status)
	assert.True(t, at.Equal(rec.DownloadedAt))

	_, err = repo.GetDownload(ctx, "https://freesound.org/people/b/sounds/2/")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDownloadRepository_TrackReplacesPreviousAttempt(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	source := "https://freesound.org/people/a/sounds/1/"

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		Source: source, CacheKey: "a_1", Status: storage.StatusFailed, Reason: "HTTP 503",
	}))
	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		Source: source, CacheKey: "a_1", FilePath: "/cache/a_1_x.mp3", Status: storage.StatusComplete,
	}))

	all, err := repo.GetDownloads(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, storage.StatusComplete, all[0].Status)
	assert.Empty(t, all[0].Reason)
	assert.False(t, all[0].DownloadedAt.IsZero())
}

func TestDownloadRepository_GetExpiredDownloads(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	now := time.Now()

	records := []storage.DownloadRecord{
		{Source: "old", CacheKey: "a_1", Status: storage.StatusComplete, DownloadedAt: now.Add(-48 * time.Hour)},
		{Source: "old-failed", CacheKey: "a_2", Status: storage.StatusFailed, DownloadedAt: now.Add(-48 * time.Hour)},
		{Source: "fresh", CacheKey: "a_3", Status: storage.StatusComplete, DownloadedAt: now},
	}
	for _, rec := range records {
		require.NoError(t, repo.TrackDownload(ctx, rec))
	}

	expired, err := repo.GetExpiredDownloads(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].Source)
}

func TestDownloadRepository_UpdateStatusAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{Source: "s", CacheKey: "a_1", Status: storage.StatusComplete}))

	require.NoError(t, repo.UpdateDownloadStatus(ctx, "s", storage.StatusExpired))
	assert.ErrorIs(t, repo.UpdateDownloadStatus(ctx, "missing", storage.StatusExpired), storage.ErrNotFound)

	rec, err := repo.GetDownload(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusExpired, rec.Status)

	n, err := repo.DeleteDownloads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := repo.GetDownloads(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
