// Package cache maps sound sources to local audio files, combining a
// pre-bundled manifest with a scan of the download cache directory.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/italolelis/ambiance/internal/freesound"
	"github.com/italolelis/ambiance/internal/logctx"
)

// Index is a read-mostly lookup from source URL to local file path.
type Index struct {
	dir string

	mu       sync.RWMutex
	manifest map[string]string

	scans singleflight.Group
}

// NewIndex creates an index over the download cache directory dir.
func NewIndex(dir string) *Index {
	return &Index{
		dir:      dir,
		manifest: make(map[string]string),
	}
}

// Dir returns the download cache directory.
func (i *Index) Dir() string {
	return i.dir
}

// LoadManifest reads a JSON object mapping source URLs to paths relative to
// baseDir. Entries whose file does not exist are skipped. The loaded entries
// replace any previous manifest. A missing manifest file is not an error.
func (i *Index) LoadManifest(ctx context.Context, baseDir, manifestPath string) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("no sound manifest found", "path", manifestPath)

		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read manifest: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("failed to parse manifest %s: %w", manifestPath, err)
	}

	loaded := make(map[string]string, len(raw))

	for source, rel := range raw {
		abs := filepath.Join(baseDir, rel)
		if _, err := os.Stat(abs); err != nil {
			logger.Debug("manifest entry has no file", "source", source, "path", abs)

			continue
		}

		loaded[source] = abs
	}

	i.mu.Lock()
	i.manifest = loaded
	i.mu.Unlock()

	logger.Info("sound manifest loaded", "path", manifestPath, "entries", len(loaded), "skipped", len(raw)-len(loaded))

	return len(loaded), nil
}

// ManifestSize returns the number of usable manifest entries.
func (i *Index) ManifestSize() int {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return len(i.manifest)
}

// Manifest returns a copy of the loaded manifest.
func (i *Index) Manifest() map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make(map[string]string, len(i.manifest))
	for k, v := range i.manifest {
		out[k] = v
	}

	return out
}

// Find returns the local file for source. The manifest is consulted first,
// then the cache directory is scanned for a file named with the asset's
// {owner}_{id}_ prefix; the first match in name order wins.
func (i *Index) Find(source string) (string, bool) {
	i.mu.RLock()
	path, ok := i.manifest[source]
	i.mu.RUnlock()

	if ok {
		return path, true
	}

	asset, err := freesound.ParseURL(source)
	if err != nil {
		return "", false
	}

	prefix := asset.FilePrefix()

	v, _, _ := i.scans.Do(prefix, func() (any, error) {
		return i.scan(prefix), nil
	})

	found, _ := v.(string)

	return found, found != ""
}

func (i *Index) scan(prefix string) string {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return ""
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}

		return filepath.Join(i.dir, e.Name())
	}

	return ""
}

// Usage reports how many files the cache directory holds and their size.
func (i *Index) Usage() (files int, size int64, err error) {
	entries, err := os.ReadDir(i.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}

	if err != nil {
		return 0, 0, fmt.Errorf("failed to read cache dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		files++
		size += info.Size()
	}

	return files, size, nil
}

// Clear deletes every file in the cache directory and returns how many were
// removed. Manifest files live elsewhere and are untouched.
func (i *Index) Clear(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(i.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read cache dir: %w", err)
	}

	count := 0

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		path := filepath.Join(i.dir, e.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove cached file", "path", path, "err", err)

			continue
		}

		count++
	}

	logger.Info("sound cache cleared", "dir", i.dir, "deleted", count)

	return count, nil
}
