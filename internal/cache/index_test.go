package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rainURL = "https://freesound.org/people/klankbeeld/sounds/625333/"

func writeFile(t *testing.T, path string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))
}

func TestIndex_FindScansCacheDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "klankbeeld_625333_Rain.mp3"))
	writeFile(t, filepath.Join(dir, "klankbeeld_6253330_Other.mp3"))

	idx := NewIndex(dir)

	path, ok := idx.Find(rainURL)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "klankbeeld_625333_Rain.mp3"), path)

	_, ok = idx.Find("https://freesound.org/people/klankbeeld/sounds/1/")
	assert.False(t, ok)

	_, ok = idx.Find("https://example.com/rain.mp3")
	assert.False(t, ok)
}

func TestIndex_FindMissingDir(t *testing.T) {
	idx := NewIndex(filepath.Join(t.TempDir(), "missing"))

	_, ok := idx.Find(rainURL)
	assert.False(t, ok)
}

func TestIndex_ManifestTakesPrecedence(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "cache")

	writeFile(t, filepath.Join(dir, "klankbeeld_625333_Rain.mp3"))
	writeFile(t, filepath.Join(base, "bundled", "rain.ogg"))

	manifest := filepath.Join(base, "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte(`{
		"`+rainURL+`": "bundled/rain.ogg",
		"https://freesound.org/people/x/sounds/2/": "bundled/missing.ogg"
	}`), 0o644))

	idx := NewIndex(dir)

	n, err := idx.LoadManifest(context.Background(), base, manifest)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, idx.ManifestSize())

	path, ok := idx.Find(rainURL)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(base, "bundled", "rain.ogg"), path)

	_, ok = idx.Find("https://freesound.org/people/x/sounds/2/")
	assert.False(t, ok)

	m := idx.Manifest()
	m["mutated"] = "x"
	assert.Equal(t, 1, idx.ManifestSize(), "Manifest returns a copy")
}

func TestIndex_LoadManifestErrors(t *testing.T) {
	base := t.TempDir()
	idx := NewIndex(base)

	n, err := idx.LoadManifest(context.Background(), base, filepath.Join(base, "none.json"))
	require.NoError(t, err)
	assert.Zero(t, n)

	bad := filepath.Join(base, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	_, err = idx.LoadManifest(context.Background(), base, bad)
	assert.Error(t, err)
}

func TestIndex_ClearAndUsage(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a_1_x.mp3"))
	writeFile(t, filepath.Join(dir, "b_2_y.wav"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	idx := NewIndex(dir)

	files, size, err := idx.Usage()
	require.NoError(t, err)
	assert.Equal(t, 2, files)
	assert.Equal(t, int64(10), size)

	n, err := idx.Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := idx.Find("https://freesound.org/people/a/sounds/1/")
	assert.False(t, ok)

	files, _, err = idx.Usage()
	require.NoError(t, err)
	assert.Zero(t, files)
}
