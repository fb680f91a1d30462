package freesound

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const soundPath = "/freesound.org/people/klankbeeld/sounds/625333/"

func newSoundServer(t *testing.T, page func(base string) string, audio []byte) *httptest.Server {
	t.Helper()

	var srv *httptest.Server

	mux := http.NewServeMux()
	mux.HandleFunc(soundPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		fmt.Fprint(w, page(srv.URL))
	})
	mux.HandleFunc("/previews/rain.ogg", func(w http.ResponseWriter, _ *http.Request) {
		w.Write(audio)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func streamPage(base string) string {
	return `<html><head><title>Rain on roof - Freesound</title>` +
		`<meta name="twitter:player:stream" content="` + base + `/previews/rain.ogg?dl=1">` +
		`</head><body></body></html>`
}

func TestResolver_Fetch(t *testing.T) {
	srv := newSoundServer(t, streamPage, []byte("OggS fake audio"))
	dir := filepath.Join(t.TempDir(), "cache")

	r := NewResolver(srv.Client())

	path, err := r.Fetch(context.Background(), srv.URL+soundPath, dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "klankbeeld_625333_Rain_on_roof.ogg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "OggS fake audio", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestResolver_FetchIsRetrySafe(t *testing.T) {
	srv := newSoundServer(t, streamPage, []byte("audio"))
	dir := t.TempDir()

	r := NewResolver(srv.Client())

	first, err := r.Fetch(context.Background(), srv.URL+soundPath, dir)
	require.NoError(t, err)

	second, err := r.Fetch(context.Background(), srv.URL+soundPath, dir)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolver_FetchUntitledPage(t *testing.T) {
	page := func(base string) string {
		return `<html><head><meta name="twitter:player:stream" content="` + base + `/previews/rain.ogg"></head></html>`
	}

	srv := newSoundServer(t, page, []byte("audio"))

	path, err := NewResolver(srv.Client()).Fetch(context.Background(), srv.URL+soundPath, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "klankbeeld_625333_sound_625333.ogg", filepath.Base(path))
}

func TestResolver_FetchErrors(t *testing.T) {
	t.Run("invalid source", func(t *testing.T) {
		_, err := NewResolver(nil).Fetch(context.Background(), "https://example.com/x.mp3", t.TempDir())

		var resErr *ResolutionError
		assert.ErrorAs(t, err, &resErr)
	})

	t.Run("page not found", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		t.Cleanup(srv.Close)

		_, err := NewResolver(srv.Client()).Fetch(context.Background(), srv.URL+soundPath, t.TempDir())

		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.Equal(t, "fetch_page", netErr.Operation)
		assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
	})

	t.Run("page without audio", func(t *testing.T) {
		srv := newSoundServer(t, func(string) string { return "<html><head></head></html>" }, nil)

		_, err := NewResolver(srv.Client()).Fetch(context.Background(), srv.URL+soundPath, t.TempDir())

		var contentErr *ContentError
		assert.ErrorAs(t, err, &contentErr)
	})

	t.Run("empty audio body", func(t *testing.T) {
		srv := newSoundServer(t, streamPage, nil)
		dir := t.TempDir()

		_, err := NewResolver(srv.Client()).Fetch(context.Background(), srv.URL+soundPath, dir)

		var contentErr *ContentError
		require.ErrorAs(t, err, &contentErr)
		assert.Equal(t, "downloaded file is empty", contentErr.Reason)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("cancelled context", func(t *testing.T) {
		srv := newSoundServer(t, streamPage, []byte("audio"))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewResolver(srv.Client()).Fetch(ctx, srv.URL+soundPath, t.TempDir())

		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestProgressReader_Reports(t *testing.T) {
	var reports []int64

	data := make([]byte, 100)
	pr := newProgressReader(&chunkReader{data: data, chunk: 10}, 100, 40, func(read, _ int64) {
		reports = append(reports, read)
	})

	buf := make([]byte, 10)
	for {
		if _, err := pr.Read(buf); err != nil {
			break
		}
	}

	assert.Equal(t, int64(100), pr.BytesRead())
	assert.Equal(t, []int64{10, 50, 90}, reports)
}

type chunkReader struct {
	data  []byte
	chunk int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, os.ErrClosed
	}

	n := min(c.chunk, len(p), len(c.data))
	copy(p, c.data[:n])
	c.data = c.data[n:]

	return n, nil
}
