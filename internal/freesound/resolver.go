package freesound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/ambiance/internal/logctx"
)

const (
	maxRedirects     = 10
	maxPageSize      = 4 << 20
	progressInterval = 1 << 20
	userAgent        = "ambiance/1.0"
)

// NewHTTPClient builds the client used for page and audio requests. Requests
// are traced through otelhttp and redirects are capped.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}

			return nil
		},
	}
}

// Resolver downloads freesound sounds into a cache directory.
type Resolver struct {
	client *http.Client
}

// NewResolver creates a resolver. A nil client gets a default one with a
// 60 second timeout.
func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = NewHTTPClient(60 * time.Second)
	}

	return &Resolver{client: client}
}

// ResolveKey maps a source URL to its cache key.
func (r *Resolver) ResolveKey(source string) (string, error) {
	return ResolveKey(source)
}

// DisplayName is the label used while the source downloads.
func (r *Resolver) DisplayName(source string) string {
	return DisplayName(source)
}

// Fetch downloads the audio of a sound page into destDir and returns the
// path of the written file. The file is named {owner}_{id}_{title}.{ext} and
// only appears under that name once fully written. Fetch is safe to retry.
func (r *Resolver) Fetch(ctx context.Context, source, destDir string) (string, error) {
	asset, err := ParseURL(source)
	if err != nil {
		return "", err
	}

	logger := logctx.LoggerFromContext(ctx).With("source", source, "sound_id", asset.ID)

	logger.Info("downloading sound")

	info, err := r.fetchPage(ctx, source)
	if err != nil {
		return "", err
	}

	audioURL, ok := info.AudioURL()
	if !ok {
		return "", &ContentError{Source: source, Reason: "page has no audio stream reference"}
	}

	name := info.SoundName()
	if name == "" {
		name = "sound_" + asset.ID
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", &ContentError{Source: source, Reason: "cannot create cache directory", Err: err}
	}

	dest := filepath.Join(destDir, fmt.Sprintf("%s_%s_%s.%s", asset.Owner, asset.ID, name, audioExtension(audioURL)))

	size, err := r.fetchAudio(ctx, source, audioURL, dest)
	if err != nil {
		return "", err
	}

	logger.Info("sound downloaded", "path", dest, "size", humanize.Bytes(uint64(size)))

	return dest, nil
}

func (r *Resolver) fetchPage(ctx context.Context, source string) (pageInfo, error) {
	resp, err := r.get(ctx, "fetch_page", source)
	if err != nil {
		return pageInfo{}, err
	}
	defer resp.Body.Close()

	info, err := parsePage(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return pageInfo{}, &NetworkError{Operation: "fetch_page", Message: "failed to read page body", Err: err}
	}

	return info, nil
}

func (r *Resolver) fetchAudio(ctx context.Context, source, audioURL, dest string) (size int64, err error) {
	logger := logctx.LoggerFromContext(ctx)

	resp, err := r.get(ctx, "fetch_audio", audioURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return 0, &ContentError{Source: source, Reason: "cannot create temporary file", Err: err}
	}

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	pr := newProgressReader(resp.Body, resp.ContentLength, progressInterval, func(read, total int64) {
		if total > 0 {
			logger.Debug("download progress", "read", humanize.Bytes(uint64(read)), "total", humanize.Bytes(uint64(total)))

			return
		}

		logger.Debug("download progress", "read", humanize.Bytes(uint64(read)))
	})

	if _, err = io.Copy(tmp, pr); err != nil {
		return 0, &NetworkError{Operation: "fetch_audio", Message: "failed to read audio body", Err: err}
	}

	if pr.BytesRead() == 0 {
		return 0, &ContentError{Source: source, Reason: "downloaded file is empty"}
	}

	if err = tmp.Close(); err != nil {
		return 0, &ContentError{Source: source, Reason: "cannot write audio file", Err: err}
	}

	if err = os.Rename(tmp.Name(), dest); err != nil {
		return 0, &ContentError{Source: source, Reason: "cannot move audio file into cache", Err: err}
	}

	return pr.BytesRead(), nil
}

func (r *Resolver) get(ctx context.Context, operation, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{Operation: operation, Message: "invalid request", Err: err}
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &NetworkError{Operation: operation, Message: "request aborted", Err: err}
		}

		return nil, &NetworkError{Operation: operation, Message: err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()

		return nil, &NetworkError{Operation: operation, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	return resp, nil
}
