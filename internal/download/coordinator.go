// Package download serializes sound fetches behind a cache-first API.
//
// A Coordinator admits at most one fetch per source, runs fetches one at a
// time on a lazily spawned worker goroutine and notifies every waiter of a
// source exactly once when its fetch finishes.
package download

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/ambiance/internal/logctx"
	"github.com/italolelis/ambiance/internal/storage"
	"github.com/italolelis/ambiance/internal/telemetry"
)

var (
	// ErrDownloadsDisabled is delivered to callbacks on a cache miss while
	// downloads are switched off.
	ErrDownloadsDisabled = errors.New("downloads are disabled")

	// ErrShutdown is delivered to callbacks whose fetch never ran because the
	// coordinator was shut down.
	ErrShutdown = errors.New("download coordinator shut down")
)

const failureBuffer = 16

// Result is what a waiter receives: a local path or an error.
type Result struct {
	Path string
	Err  error
}

// Callback receives the result of a request. It is invoked at most once,
// either synchronously from Enqueue or from the worker goroutine. Callbacks
// run before the next fetch starts and must not block for long.
type Callback func(Result)

// Resolver maps sources to cache keys and fetches them.
type Resolver interface {
	ResolveKey(source string) (string, error)
	DisplayName(source string) string
	Fetch(ctx context.Context, source, destDir string) (string, error)
}

// Finder looks up already available local files.
type Finder interface {
	Find(source string) (string, bool)
}

// Failure describes a fetch that did not produce a file.
type Failure struct {
	Source string
	Err    error
	At     time.Time
}

type pendingFetch struct {
	waiters []Callback
}

type Coordinator struct {
	baseCtx      context.Context
	resolver     Resolver
	cache        Finder
	cacheDir     string
	fetchTimeout time.Duration
	ledger       storage.DownloadWriteRepository
	telemetry    *telemetry.Telemetry
	enabled      atomic.Bool

	mu       sync.Mutex
	queue    []string
	pending  map[string]*pendingFetch
	statuses map[string]Status
	running  bool
	idle     chan struct{}

	// OnDownloadFailed receives every failed fetch. Sends never block; when
	// nobody drains the channel failures are only logged.
	OnDownloadFailed chan Failure
}

// NewCoordinator creates a coordinator whose worker lives until ctx is
// cancelled. ledger and tel may be nil. A zero fetchTimeout means fetches
// are bounded only by ctx.
func NewCoordinator(
	ctx context.Context,
	resolver Resolver,
	cache Finder,
	cacheDir string,
	fetchTimeout time.Duration,
	ledger storage.DownloadWriteRepository,
	tel *telemetry.Telemetry,
) *Coordinator {
	idle := make(chan struct{})
	close(idle)

	c := &Coordinator{
		baseCtx:          ctx,
		resolver:         resolver,
		cache:            cache,
		cacheDir:         cacheDir,
		fetchTimeout:     fetchTimeout,
		ledger:           ledger,
		telemetry:        tel,
		pending:          make(map[string]*pendingFetch),
		statuses:         make(map[string]Status),
		idle:             idle,
		OnDownloadFailed: make(chan Failure, failureBuffer),
	}

	c.enabled.Store(true)

	return c
}

// SetDownloadsEnabled switches network fetches on or off. Cached sources
// keep resolving while downloads are off.
func (c *Coordinator) SetDownloadsEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// DownloadsEnabled reports whether cache misses trigger fetches.
func (c *Coordinator) DownloadsEnabled() bool {
	return c.enabled.Load()
}

// Enqueue requests source.
//
// A source that cannot be resolved returns the resolution error and nothing
// is queued. On a cache hit cb runs before Enqueue returns and the result is
// false. While downloads are disabled or after shutdown cb receives the
// corresponding error and the result is false. When a fetch for source is
// already pending, cb is attached to it as an additional waiter and the
// result is false. Otherwise source is queued, marked Queued, and the result
// is true. Enqueue never waits on network or disk writes.
func (c *Coordinator) Enqueue(ctx context.Context, source string, cb Callback) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	if cb == nil {
		cb = func(Result) {}
	}

	if _, err := c.resolver.ResolveKey(source); err != nil {
		c.telemetry.RecordEnqueue("rejected")

		return false, err
	}

	if path, ok := c.cache.Find(source); ok {
		c.telemetry.RecordEnqueue("cache_hit")
		cb(Result{Path: path})

		return false, nil
	}

	if !c.enabled.Load() {
		logger.Debug("cache miss with downloads disabled", "source", source)
		c.telemetry.RecordEnqueue("disabled")
		cb(Result{Err: ErrDownloadsDisabled})

		return false, nil
	}

	if c.baseCtx.Err() != nil {
		cb(Result{Err: ErrShutdown})

		return false, nil
	}

	c.mu.Lock()

	if p, ok := c.pending[source]; ok {
		p.waiters = append(p.waiters, cb)
		c.mu.Unlock()

		logger.Debug("download already pending, waiter attached", "source", source)
		c.telemetry.RecordEnqueue("coalesced")

		return false, nil
	}

	c.pending[source] = &pendingFetch{waiters: []Callback{cb}}
	c.statuses[source] = Status{State: StateQueued}
	c.queue = append(c.queue, source)
	depth := len(c.queue)

	spawn := !c.running
	if spawn {
		c.running = true
		c.idle = make(chan struct{})
	}

	c.mu.Unlock()

	logger.Info("download queued", "source", source, "queue_depth", depth)
	c.telemetry.RecordEnqueue("queued")
	c.telemetry.IncrementQueuedDownloads()

	if spawn {
		go c.work()
	}

	return true, nil
}

// PreDownload queues source without waiting for the result.
func (c *Coordinator) PreDownload(ctx context.Context, source string) (bool, error) {
	return c.Enqueue(ctx, source, nil)
}

// FindCached returns the local file for source if one exists.
func (c *Coordinator) FindCached(source string) (string, bool) {
	return c.cache.Find(source)
}

// IsCached reports whether source is available locally.
func (c *Coordinator) IsCached(source string) bool {
	_, ok := c.cache.Find(source)

	return ok
}

// Status returns the status of the most recent request for source.
func (c *Coordinator) Status(source string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.statuses[source]

	return s, ok
}

// ClearStatuses forgets the status of every finished download.
func (c *Coordinator) ClearStatuses() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for source, s := range c.statuses {
		if s.Terminal() {
			delete(c.statuses, source)
		}
	}
}

// PendingCount returns how many sources are queued or downloading.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// IsDownloading reports whether source is queued or downloading.
func (c *Coordinator) IsDownloading(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.pending[source]

	return ok
}

// DownloadingSources returns the sources currently being fetched, sorted.
func (c *Coordinator) DownloadingSources() []string {
	c.mu.Lock()
	var out []string

	for source, s := range c.statuses {
		if s.State == StateDownloading {
			out = append(out, source)
		}
	}
	c.mu.Unlock()

	slices.Sort(out)

	return out
}

// Wait blocks until the worker has drained the queue or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) work() {
	ctx := c.baseCtx
	logger := logctx.LoggerFromContext(ctx)

	for {
		c.mu.Lock()

		if ctx.Err() != nil {
			c.abandonQueueLocked(ctx)

			return
		}

		if len(c.queue) == 0 {
			c.running = false
			close(c.idle)
			c.mu.Unlock()

			logger.Debug("download queue drained")

			return
		}

		source := c.queue[0]
		c.queue = c.queue[1:]
		c.statuses[source] = Status{State: StateDownloading, Label: c.resolver.DisplayName(source)}
		c.mu.Unlock()

		c.telemetry.DecrementQueuedDownloads()

		res := c.fetch(ctx, source)

		c.mu.Lock()

		if res.Err != nil {
			c.statuses[source] = Status{State: StateFailed, Reason: res.Err.Error()}
		} else {
			c.statuses[source] = Status{State: StateComplete, Path: res.Path}
		}

		p := c.pending[source]
		delete(c.pending, source)
		c.mu.Unlock()

		c.record(ctx, source, res)

		if p != nil {
			c.notify(ctx, source, p.waiters, res)
		}
	}
}

// abandonQueueLocked fails every queued source with ErrShutdown. It is
// called with c.mu held and releases it.
func (c *Coordinator) abandonQueueLocked(ctx context.Context) {
	abandoned := make(map[string][]Callback, len(c.queue))

	for _, source := range c.queue {
		if p, ok := c.pending[source]; ok {
			abandoned[source] = p.waiters
		}

		delete(c.pending, source)
		c.statuses[source] = Status{State: StateFailed, Reason: ErrShutdown.Error()}
	}

	c.queue = nil
	c.running = false
	close(c.idle)
	c.mu.Unlock()

	if len(abandoned) > 0 {
		logctx.LoggerFromContext(ctx).Info("download worker stopped", "abandoned", len(abandoned))
	}

	for source, waiters := range abandoned {
		c.telemetry.DecrementQueuedDownloads()
		c.notify(ctx, source, waiters, Result{Err: ErrShutdown})
	}
}

// fetch runs one download. A panic in the resolver is converted to an error
// so the worker keeps serving the queue.
func (c *Coordinator) fetch(ctx context.Context, source string) (res Result) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while fetching sound", "source", source, "panic", r, "stack", string(debug.Stack()))
			c.telemetry.RecordSystemError("download_worker", "panic")

			res = Result{Err: fmt.Errorf("fetch panicked: %v", r)}
		}
	}()

	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	path, err := c.resolver.Fetch(ctx, source, c.cacheDir)
	if err != nil {
		return Result{Err: err}
	}

	return Result{Path: path}
}

func (c *Coordinator) record(ctx context.Context, source string, res Result) {
	logger := logctx.LoggerFromContext(ctx)

	if res.Err != nil {
		logger.Error("download failed", "source", source, "err", res.Err)

		select {
		case c.OnDownloadFailed <- Failure{Source: source, Err: res.Err, At: time.Now()}:
		default:
			logger.Warn("download failure not delivered, channel full", "source", source)
		}
	}

	if c.ledger == nil {
		return
	}

	key, _ := c.resolver.ResolveKey(source)

	rec := storage.DownloadRecord{
		Source:       source,
		CacheKey:     key,
		FilePath:     res.Path,
		Status:       storage.StatusComplete,
		DownloadedAt: time.Now(),
	}

	if res.Err != nil {
		rec.Status = storage.StatusFailed
		rec.Reason = res.Err.Error()
	}

	// The ledger outlives the worker context so shutdown does not lose the
	// last record.
	if err := c.ledger.TrackDownload(logctx.Detached(ctx), rec); err != nil {
		logger.Error("failed to record download", "source", source, "err", err)
	}
}

func (c *Coordinator) notify(ctx context.Context, source string, waiters []Callback, res Result) {
	logger := logctx.LoggerFromContext(ctx)

	for _, cb := range waiters {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic in download callback", "source", source, "panic", r, "stack", string(debug.Stack()))
					c.telemetry.RecordSystemError("download_callback", "panic")
				}
			}()

			cb(res)
		}()
	}
}
