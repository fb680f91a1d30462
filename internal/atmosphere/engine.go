// Package atmosphere plays layered ambient sounds. It owns the registry of
// active sounds, the generation clock that cancels stale asynchronous work,
// pool rotation, retriggered one-shots and timed fade-outs.
package atmosphere

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/ambiance/internal/audio"
	"github.com/italolelis/ambiance/internal/download"
	"github.com/italolelis/ambiance/internal/logctx"
	"github.com/italolelis/ambiance/internal/telemetry"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultFadeSteps    = 20
	defaultReleaseFade  = 50 * time.Millisecond

	// fadeFloorPercent is the lowest volume a timed fade ramps to before the
	// sound is removed.
	fadeFloorPercent = 5.0
)

// Downloader is the part of the download coordinator the engine depends on.
type Downloader interface {
	Enqueue(ctx context.Context, source string, cb download.Callback) (bool, error)
	PreDownload(ctx context.Context, source string) (bool, error)
	IsCached(source string) bool
	PendingCount() int
	IsDownloading(source string) bool
}

// Config tunes the engine's timers.
type Config struct {
	// PollInterval is how often pool and retrigger monitors wake.
	PollInterval time.Duration
	// FadeSteps is the number of volume steps in a timed fade.
	FadeSteps int
	// ReleaseFade is applied to every handle the registry stops.
	ReleaseFade time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}

	if c.FadeSteps <= 0 {
		c.FadeSteps = defaultFadeSteps
	}

	if c.ReleaseFade < 0 {
		c.ReleaseFade = 0
	}

	return c
}

// Sound describes one playback request.
type Sound struct {
	// Key identifies the sound in the registry. It defaults to Source.
	Key    string
	Source string
	// Volume is 0-100.
	Volume float64
	Loop   bool
	// MaxDuration stops the sound after this long when positive.
	MaxDuration time.Duration
	// FadeDuration fades the sound out over this long when positive.
	FadeDuration time.Duration
}

// Engine starts and stops sounds. It is safe for concurrent use.
type Engine struct {
	ctx       context.Context
	backend   audio.Backend
	downloads Downloader
	telemetry *telemetry.Telemetry
	cfg       Config

	clock    GenerationClock
	registry *Registry
	tokens   atomic.Uint64

	mu         sync.Mutex
	pending    map[string]uint64
	pools      map[string]*poolState
	retriggers map[string]uint64
}

// NewEngine creates an engine. Timers and monitors it spawns stop when ctx
// is cancelled.
func NewEngine(ctx context.Context, backend audio.Backend, downloads Downloader, cfg Config, tel *telemetry.Telemetry) *Engine {
	cfg = cfg.withDefaults()

	e := &Engine{
		ctx:        ctx,
		backend:    backend,
		downloads:  downloads,
		telemetry:  tel,
		cfg:        cfg,
		pending:    make(map[string]uint64),
		pools:      make(map[string]*poolState),
		retriggers: make(map[string]uint64),
	}
	e.registry = NewRegistry(&e.clock, cfg.ReleaseFade, tel)

	return e
}

// Registry exposes the table of active sounds.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Generation returns the current generation.
func (e *Engine) Generation() uint64 {
	return e.clock.Load()
}

// Start plays s once its file is cached, downloading it first if needed.
// Starting a key that is already active or already starting is a no-op.
// Errors for cached sources are returned directly; errors after a download
// are logged, since the caller has moved on by then.
func (e *Engine) Start(ctx context.Context, s Sound) error {
	if s.Key == "" {
		s.Key = s.Source
	}

	if e.registry.Has(s.Key) {
		return nil
	}

	e.mu.Lock()
	if _, starting := e.pending[s.Key]; starting {
		e.mu.Unlock()

		return nil
	}

	token := e.tokens.Add(1)
	e.pending[s.Key] = token
	e.mu.Unlock()

	gen := e.clock.Load()
	syncErr := make(chan error, 1)

	queued, err := e.downloads.Enqueue(ctx, s.Source, func(res download.Result) {
		if err := e.finishStart(ctx, s, gen, token, res); err != nil {
			select {
			case syncErr <- err:
			default:
			}
		}
	})
	if err != nil {
		e.clearPending(s.Key, token)
		e.telemetry.RecordSoundEvent("failed")

		return &PlaybackError{Key: s.Key, Op: "resolve", Err: err}
	}

	if queued {
		logctx.LoggerFromContext(ctx).Debug("sound queued for download", "key", s.Key, "source", s.Source)

		return nil
	}

	select {
	case err := <-syncErr:
		return err
	default:
		return nil
	}
}

// StartSingle is Start for a looping sound with no timers.
func (e *Engine) StartSingle(ctx context.Context, source string, volume float64) error {
	return e.Start(ctx, Sound{Source: source, Volume: volume, Loop: true})
}

func (e *Engine) finishStart(ctx context.Context, s Sound, gen, token uint64, res download.Result) error {
	logger := logctx.LoggerFromContext(ctx).With("key", s.Key)

	if !e.takePending(s.Key, token) {
		logger.Debug("sound start was cancelled")

		return nil
	}

	if e.clock.Load() != gen {
		logger.Info("skipping sound, generation changed", "started_in", gen, "current", e.clock.Load())

		return nil
	}

	if res.Err != nil {
		logger.Warn("sound not started, download failed", "err", res.Err)
		e.telemetry.RecordSoundEvent("failed")

		return &PlaybackError{Key: s.Key, Op: "download", Err: res.Err}
	}

	snd, err := e.backend.Decode(res.Path)
	if err != nil {
		logger.Warn("sound not started, decode failed", "path", res.Path, "err", err)
		e.telemetry.RecordSoundEvent("failed")

		return &PlaybackError{Key: s.Key, Op: "decode", Err: err}
	}

	h, err := e.backend.Play(snd, audio.PercentToDB(s.Volume), s.Loop)
	if err != nil {
		logger.Warn("sound not started, playback failed", "err", err)
		e.telemetry.RecordSoundEvent("failed")

		return &PlaybackError{Key: s.Key, Op: "play", Err: err}
	}

	entry := newActiveSound(s.Key, s.Source, h, s.Volume)
	if !e.registry.insertIfCurrent(entry, gen) {
		h.Stop(0)
		logger.Debug("discarding sound, superseded while starting")

		return nil
	}

	logger.Info("sound started",
		"source", s.Source,
		"volume", s.Volume,
		"loop", s.Loop,
		"duration", snd.Duration,
	)
	e.telemetry.RecordSoundEvent("started")

	e.scheduleFade(ctx, entry, s.MaxDuration, s.FadeDuration)

	return nil
}

func (e *Engine) takePending(key string, token uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending[key] != token {
		return false
	}

	delete(e.pending, key)

	return true
}

func (e *Engine) clearPending(key string, token uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending[key] == token {
		delete(e.pending, key)
	}
}

func (e *Engine) isStarting(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.pending[key]

	return ok
}

// Stop stops key and cancels any start or retrigger in flight for it. It
// reports whether a sound was playing.
func (e *Engine) Stop(ctx context.Context, key string) bool {
	e.mu.Lock()
	delete(e.pending, key)
	delete(e.retriggers, key)
	e.mu.Unlock()

	stopped := e.registry.Stop(key)
	if stopped {
		logctx.LoggerFromContext(ctx).Info("sound stopped", "key", key)
		e.telemetry.RecordSoundEvent("stopped")
	}

	return stopped
}

// StopAll advances the generation and stops everything, including pools,
// retriggers and starts still waiting on downloads. It returns how many
// sounds were playing.
func (e *Engine) StopAll(ctx context.Context) int {
	return e.stopAllExcept(ctx, nil)
}

// StopAllExcept is StopAll that leaves the sounds in keep playing. Starts
// in flight are cancelled even for kept keys; callers restart them.
func (e *Engine) StopAllExcept(ctx context.Context, keep []string) int {
	set := make(map[string]bool, len(keep))
	for _, k := range keep {
		set[k] = true
	}

	return e.stopAllExcept(ctx, set)
}

func (e *Engine) stopAllExcept(ctx context.Context, keep map[string]bool) int {
	e.mu.Lock()
	clear(e.pending)
	clear(e.pools)

	for key := range e.retriggers {
		if !keep[key] {
			delete(e.retriggers, key)
		}
	}
	e.mu.Unlock()

	gen, n := e.registry.advanceAndStop(keep)

	logctx.LoggerFromContext(ctx).Info("stopped sounds",
		slog.Int("count", n),
		slog.Int("kept", len(keep)),
		slog.Uint64("generation", gen),
	)
	e.telemetry.RecordGeneration()

	return n
}

// SetVolume changes the volume (0-100) of key. It reports whether key was active.
func (e *Engine) SetVolume(ctx context.Context, key string, volume float64) bool {
	ok := e.registry.SetVolume(key, volume)
	if ok {
		logctx.LoggerFromContext(ctx).Debug("sound volume changed", "key", key, "volume", volume)
	}

	return ok
}

func (e *Engine) PauseAll(ctx context.Context) {
	e.registry.PauseAll()
	logctx.LoggerFromContext(ctx).Info("playback paused")
}

func (e *Engine) ResumeAll(ctx context.Context) {
	e.registry.ResumeAll()
	logctx.LoggerFromContext(ctx).Info("playback resumed")
}

func (e *Engine) IsPaused() bool {
	return e.registry.IsPaused()
}

// ActiveKeys returns the keys of active sounds in sorted order.
func (e *Engine) ActiveKeys() []string {
	return e.registry.Keys()
}

// Sounds describes every active sound.
func (e *Engine) Sounds() []SoundInfo {
	return e.registry.Snapshot()
}

func (e *Engine) IsActive(key string) bool {
	return e.registry.Has(key)
}

// PendingDownloads returns how many downloads are queued or running.
func (e *Engine) PendingDownloads() int {
	return e.downloads.PendingCount()
}

func (e *Engine) IsDownloading(source string) bool {
	return e.downloads.IsDownloading(source)
}

// PlaybackError reports why a sound could not be started.
type PlaybackError struct {
	Key string
	Op  string
	Err error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("failed to %s sound %s: %v", e.Op, e.Key, e.Err)
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

var (
	// ErrUnknownPool is returned when starting a pool that was never registered.
	ErrUnknownPool = errors.New("unknown pool")

	// ErrEmptyPool is returned when registering a pool without members.
	ErrEmptyPool = errors.New("pool has no members")
)
