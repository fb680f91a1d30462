package environment

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/ambiance/internal/atmosphere"
	"github.com/italolelis/ambiance/internal/logctx"
)

const (
	switchPollInterval = 300 * time.Millisecond

	minUserVolume = 10
	maxUserVolume = 100
)

// Player is the part of the atmosphere engine the director drives.
type Player interface {
	Start(ctx context.Context, s atmosphere.Sound) error
	StartSingle(ctx context.Context, source string, volume float64) error
	Stop(ctx context.Context, key string) bool
	StopAll(ctx context.Context) int
	StopAllExcept(ctx context.Context, keep []string) int
	SetVolume(ctx context.Context, key string, volume float64) bool
	IsActive(key string) bool
	PauseAll(ctx context.Context)
	ResumeAll(ctx context.Context)
	IsPaused() bool
	RegisterPool(name string, cfg atmosphere.PoolConfig) error
	StartPool(ctx context.Context, name string) error
	StartRetrigger(ctx context.Context, s atmosphere.Sound, cfg atmosphere.RetriggerConfig) error
}

// Downloads reports and warms the local cache.
type Downloads interface {
	IsCached(source string) bool
	PreDownload(ctx context.Context, source string) (bool, error)
}

// Director switches between environments and tracks loops the user started
// by hand. User loops survive environment switches.
type Director struct {
	ctx           context.Context
	player        Player
	downloads     Downloads
	loader        *Loader
	switchTimeout time.Duration
	pollInterval  time.Duration
	chance        func() float64

	// generation advances on every switch request so that a switch still
	// waiting for downloads can tell it was superseded.
	generation atomic.Uint64

	mu        sync.Mutex
	current   string
	userLoops map[string]bool
	volumes   map[string]float64
}

func NewDirector(ctx context.Context, player Player, downloads Downloads, loader *Loader, switchTimeout time.Duration) *Director {
	return &Director{
		ctx:           ctx,
		player:        player,
		downloads:     downloads,
		loader:        loader,
		switchTimeout: switchTimeout,
		pollInterval:  switchPollInterval,
		chance:        rand.Float64,
		userLoops:     make(map[string]bool),
		volumes:       make(map[string]float64),
	}
}

// StartEnvironment switches to the named environment. When some of its
// sounds are not cached yet they are downloaded first and the switch happens
// in the background once they are, or once the switch timeout passes. A
// newer request abandons a switch that is still waiting.
func (d *Director) StartEnvironment(ctx context.Context, name string) error {
	env, err := d.loader.Load(ctx, name)
	if err != nil {
		return err
	}

	gen := d.generation.Add(1)
	logger := logctx.LoggerFromContext(ctx).With("environment", env.Name)

	var missing []string

	for _, src := range env.Sources() {
		if d.downloads.IsCached(src) {
			continue
		}

		if _, err := d.downloads.PreDownload(ctx, src); err != nil {
			logger.Warn("failed to download environment sound", "source", src, "err", err)

			continue
		}

		missing = append(missing, src)
	}

	if len(missing) == 0 {
		d.switchTo(ctx, env, gen)

		return nil
	}

	logger.Info("waiting for environment sounds to download", "missing", len(missing))

	go d.awaitAndSwitch(logctx.Detached(ctx), env, gen, missing)

	return nil
}

func (d *Director) awaitAndSwitch(ctx context.Context, env *Environment, gen uint64, missing []string) {
	logger := logctx.LoggerFromContext(ctx).With("environment", env.Name)

	deadline := time.NewTimer(d.switchTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

wait:
	for {
		if d.generation.Load() != gen {
			logger.Info("environment switch superseded, abandoning")

			return
		}

		missing = slices.DeleteFunc(missing, d.downloads.IsCached)
		if len(missing) == 0 {
			logger.Info("all environment sounds downloaded")

			break
		}

		select {
		case <-d.ctx.Done():
			return
		case <-deadline.C:
			logger.Warn("timed out waiting for environment downloads", "missing", len(missing))

			break wait
		case <-ticker.C:
		}
	}

	d.switchTo(ctx, env, gen)
}

func (d *Director) switchTo(ctx context.Context, env *Environment, gen uint64) {
	logger := logctx.LoggerFromContext(ctx).With("environment", env.Name)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.generation.Load() != gen {
		logger.Info("environment switch superseded, abandoning")

		return
	}

	loops := d.loopKeysLocked()
	stopped := d.player.StopAllExcept(ctx, loops)

	for src := range d.volumes {
		if !d.userLoops[src] {
			delete(d.volumes, src)
		}
	}

	for _, src := range loops {
		if err := d.player.StartSingle(ctx, src, d.volumeLocked(src)); err != nil {
			logger.Warn("failed to restart loop", "source", src, "err", err)
		}
	}

	d.current = env.Name

	logger.Info("starting environment",
		"category", env.Category,
		"stopped", stopped,
		"loops_kept", len(loops),
	)

	if !env.AtmosphereEnabled() {
		return
	}

	var (
		poolOrder []string
		pools     = make(map[string][]atmosphere.PoolMember)
	)

	for _, m := range env.Engines.Atmosphere.Mix {
		if c := m.Chance(); c < 1 && d.chance() >= c {
			logger.Debug("skipping optional sound", "source", m.URL)

			continue
		}

		switch {
		case m.Pool != "":
			if _, ok := pools[m.Pool]; !ok {
				poolOrder = append(poolOrder, m.Pool)
			}

			pools[m.Pool] = append(pools[m.Pool], atmosphere.PoolMember{Source: m.URL, Volume: float64(m.Volume)})
		case m.Retrigger != nil:
			if err := d.player.StartRetrigger(ctx, m.Sound(), m.Retrigger.Config()); err != nil {
				logger.Warn("failed to start retriggered sound", "source", m.URL, "err", err)
			}
		default:
			if err := d.player.Start(ctx, m.Sound()); err != nil {
				logger.Warn("failed to start sound", "source", m.URL, "err", err)

				continue
			}

			d.volumes[m.URL] = float64(m.Volume)
		}
	}

	for _, name := range poolOrder {
		if err := d.player.RegisterPool(name, atmosphere.PoolConfig{Members: pools[name]}); err != nil {
			logger.Warn("failed to register pool", "pool", name, "err", err)

			continue
		}

		if err := d.player.StartPool(ctx, name); err != nil {
			logger.Warn("failed to start pool", "pool", name, "err", err)
		}
	}
}

// ToggleLoop starts source as a user loop, or stops it if it is playing.
// It reports whether the loop is now on.
func (d *Director) ToggleLoop(ctx context.Context, source string) (bool, error) {
	if source == "" {
		return false, errors.New("empty source")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx).With("source", source)

	if d.userLoops[source] || d.player.IsActive(source) {
		d.player.Stop(ctx, source)
		delete(d.userLoops, source)
		delete(d.volumes, source)
		logger.Info("loop stopped")

		return false, nil
	}

	volume := d.volumeLocked(source)
	if err := d.player.StartSingle(ctx, source, volume); err != nil {
		return false, err
	}

	d.userLoops[source] = true
	d.volumes[source] = volume
	logger.Info("loop started", "volume", volume)

	return true, nil
}

// SetVolume stores and applies a user volume for source, clamped to
// 10-100. It returns the volume applied.
func (d *Director) SetVolume(ctx context.Context, source string, volume float64) float64 {
	volume = min(max(volume, minUserVolume), maxUserVolume)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.volumes[source] = volume
	d.player.SetVolume(ctx, source, volume)

	return volume
}

// StopAtmosphere stops everything, user loops included, and abandons any
// switch still waiting for downloads.
func (d *Director) StopAtmosphere(ctx context.Context) int {
	d.generation.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.userLoops)
	clear(d.volumes)
	d.current = ""

	return d.player.StopAll(ctx)
}

// TogglePause pauses everything, or resumes if everything is paused. It
// reports whether playback is now paused.
func (d *Director) TogglePause(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.player.IsPaused() {
		d.player.ResumeAll(ctx)

		return false
	}

	d.player.PauseAll(ctx)

	return d.player.IsPaused()
}

// Current returns the name of the environment last switched to.
func (d *Director) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.current
}

// UserLoops returns the sources the user started as loops, sorted.
func (d *Director) UserLoops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.loopKeysLocked()
}

func (d *Director) loopKeysLocked() []string {
	keys := make([]string, 0, len(d.userLoops))
	for k := range d.userLoops {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

func (d *Director) volumeLocked(source string) float64 {
	if v, ok := d.volumes[source]; ok {
		return v
	}

	return DefaultVolume
}
