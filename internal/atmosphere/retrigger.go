package atmosphere

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/italolelis/ambiance/internal/logctx"
)

// DefaultVolumeVariance is the volume variance used when none is configured.
const DefaultVolumeVariance = 15.0

// RetriggerConfig replays a one-shot sound after a random delay.
type RetriggerConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// VolumeVariance is the +/- percentage of the base volume applied to
	// each replay.
	VolumeVariance float64
}

// StartRetrigger plays s once and, every time it finishes, waits a random
// delay in [MinDelay, MaxDelay] and plays it again at a varied volume.
// Starting a key that is already retriggering is a no-op.
func (e *Engine) StartRetrigger(ctx context.Context, s Sound, cfg RetriggerConfig) error {
	if cfg.MinDelay < 0 || cfg.MaxDelay < cfg.MinDelay {
		return fmt.Errorf("invalid retrigger delay range [%s, %s]", cfg.MinDelay, cfg.MaxDelay)
	}

	if s.Key == "" {
		s.Key = s.Source
	}

	s.Loop = false

	e.mu.Lock()
	if _, ok := e.retriggers[s.Key]; ok {
		e.mu.Unlock()

		return nil
	}

	token := e.tokens.Add(1)
	e.retriggers[s.Key] = token
	e.mu.Unlock()

	gen := e.clock.Load()

	if err := e.Start(ctx, s); err != nil {
		var perr *PlaybackError
		if errors.As(err, &perr) && perr.Op == "resolve" {
			e.removeRetrigger(s.Key, token)

			return err
		}

		logctx.LoggerFromContext(ctx).Warn("retriggered sound failed to start", "key", s.Key, "err", err)
	}

	go e.monitorRetrigger(logctx.Detached(ctx), s, cfg, token, gen)

	return nil
}

func (e *Engine) monitorRetrigger(ctx context.Context, s Sound, cfg RetriggerConfig, token, gen uint64) {
	logger := logctx.LoggerFromContext(ctx).With("key", s.Key)
	alive := func() bool {
		return e.clock.Load() == gen && e.retriggerCurrent(s.Key, token)
	}

	for {
		if !e.waitUntilIdle(s.Key, alive) {
			return
		}

		delay := randomDelay(cfg.MinDelay, cfg.MaxDelay)
		logger.Debug("retrigger scheduled", "delay", delay)

		if !e.waitFor(delay, alive) {
			return
		}

		next := s
		next.Volume = varyVolume(s.Volume, cfg.VolumeVariance)

		if err := e.Start(ctx, next); err != nil {
			logger.Warn("failed to retrigger sound", "err", err)
		}

		e.telemetry.RecordSoundEvent("retriggered")
	}
}

// waitUntilIdle polls until key is neither playing nor starting. A finished
// entry is removed. It returns false when alive stops holding.
func (e *Engine) waitUntilIdle(key string, alive func() bool) bool {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !alive() {
			return false
		}

		entry, playing := e.registry.get(key)

		switch {
		case playing && entry.finished():
			e.registry.stopEntry(entry)

			return alive()
		case !playing && !e.isStarting(key):
			return true
		}

		select {
		case <-e.ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// waitFor sleeps d, checking alive at every poll interval.
func (e *Engine) waitFor(d time.Duration, alive func() bool) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return false
		case <-deadline.C:
			return alive()
		case <-ticker.C:
			if !alive() {
				return false
			}
		}
	}
}

func (e *Engine) retriggerCurrent(key string, token uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.retriggers[key] == token
}

func (e *Engine) removeRetrigger(key string, token uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.retriggers[key] == token {
		delete(e.retriggers, key)
	}
}

func randomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}

	return lo + rand.N(hi-lo+1)
}

// varyVolume moves base by a random amount within +/- variance percent of
// itself, clamped to 0-100.
func varyVolume(base, variance float64) float64 {
	if variance <= 0 {
		return base
	}

	v := base * (1 + (rand.Float64()*2-1)*variance/100)

	return min(max(v, 0), 100)
}
