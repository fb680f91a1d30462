package atmosphere

import (
	"context"
	"time"

	"github.com/italolelis/ambiance/internal/logctx"
)

// scheduleFade arms the timers for a sound that was just registered.
//
//	max and fade: play for max-fade, then ramp down over fade
//	max only:     hard stop at max
//	fade only:    ramp down over fade right away
//	neither:      play until stopped
func (e *Engine) scheduleFade(ctx context.Context, entry *ActiveSound, maxDur, fadeDur time.Duration) {
	ctx = logctx.Detached(ctx)

	switch {
	case maxDur > 0 && fadeDur > 0:
		go e.runFade(ctx, entry, max(maxDur-fadeDur, 0), fadeDur)
	case maxDur > 0:
		go e.runHardStop(ctx, entry, maxDur)
	case fadeDur > 0:
		go e.runFade(ctx, entry, 0, fadeDur)
	}
}

func (e *Engine) runHardStop(ctx context.Context, entry *ActiveSound, after time.Duration) {
	if !e.sleepWhileActive(entry, after) {
		return
	}

	if e.registry.stopEntry(entry) {
		logctx.LoggerFromContext(ctx).Info("sound reached max duration", "key", entry.Key, "after", after)
		e.telemetry.RecordFade("hard_stop")
		e.telemetry.RecordSoundEvent("stopped")
	}
}

// runFade ramps entry down in equal steps from its volume at the start of
// the ramp to fadeFloorPercent, then removes it.
func (e *Engine) runFade(ctx context.Context, entry *ActiveSound, delay, fadeDur time.Duration) {
	if !e.sleepWhileActive(entry, delay) {
		return
	}

	initial, ok := e.registry.Volume(entry.Key)
	if !ok || !e.registry.isCurrent(entry) {
		return
	}

	logger := logctx.LoggerFromContext(ctx).With("key", entry.Key)
	logger.Debug("fading out sound", "over", fadeDur, "from", initial)

	steps := e.cfg.FadeSteps
	step := fadeDur / time.Duration(steps)
	floor := min(fadeFloorPercent, initial)

	for i := 1; i <= steps; i++ {
		if !e.sleepWhileActive(entry, step) {
			return
		}

		progress := float64(i) / float64(steps)

		if !e.registry.rampEntry(entry, max((1-progress)*initial, floor)) {
			return
		}
	}

	if e.registry.stopEntry(entry) {
		logger.Info("sound faded out")
		e.telemetry.RecordFade("fade_out")
		e.telemetry.RecordSoundEvent("stopped")
	}
}

// sleepWhileActive waits d and reports whether entry is still registered
// afterwards. It returns early when entry is removed or the engine shuts down.
func (e *Engine) sleepWhileActive(entry *ActiveSound, d time.Duration) bool {
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()

		select {
		case <-t.C:
		case <-entry.done:
			return false
		case <-e.ctx.Done():
			return false
		}
	}

	return e.registry.isCurrent(entry)
}
