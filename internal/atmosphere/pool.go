package atmosphere

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/italolelis/ambiance/internal/logctx"
)

// PoolMember is one candidate sound of a pool.
type PoolMember struct {
	Source string
	Volume float64
}

// PoolConfig lists the members a pool rotates through.
type PoolConfig struct {
	Members []PoolMember
}

type poolState struct {
	cfg       PoolConfig
	running   bool
	startedIn uint64
}

// RegisterPool defines a pool or replaces the members of an existing one.
// A running pool keeps its monitor and its current member; the new members
// are picked from at the next rotation.
func (e *Engine) RegisterPool(name string, cfg PoolConfig) error {
	if len(cfg.Members) == 0 {
		return fmt.Errorf("failed to register pool %s: %w", name, ErrEmptyPool)
	}

	members := make([]PoolMember, len(cfg.Members))
	copy(members, cfg.Members)

	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.pools[name]; ok {
		p.cfg = PoolConfig{Members: members}

		return nil
	}

	e.pools[name] = &poolState{cfg: PoolConfig{Members: members}}

	return nil
}

// Pools returns the names of registered pools in sorted order.
func (e *Engine) Pools() []string {
	e.mu.Lock()
	names := make([]string, 0, len(e.pools))

	for name := range e.pools {
		names = append(names, name)
	}
	e.mu.Unlock()

	slices.Sort(names)

	return names
}

// StartPool plays a random member of the pool and keeps rotating to a
// different random member each time the current one finishes. At most one
// member of a pool plays at a time. Starting a running pool is a no-op.
func (e *Engine) StartPool(ctx context.Context, name string) error {
	e.mu.Lock()

	p, ok := e.pools[name]
	if !ok {
		e.mu.Unlock()

		return fmt.Errorf("failed to start pool %s: %w", name, ErrUnknownPool)
	}

	// A bulk stop clears pools before it advances the generation, so a pool
	// started in between belongs to the old generation and is restartable.
	gen := e.clock.Load()
	if p.running && p.startedIn == gen {
		e.mu.Unlock()

		return nil
	}

	p.running, p.startedIn = true, gen
	first := pickMember(p.cfg.Members, "")
	members := len(p.cfg.Members)
	e.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx).With("pool", name)
	logger.Info("starting pool", "members", members, "first", first.Source)

	if err := e.Start(ctx, poolSound(name, first)); err != nil {
		logger.Warn("failed to start pool member", "source", first.Source, "err", err)
	}

	go e.monitorPool(logctx.Detached(ctx), name, gen, first.Source)

	return nil
}

// poolKey is the registry key of a pool member, kept apart from the key the
// same source has when played on its own.
func poolKey(pool, source string) string {
	return "pool:" + pool + ":" + source
}

func poolSound(pool string, m PoolMember) Sound {
	return Sound{Key: poolKey(pool, m.Source), Source: m.Source, Volume: m.Volume}
}

// monitorPool exits when the generation changes, when the pool is removed
// or when the engine shuts down.
func (e *Engine) monitorPool(ctx context.Context, name string, gen uint64, current string) {
	logger := logctx.LoggerFromContext(ctx).With("pool", name)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		if e.clock.Load() != gen {
			logger.Debug("pool monitor exiting, generation changed")

			return
		}

		members, ok := e.poolMembers(name)
		if !ok {
			logger.Debug("pool monitor exiting, pool removed")

			return
		}

		key := poolKey(name, current)

		if entry, playing := e.registry.get(key); playing {
			if !entry.finished() {
				continue
			}

			e.registry.stopEntry(entry)
		} else if e.isStarting(key) {
			continue
		}

		next := pickMember(members, current)

		if !e.downloads.IsCached(next.Source) {
			logger.Debug("next pool member not cached yet, retrying", "source", next.Source)

			if _, err := e.downloads.PreDownload(ctx, next.Source); err != nil {
				logger.Warn("failed to download pool member", "source", next.Source, "err", err)
			}

			continue
		}

		if err := e.Start(ctx, poolSound(name, next)); err != nil {
			logger.Warn("failed to start pool member", "source", next.Source, "err", err)

			continue
		}

		logger.Info("pool rotated", "from", current, "to", next.Source)
		e.telemetry.RecordPoolRotation(name)

		current = next.Source
	}
}

func (e *Engine) poolMembers(name string) ([]PoolMember, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pools[name]
	if !ok {
		return nil, false
	}

	return p.cfg.Members, true
}

// pickMember picks a random member whose source differs from previous when
// the pool has more than one distinct source.
func pickMember(members []PoolMember, previous string) PoolMember {
	candidates := make([]PoolMember, 0, len(members))

	for _, m := range members {
		if m.Source != previous {
			candidates = append(candidates, m)
		}
	}

	if len(candidates) == 0 {
		candidates = members
	}

	return candidates[rand.IntN(len(candidates))]
}
