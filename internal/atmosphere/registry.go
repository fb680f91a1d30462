package atmosphere

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/ambiance/internal/audio"
	"github.com/italolelis/ambiance/internal/telemetry"
)

// GenerationClock is a monotonic epoch counter. Bulk stops advance it;
// asynchronous work captures it up front and becomes a no-op once it moved.
type GenerationClock struct {
	v atomic.Uint64
}

func (c *GenerationClock) Load() uint64 {
	return c.v.Load()
}

func (c *GenerationClock) advance() uint64 {
	return c.v.Add(1)
}

// ActiveSound is a live, registry-tracked playback instance.
type ActiveSound struct {
	Key       string
	Source    string
	StartedAt time.Time

	handle audio.Handle
	volume float64
	done   chan struct{}
}

// Done is closed when the sound is removed from the registry.
func (a *ActiveSound) Done() <-chan struct{} {
	return a.done
}

// finished reports whether the handle ran out on its own.
func (a *ActiveSound) finished() bool {
	return a.handle.State() == audio.StateStopped
}

// SoundInfo is a point-in-time view of an ActiveSound.
type SoundInfo struct {
	Key       string    `json:"key"`
	Source    string    `json:"source"`
	Volume    float64   `json:"volume"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Registry is the table of active sounds. It is the only place handles are
// stopped, and each handle is stopped exactly once, when its entry leaves
// the table. The generation clock is advanced under the same lock so that a
// stale insert can never land after a bulk stop.
type Registry struct {
	clock       *GenerationClock
	telemetry   *telemetry.Telemetry
	releaseFade time.Duration

	mu     sync.Mutex
	sounds map[string]*ActiveSound
}

// NewRegistry creates an empty registry. releaseFade is applied when
// handles are stopped; zero stops them immediately.
func NewRegistry(clock *GenerationClock, releaseFade time.Duration, tel *telemetry.Telemetry) *Registry {
	return &Registry{
		clock:       clock,
		telemetry:   tel,
		releaseFade: releaseFade,
		sounds:      make(map[string]*ActiveSound),
	}
}

func newActiveSound(key, source string, h audio.Handle, volume float64) *ActiveSound {
	return &ActiveSound{
		Key:       key,
		Source:    source,
		StartedAt: time.Now(),
		handle:    h,
		volume:    volume,
		done:      make(chan struct{}),
	}
}

// insertIfCurrent adds s unless its key is taken or the generation moved
// past gen. The caller keeps ownership of s.handle when it returns false.
func (r *Registry) insertIfCurrent(s *ActiveSound, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clock.Load() != gen {
		return false
	}

	if _, ok := r.sounds[s.Key]; ok {
		return false
	}

	r.sounds[s.Key] = s
	r.telemetry.IncrementActiveSounds()

	return true
}

func (r *Registry) release(removed ...*ActiveSound) {
	for _, s := range removed {
		s.handle.Stop(r.releaseFade)
		close(s.done)
		r.telemetry.DecrementActiveSounds()
	}
}

// Stop removes and releases key. It reports whether key was active.
func (r *Registry) Stop(key string) bool {
	r.mu.Lock()
	s, ok := r.sounds[key]
	if ok {
		delete(r.sounds, key)
	}
	r.mu.Unlock()

	if ok {
		r.release(s)
	}

	return ok
}

// stopEntry removes s only if it is still the entry registered for its key.
func (r *Registry) stopEntry(s *ActiveSound) bool {
	r.mu.Lock()
	cur, ok := r.sounds[s.Key]
	if ok && cur == s {
		delete(r.sounds, s.Key)
	}
	r.mu.Unlock()

	if ok && cur == s {
		r.release(s)

		return true
	}

	return false
}

// advanceAndStop advances the generation and removes every entry whose key
// is not in keep, returning how many were removed.
func (r *Registry) advanceAndStop(keep map[string]bool) (uint64, int) {
	r.mu.Lock()

	gen := r.clock.advance()

	var removed []*ActiveSound

	for key, s := range r.sounds {
		if keep[key] {
			continue
		}

		removed = append(removed, s)
		delete(r.sounds, key)
	}

	r.mu.Unlock()

	r.release(removed...)

	return gen, len(removed)
}

func (r *Registry) get(key string) (*ActiveSound, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sounds[key]

	return s, ok
}

func (r *Registry) isCurrent(s *ActiveSound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sounds[s.Key] == s
}

// Has reports whether key is active.
func (r *Registry) Has(key string) bool {
	_, ok := r.get(key)

	return ok
}

// Len returns the number of active sounds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sounds)
}

// Keys returns the active keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.sounds))

	for k := range r.sounds {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	slices.Sort(keys)

	return keys
}

// Snapshot describes every active sound, sorted by key.
func (r *Registry) Snapshot() []SoundInfo {
	r.mu.Lock()
	out := make([]SoundInfo, 0, len(r.sounds))

	for _, s := range r.sounds {
		out = append(out, SoundInfo{
			Key:       s.Key,
			Source:    s.Source,
			Volume:    s.volume,
			State:     s.handle.State().String(),
			StartedAt: s.StartedAt,
		})
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b SoundInfo) int {
		if a.Key < b.Key {
			return -1
		}

		if a.Key > b.Key {
			return 1
		}

		return 0
	})

	return out
}

// SetVolume changes the volume (0-100) of key. It reports whether key was active.
func (r *Registry) SetVolume(key string, percent float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sounds[key]
	if !ok {
		return false
	}

	s.volume = percent
	s.handle.SetVolume(audio.PercentToDB(percent))

	return true
}

// rampEntry applies a transient volume to s without changing its recorded
// volume. It reports false when s is no longer registered.
func (r *Registry) rampEntry(s *ActiveSound, percent float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sounds[s.Key] != s {
		return false
	}

	s.handle.SetVolume(audio.PercentToDB(percent))

	return true
}

// Volume returns the recorded volume of key.
func (r *Registry) Volume(key string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sounds[key]
	if !ok {
		return 0, false
	}

	return s.volume, true
}

func (r *Registry) PauseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sounds {
		s.handle.Pause()
	}
}

func (r *Registry) ResumeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sounds {
		s.handle.Resume()
	}
}

// IsPaused is true only when at least one sound is active and every active
// sound reports paused.
func (r *Registry) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sounds) == 0 {
		return false
	}

	for _, s := range r.sounds {
		if s.handle.State() != audio.StatePaused {
			return false
		}
	}

	return true
}
