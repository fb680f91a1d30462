package atmosphere

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/ambiance/internal/audio"
	"github.com/italolelis/ambiance/internal/download"
)

var errNotASound = errors.New("not a sound")

type fakeHandle struct {
	source string
	loop   bool

	mu      sync.Mutex
	state   audio.State
	volumes []float64
	stops   int
}

func (h *fakeHandle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != audio.StateStopped {
		h.state = audio.StatePaused
	}
}

func (h *fakeHandle) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != audio.StateStopped {
		h.state = audio.StatePlaying
	}
}

func (h *fakeHandle) Stop(time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stops++
	h.state = audio.StateStopped
}

func (h *fakeHandle) SetVolume(db float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.volumes = append(h.volumes, db)
}

func (h *fakeHandle) State() audio.State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// finish simulates the sound running out on its own.
func (h *fakeHandle) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = audio.StateStopped
}

func (h *fakeHandle) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.stops
}

func (h *fakeHandle) volumeHistory() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]float64(nil), h.volumes...)
}

type fakeBackend struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (b *fakeBackend) Decode(path string) (*audio.Sound, error) {
	if strings.Contains(path, "corrupt") {
		return nil, errNotASound
	}

	return &audio.Sound{Path: path, Duration: time.Second}, nil
}

func (b *fakeBackend) Play(s *audio.Sound, volumeDB float64, loop bool) (audio.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := &fakeHandle{
		source:  strings.TrimPrefix(s.Path, "/cache/"),
		loop:    loop,
		volumes: []float64{volumeDB},
	}
	b.handles = append(b.handles, h)

	return h, nil
}

func (b *fakeBackend) played() []*fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]*fakeHandle(nil), b.handles...)
}

func (b *fakeBackend) last(source string) *fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.handles) - 1; i >= 0; i-- {
		if b.handles[i].source == source {
			return b.handles[i]
		}
	}

	return nil
}

func (b *fakeBackend) count(source string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0

	for _, h := range b.handles {
		if h.source == source {
			n++
		}
	}

	return n
}

// fakeDownloader serves cached sources synchronously and holds the rest
// until complete is called.
type fakeDownloader struct {
	mu            sync.Mutex
	cached        map[string]bool
	unresolvable  map[string]bool
	waiting       map[string][]download.Callback
	predownloaded []string
}

func newFakeDownloader(cached ...string) *fakeDownloader {
	d := &fakeDownloader{
		cached:       make(map[string]bool),
		unresolvable: make(map[string]bool),
		waiting:      make(map[string][]download.Callback),
	}

	for _, s := range cached {
		d.cached[s] = true
	}

	return d
}

func (d *fakeDownloader) Enqueue(_ context.Context, source string, cb download.Callback) (bool, error) {
	d.mu.Lock()

	if d.unresolvable[source] {
		d.mu.Unlock()

		return false, errNotASound
	}

	if d.cached[source] {
		d.mu.Unlock()
		cb(download.Result{Path: "/cache/" + source})

		return false, nil
	}

	d.waiting[source] = append(d.waiting[source], cb)
	queued := len(d.waiting[source]) == 1
	d.mu.Unlock()

	return queued, nil
}

func (d *fakeDownloader) PreDownload(_ context.Context, source string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.predownloaded = append(d.predownloaded, source)

	return !d.cached[source], nil
}

func (d *fakeDownloader) IsCached(source string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.cached[source]
}

func (d *fakeDownloader) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.waiting)
}

func (d *fakeDownloader) IsDownloading(source string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.waiting[source]

	return ok
}

func (d *fakeDownloader) setCached(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cached[source] = true
}

// complete finishes the download of source and runs its waiters.
func (d *fakeDownloader) complete(source string, err error) {
	d.mu.Lock()
	cbs := d.waiting[source]
	delete(d.waiting, source)

	if err == nil {
		d.cached[source] = true
	}
	d.mu.Unlock()

	res := download.Result{Path: "/cache/" + source, Err: err}
	if err != nil {
		res.Path = ""
	}

	for _, cb := range cbs {
		cb(res)
	}
}

func (d *fakeDownloader) predownloads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.predownloaded...)
}
