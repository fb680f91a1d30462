package environment

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/italolelis/ambiance/internal/logctx"
)

const debounceWindow = 100 * time.Millisecond

// Watcher reports changed definition files in a set of directories.
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan string
	Errors  chan error
	closeCh chan struct{}
	once    sync.Once
}

// NewWatcher watches dirs. Directories that do not exist are skipped.
func NewWatcher(dirs ...string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, dir := range dirs {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err := w.Add(dir); err != nil {
			_ = w.Close()

			return nil, err
		}
	}

	watcher := &Watcher{
		watcher: w,
		Events:  make(chan string, 16),
		Errors:  make(chan error, 1),
		closeCh: make(chan struct{}),
	}
	go watcher.run()

	return watcher, nil
}

func (w *Watcher) Close() error {
	var err error

	w.once.Do(func() {
		close(w.closeCh)
		err = w.watcher.Close()
	})

	return err
}

func (w *Watcher) run() {
	last := make(map[string]time.Time)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			if !isDefinition(event.Name) {
				continue
			}

			now := time.Now()
			if t, ok := last[event.Name]; ok && now.Sub(t) < debounceWindow {
				continue
			}

			last[event.Name] = now

			select {
			case w.Events <- event.Name:
			case <-w.closeCh:
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			select {
			case w.Errors <- err:
			default:
			}
		case <-w.closeCh:
			return
		}
	}
}

// Watch invalidates cached definitions as their files change, until ctx is
// cancelled. onChange, when set, is called with each changed path.
func (l *Loader) Watch(ctx context.Context, w *Watcher, onChange func(path string)) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.Events:
			l.Invalidate(path)
			logger.Info("environment definition changed", "file", path)

			if onChange != nil {
				onChange(path)
			}
		case err := <-w.Errors:
			logger.Warn("environment watcher error", "err", err)
		}
	}
}
