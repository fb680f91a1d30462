package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/italolelis/ambiance/internal/logctx"
)

// ErrNotFound is returned when no directory holds the requested environment.
var ErrNotFound = errors.New("environment not found")

// Loader reads environment definitions from a list of directories. When two
// directories hold the same file name the later directory wins. Parsed
// definitions are cached until invalidated.
type Loader struct {
	dirs []string

	mu    sync.RWMutex
	cache map[string]*Environment
}

func NewLoader(dirs ...string) *Loader {
	return &Loader{
		dirs:  dirs,
		cache: make(map[string]*Environment),
	}
}

// LoadFile parses and validates a single definition.
func LoadFile(path string) (*Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment %s: %w", path, err)
	}

	var env Environment
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse environment %s: %w", path, err)
	}

	env.File = path

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return &env, nil
}

func isDefinition(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))

	return ext == ".yaml" || ext == ".yml"
}

// discover maps file names to paths across all directories. Missing
// directories are skipped.
func (l *Loader) discover() (map[string]string, error) {
	files := make(map[string]string)

	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("failed to read environment directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !isDefinition(entry.Name()) {
				continue
			}

			files[entry.Name()] = filepath.Join(dir, entry.Name())
		}
	}

	return files, nil
}

func (l *Loader) cached(file string) (*Environment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	env, ok := l.cache[file]

	return env, ok
}

func (l *Loader) load(file, path string) (*Environment, error) {
	if env, ok := l.cached(file); ok {
		return env, nil
	}

	env, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[file] = env
	l.mu.Unlock()

	return env, nil
}

// Load finds an environment by file name, file name without extension, or
// display name (case-insensitive), in that order.
func (l *Loader) Load(ctx context.Context, name string) (*Environment, error) {
	files, err := l.discover()
	if err != nil {
		return nil, err
	}

	for _, candidate := range []string{name, name + ".yaml", name + ".yml"} {
		if path, ok := files[candidate]; ok {
			return l.load(candidate, path)
		}
	}

	all, err := l.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	for _, envs := range all {
		for _, env := range envs {
			if strings.EqualFold(env.Name, name) {
				return env, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// LoadAll returns every valid environment grouped by category, each group
// sorted by name. Definitions that fail to load are logged and skipped.
func (l *Loader) LoadAll(ctx context.Context) (map[string][]*Environment, error) {
	logger := logctx.LoggerFromContext(ctx)

	files, err := l.discover()
	if err != nil {
		return nil, err
	}

	byCategory := make(map[string][]*Environment)

	for file, path := range files {
		env, err := l.load(file, path)
		if err != nil {
			logger.Warn("skipping environment", "file", path, "err", err)

			continue
		}

		byCategory[env.Category] = append(byCategory[env.Category], env)
	}

	for _, envs := range byCategory {
		slices.SortFunc(envs, func(a, b *Environment) int {
			return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		})
	}

	return byCategory, nil
}

// Invalidate drops the cached definition for path.
func (l *Loader) Invalidate(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.cache, filepath.Base(path))
}
