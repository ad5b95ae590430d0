package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Manager holds the current catalog and swaps it atomically when the file
// changes. A catalog that fails to parse or validate is rejected and the
// previous one stays in place.
type Manager struct {
	catalog atomic.Pointer[Catalog]
	path    string
	logger  *slog.Logger

	mu       sync.Mutex
	onChange []func(*Catalog)
	watcher  *fsnotify.Watcher
}

// NewManager loads the catalog at path, or the built-in default catalog when
// path is empty.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cat := DefaultCatalog()
	if path != "" {
		loaded, err := LoadCatalog(path)
		if err != nil {
			return nil, err
		}
		cat = loaded
	}

	m := &Manager{path: path, logger: logger}
	m.catalog.Store(cat)
	return m, nil
}

// Get returns the current catalog. Safe for concurrent use.
func (m *Manager) Get() *Catalog {
	return m.catalog.Load()
}

func (m *Manager) OnChange(fn func(*Catalog)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Watch reloads the catalog on file changes until ctx is done. It watches
// the parent directory so editors that replace the file on save are seen.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounce *time.Timer
	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, m.Reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("catalog watcher error", "error", err)
		}
	}
}

// Reload re-reads the catalog file and notifies listeners on success.
func (m *Manager) Reload() {
	if m.path == "" {
		return
	}

	cat, err := LoadCatalog(m.path)
	if err != nil {
		m.logger.Error("failed to reload catalog, keeping current", "path", m.path, "error", err)
		return
	}

	m.catalog.Store(cat)
	m.logger.Info("catalog reloaded",
		"path", m.path,
		"providers", len(cat.Providers),
		"models", len(cat.Models),
		"tenants", len(cat.Tenants),
	)

	m.mu.Lock()
	listeners := append([]func(*Catalog){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(cat)
	}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
