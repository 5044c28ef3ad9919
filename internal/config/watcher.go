package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"engram/internal/logging"
)

// Watcher reloads the config file when it changes on disk so tunables
// (similarity thresholds, logging categories, queue caps) can be adjusted
// without a restart. Connection-level settings are intentionally not
// hot-applied; a reload only swaps the stored snapshot.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	path        string
	dataDir     string
	current     *Config
	onReload    func(*Config)
	debounceDur time.Duration
	lastEvent   time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the config file at path. onReload is
// invoked with the freshly loaded config after each successful reload.
func NewWatcher(path, dataDir string, initial *Config, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		path:        path,
		dataDir:     dataDir,
		current:     initial,
		onReload:    onReload,
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Current returns the latest config snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching. Non-blocking; events are handled in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go func() {
		defer close(w.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				w.mu.Lock()
				if time.Since(w.lastEvent) < w.debounceDur {
					w.mu.Unlock()
					continue
				}
				w.lastEvent = time.Now()
				w.mu.Unlock()
				w.reload()
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path, w.dataDir)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config reload failed, keeping previous: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.Get(logging.CategoryBoot).Warn("config reload rejected: %v", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	cb := w.onReload
	w.mu.Unlock()

	logging.Apply(cfg.Logging)
	logging.Boot("config reloaded from %s", w.path)
	if cb != nil {
		cb(cfg)
	}
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()
	close(w.stopCh)
	_ = w.watcher.Close()
	<-w.doneCh
}
