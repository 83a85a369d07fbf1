package config

import (
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/appgate/internal/logging"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the new value to registered callbacks. Callers decide which settings are
// safe to apply at runtime.
type Watcher struct {
	fs       *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration

	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)

	reloads  atomic.Int64
	failures atomic.Int64

	started bool
	done    chan struct{}
}

// NewWatcher loads path once and prepares to watch it.
func NewWatcher(path string) (*Watcher, error) {
	loader := NewLoader()
	cfg, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fs:       fs,
		loader:   loader,
		path:     path,
		debounce: 500 * time.Millisecond,
		current:  cfg,
		done:     make(chan struct{}),
	}, nil
}

// OnChange registers fn for every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// SetDebounce sets how long the file must stay quiet before a reload.
// Call it before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start watches the file's directory; editors replace files rather than
// writing them in place.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.started = true
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	name := filepath.Base(w.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Error("Config watcher error", zap.Error(err))
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.failures.Add(1)
		logging.Error("Config reload failed, keeping the previous configuration",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.reloads.Add(1)

	w.mu.Lock()
	w.current = cfg
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	logging.Info("Config reloaded", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// GetConfig returns the last successfully loaded configuration.
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// WatcherStats counts reload attempts.
type WatcherStats struct {
	Reloads  int64 `json:"reloads"`
	Failures int64 `json:"failures"`
}

// Stats returns reload counters.
func (w *Watcher) Stats() WatcherStats {
	return WatcherStats{Reloads: w.reloads.Load(), Failures: w.failures.Load()}
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	err := w.fs.Close()
	if w.started {
		<-w.done
	}
	return err
}
