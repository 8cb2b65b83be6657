package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives the freshly loaded config after the file on
// disk changes. Handlers apply what can change at runtime (safety-sync
// interval, worker rate); everything else waits for a restart.
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file when it is rewritten. Editors and
// config-management tools tend to fire several fs events per save, so
// reloads are debounced.
type Watcher struct {
	path     string
	fw       *fsnotify.Watcher
	debounce time.Duration
	stopChan chan struct{}

	mu       sync.Mutex
	handlers []ChangeHandler
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, fw: fw, debounce: 300 * time.Millisecond}, nil
}

// OnChange registers a handler invoked on every successful reload.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching. The file must exist.
func (w *Watcher) Start() error {
	if err := w.fw.Add(w.path); err != nil {
		return err
	}
	w.stopChan = make(chan struct{})
	go w.run()
	slog.Info("config watcher started", "path", w.path)
	return nil
}

// Stop ends the watch.
func (w *Watcher) Stop() {
	if w.stopChan != nil {
		close(w.stopChan)
	}
	w.fw.Close()
	slog.Info("config watcher stopped")
}

func (w *Watcher) run() {
	var pending *time.Timer

	for {
		select {
		case <-w.stopChan:
			if pending != nil {
				pending.Stop()
			}
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

// reload parses the file and fans it out. A file that no longer parses
// or validates keeps the previous config in effect.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload rejected", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	slog.Info("config reloaded", "path", w.path)
}
