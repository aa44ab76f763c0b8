package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Editors often write a file in several steps; events within this window
// collapse into a single reload.
const reloadDebounce = 300 * time.Millisecond

// ChangeHandler receives the freshly parsed config after a reload.
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file when it changes on disk. A parse or
// validation failure keeps the previous config in effect.
type Watcher struct {
	path string
	fw   *fsnotify.Watcher
	done chan struct{}

	mu       sync.Mutex
	handlers []ChangeHandler
}

// NewWatcher prepares a watcher for the given config file. Nothing is
// delivered until Start.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, fw: fw, done: make(chan struct{})}, nil
}

// OnChange registers a handler invoked after each successful reload.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

// Start begins watching the config file.
func (w *Watcher) Start() error {
	if err := w.fw.Add(w.path); err != nil {
		return err
	}
	go w.loop()
	slog.Info("config watcher started", "path", w.path)
	return nil
}

// Stop halts the watcher. Call at most once.
func (w *Watcher) Stop() {
	close(w.done)
	w.fw.Close()
}

func (w *Watcher) loop() {
	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-w.done:
			debounce.Stop()
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	for _, h := range handlers {
		h(cfg)
	}
}
