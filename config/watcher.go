package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/graphloom/loom/errors"
)

// ReloadCallback receives the freshly loaded config after a file change.
type ReloadCallback func(*Config) error

// Watcher watches the config file and triggers reload callbacks, debounced.
// The health monitor registers a callback to pick up threshold changes
// without a restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	log     *zap.SugaredLogger

	mu            sync.Mutex
	callbacks     []ReloadCallback
	debounceTimer *time.Timer
	ownWrite      bool

	done chan struct{}
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, log *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", path)
	}

	return &Watcher{
		path:    path,
		watcher: fsw,
		log:     log.Named("config.watcher"),
		done:    make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// MarkOwnWrite suppresses the next reload, preventing loops when we persist
// config changes ourselves.
func (w *Watcher) MarkOwnWrite() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ownWrite = true
}

// Start begins watching. Returns immediately; events are handled on a
// background goroutine until Stop.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends watching and releases the fsnotify handle.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces rapid successive writes (editors often write a
// file several times in quick succession).
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(500*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if w.ownWrite {
		w.ownWrite = false
		w.mu.Unlock()
		return
	}
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.log.Warnw("Config reload failed, keeping previous config", "error", err)
		return
	}

	w.log.Infow("Config reloaded", "path", w.path)
	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			w.log.Warnw("Config reload callback failed", "error", err)
		}
	}
}
