package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loopworks/relay/internal/bus"
	"github.com/loopworks/relay/internal/logging"
)

// reloadDebounce coalesces the burst of fs events one save produces.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads relay.json when it changes on disk and publishes the new
// config as a "config.reloaded" bus event.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		watcher: fw,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Watches the directory rather than the file: the
// atomic save replaces the file by rename, which would drop a file-level
// watch.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	logging.L_info("config: watching for changes", "path", w.path)
	go w.watchLoop(ctx)
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.running = false
	logging.L_debug("config: watcher stopped")
}

func (w *Watcher) watchLoop(ctx context.Context) {
	targetFile := filepath.Base(w.path)

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			logging.L_debug("config: watcher context cancelled")
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != targetFile {
				continue
			}
			// A save arrives as Create (rename over target) or Write.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.L_trace("config: file changed", "op", event.Op.String())
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.L_warn("config: watcher error", "error", err)
		}
	}
}

// reload re-reads the config; invalid files are logged and skipped so a
// half-edited relay.json never takes down a running instance.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.L_warn("config: reload failed, keeping previous config", "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.L_warn("config: reloaded file invalid, keeping previous config", "error", err)
		return
	}

	logging.L_info("config: reloaded", "path", w.path)
	bus.PublishEvent("config.reloaded", cfg, "config-watcher")
}
