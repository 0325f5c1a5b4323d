package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 150 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to configuration inputs such as config.yaml and
// the crontab defaults file. It watches the parent directories, so files
// that do not exist yet and editors that save by rename are both seen.
// Bursts of events for one file within the debounce window collapse into
// a single ReloadEvent.
type Watcher struct {
	files    map[string]bool
	dirs     map[string]bool
	debounce time.Duration
	logger   *slog.Logger
	events   chan ReloadEvent
}

// NewWatcher watches the given files.
func NewWatcher(logger *slog.Logger, files ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
		debounce: defaultDebounce,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
	}
	for _, f := range files {
		if f == "" {
			continue
		}
		f = filepath.Clean(f)
		w.files[f] = true
		w.dirs[filepath.Dir(f)] = true
	}
	return w
}

// WatchedFiles returns the inputs a running server should react to.
func (c Config) WatchedFiles() []string {
	return []string{ConfigPath(c.HomeDir), c.Crontab.DefaultsPath}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher: directory not watched", "dir", dir, "error", err)
		}
	}

	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	var (
		mu      sync.Mutex
		pending = map[string]*time.Timer{}
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			if t.Stop() {
				wg.Done()
			}
		}
		mu.Unlock()
		wg.Wait()
		fsw.Close()
		close(w.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			if !w.files[name] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if t, ok := pending[name]; ok && t.Stop() {
				wg.Done()
			}
			op := ev.Op
			wg.Add(1)
			var timer *time.Timer
			timer = time.AfterFunc(w.debounce, func() {
				defer wg.Done()
				mu.Lock()
				if pending[name] == timer {
					delete(pending, name)
				}
				mu.Unlock()
				select {
				case w.events <- ReloadEvent{Path: name, Op: op}:
					w.logger.Info("config file changed", "path", name, "op", op.String())
				default:
				}
			})
			pending[name] = timer
			mu.Unlock()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
