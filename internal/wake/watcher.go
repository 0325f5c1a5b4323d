package wake

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/telemetry"
)

const defaultPollInterval = 5 * time.Second

// Handler receives each pending wake once per watcher lifetime. Returning
// nil with AutoAck set marks the wake consumed.
type Handler func(ctx context.Context, w persistence.Wake) error

type WatcherConfig struct {
	Store  *persistence.Store
	Signal *Signal
	// TriggerName restricts delivery to one trigger; empty means all.
	TriggerName string
	// Channel restricts delivery to wakes for one ingress channel.
	Channel      string
	PollInterval time.Duration
	AutoAck      bool
	Logger       *slog.Logger
}

// Watcher delivers wakes as they land. The signal file gives low latency;
// the poll ticker covers missed edges and a missing signal directory.
type Watcher struct {
	store        *persistence.Store
	signal       *Signal
	triggerName  string
	channel      string
	pollInterval time.Duration
	autoAck      bool
	logger       *slog.Logger
	lastID       int64
}

func NewWatcher(cfg WatcherConfig) *Watcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Watcher{
		store:        cfg.Store,
		signal:       cfg.Signal,
		triggerName:  cfg.TriggerName,
		channel:      cfg.Channel,
		pollInterval: interval,
		autoAck:      cfg.AutoAck,
		logger:       telemetry.Component(cfg.Logger, "wake-watcher"),
	}
}

// Run blocks until ctx is cancelled. Pending wakes that exist at start are
// delivered first.
func (w *Watcher) Run(ctx context.Context, fn Handler) error {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if path := w.signal.Path(); path != "" {
		fsw, err := w.watchSignalDir(path)
		if err != nil {
			w.logger.Warn("signal watch unavailable, polling only", "path", path, "error", err)
		} else {
			defer fsw.Close()
			events = fsw.Events
			errs = fsw.Errors
		}
	}

	if err := w.drain(ctx, fn); err != nil {
		return err
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.signal.Path()) {
				continue
			}
			if err := w.drain(ctx, fn); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("signal watch error", "error", err)
		case <-ticker.C:
			if err := w.drain(ctx, fn); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) watchSignalDir(path string) (*fsnotify.Watcher, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create signal dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return fsw, nil
}

// drain hands every undelivered pending wake to fn in id order. Handler
// errors are logged and the wake stays pending for the next watcher.
func (w *Watcher) drain(ctx context.Context, fn Handler) error {
	wakes, err := w.store.ListWakes(ctx, persistence.WakeFilter{
		TriggerName: w.triggerName,
		Channel:     w.channel,
		AfterID:     w.lastID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("list wakes: %w", err)
	}
	for _, wk := range wakes {
		w.lastID = wk.ID
		if err := fn(ctx, wk); err != nil {
			w.logger.Warn("wake handler failed", "wake_id", wk.ID, "trigger", wk.TriggerName, "error", err)
			continue
		}
		if w.autoAck {
			if err := w.store.AckWake(ctx, wk.ID); err != nil {
				w.logger.Warn("wake ack failed", "wake_id", wk.ID, "error", err)
			}
		}
	}
	return nil
}
