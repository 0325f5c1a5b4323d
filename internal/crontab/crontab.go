// Package crontab renders the supercronic schedule descriptor from the
// enabled cron triggers. Hand-written lines above the marker are kept.
package crontab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/telemetry"
	"github.com/basket/go-atlas/internal/trigger"
)

const (
	Marker        = "# === AUTO-GENERATED TRIGGERS (do not edit below) ==="
	DefaultHeader = "# Atlas Crontab (supercronic)"
	emptyTriggers = "# (no cron triggers configured)"
	DefaultInvoke = "atlas trigger fire"
	crontabPerm   = 0o644
)

type Config struct {
	Store *persistence.Store
	// Path is the descriptor supercronic watches.
	Path string
	// DefaultsPath seeds the static part when Path does not exist yet.
	DefaultsPath string
	// InvokeCommand is prefixed to the trigger name on each line.
	InvokeCommand string
	Logger        *slog.Logger
}

type Generator struct {
	store        *persistence.Store
	path         string
	defaultsPath string
	invoke       string
	logger       *slog.Logger
}

func NewGenerator(cfg Config) *Generator {
	invoke := strings.TrimSpace(cfg.InvokeCommand)
	if invoke == "" {
		invoke = DefaultInvoke
	}
	return &Generator{
		store:        cfg.Store,
		path:         cfg.Path,
		defaultsPath: cfg.DefaultsPath,
		invoke:       invoke,
		logger:       telemetry.Component(cfg.Logger, "crontab"),
	}
}

func (g *Generator) Path() string {
	return g.path
}

// Sync rewrites the descriptor atomically.
func (g *Generator) Sync(ctx context.Context) error {
	_, err := g.SyncCount(ctx)
	return err
}

// SyncCount is Sync that also reports how many trigger lines were written.
func (g *Generator) SyncCount(ctx context.Context) (int, error) {
	if g.path == "" {
		return 0, errors.New("crontab path not configured")
	}
	triggers, err := g.store.ListEnabledCronTriggers(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cron triggers: %w", err)
	}
	static, err := g.staticPart()
	if err != nil {
		return 0, err
	}
	lines := Lines(triggers, g.invoke)
	if err := writeAtomic(g.path, []byte(Render(static, lines))); err != nil {
		return 0, err
	}
	telemetry.FromContext(ctx, g.logger).Info("crontab synced", "path", g.path, "triggers", len(lines))
	return len(lines), nil
}

// staticPart is everything above the marker in the current file, else the
// defaults file, else a bare header.
func (g *Generator) staticPart() (string, error) {
	existing, err := os.ReadFile(g.path)
	switch {
	case err == nil:
		text := string(existing)
		if idx := strings.Index(text, Marker); idx >= 0 {
			text = text[:idx]
		}
		return strings.TrimRight(text, " \t\r\n"), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read crontab: %w", err)
	}
	if g.defaultsPath != "" {
		defaults, err := os.ReadFile(g.defaultsPath)
		if err == nil {
			return strings.TrimRight(string(defaults), " \t\r\n"), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read crontab defaults: %w", err)
		}
	}
	return DefaultHeader, nil
}

// Lines renders one descriptor line per trigger. Names or schedules outside
// the safe character sets are skipped even if they reached the store.
func Lines(triggers []persistence.Trigger, invoke string) []string {
	var out []string
	for _, t := range triggers {
		if !trigger.ValidName(t.Name) || !trigger.SafeSchedule(t.Schedule) {
			continue
		}
		out = append(out, t.Schedule+"  "+invoke+" "+t.Name)
	}
	return out
}

func Render(static string, lines []string) string {
	parts := []string{static, "", Marker}
	if len(lines) == 0 {
		parts = append(parts, emptyTriggers)
	} else {
		parts = append(parts, lines...)
	}
	parts = append(parts, "")
	return strings.Join(parts, "\n")
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create crontab dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".crontab-*")
	if err != nil {
		return fmt.Errorf("create temp crontab: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp crontab: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp crontab: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp crontab: %w", err)
	}
	if err := os.Chmod(tmpName, crontabPerm); err != nil {
		return fmt.Errorf("chmod temp crontab: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace crontab: %w", err)
	}
	return nil
}
