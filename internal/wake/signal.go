package wake

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Signal is an edge-triggered file hint. Touching it bumps the mtime so an
// external watcher can react; the durable record lives in the store.
type Signal struct {
	path string
}

func NewSignal(path string) *Signal {
	return &Signal{path: path}
}

func (s *Signal) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Touch creates the file if missing and sets its mtime to now.
func (s *Signal) Touch() error {
	if s == nil || s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	now := time.Now()
	if err := os.Chtimes(s.path, now, now); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("touch signal: %w", err)
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create signal: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close signal: %w", err)
		}
	}
	return nil
}

// ModTime reports the last touch; the zero time means never touched.
func (s *Signal) ModTime() time.Time {
	if s == nil || s.path == "" {
		return time.Time{}
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
