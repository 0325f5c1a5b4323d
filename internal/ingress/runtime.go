package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/queue"
	"github.com/basket/go-atlas/internal/shared"
	"github.com/basket/go-atlas/internal/telemetry"
)

// Invocation is everything a runtime needs to run one trigger firing.
type Invocation struct {
	ID          string                  `json:"id"`
	TriggerName string                  `json:"trigger_name"`
	Channel     string                  `json:"channel"`
	Payload     string                  `json:"payload,omitempty"`
	Prompt      string                  `json:"prompt"`
	SessionKey  string                  `json:"session_key,omitempty"`
	SessionMode persistence.SessionMode `json:"session_mode"`
	// SessionID is the session to resume for persistent triggers.
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id"`
}

// Runtime executes a trigger invocation. It owns any enqueue and await
// registration; ingress never enqueues on its own.
type Runtime interface {
	Fire(ctx context.Context, inv Invocation) error
}

// ExecRuntime starts `<command> <name> <payload> [session_key]` detached.
// The rendered prompt and session context travel in the environment.
type ExecRuntime struct {
	Command string
	Dir     string
	Logger  *slog.Logger
}

func (r *ExecRuntime) Fire(ctx context.Context, inv Invocation) error {
	parts := strings.Fields(r.Command)
	if len(parts) == 0 {
		return errors.New("trigger command not configured")
	}
	args := append(parts[1:], inv.TriggerName, inv.Payload)
	if inv.SessionKey != "" {
		args = append(args, inv.SessionKey)
	}
	// Not bound to ctx: the invocation outlives the request that fired it.
	cmd := exec.Command(parts[0], args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(),
		"ATLAS_TRIGGER_NAME="+inv.TriggerName,
		"ATLAS_TRIGGER_PROMPT="+inv.Prompt,
		"ATLAS_TRIGGER_CHANNEL="+inv.Channel,
		"ATLAS_SESSION_MODE="+string(inv.SessionMode),
		"ATLAS_SESSION_ID="+inv.SessionID,
		"ATLAS_INVOCATION_ID="+inv.ID,
		"ATLAS_TRACE_ID="+inv.TraceID,
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start trigger %s: %w", inv.TriggerName, err)
	}
	logger := telemetry.FromContext(ctx, telemetry.Component(r.Logger, "runtime"))
	logger.Info("trigger process started", "trigger", inv.TriggerName, "pid", cmd.Process.Pid, "invocation_id", inv.ID)
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Warn("trigger process exited", "trigger", inv.TriggerName, "invocation_id", inv.ID, "error", err)
		}
	}()
	return nil
}

// QueueRuntime is the in-process fallback when no external runtime is
// configured: the rendered prompt becomes a task for the worker, and the
// invocation awaits it so the worker's result wakes the trigger.
type QueueRuntime struct {
	Queue *queue.Engine
}

func (r *QueueRuntime) Fire(ctx context.Context, inv Invocation) error {
	content := inv.Prompt
	if strings.TrimSpace(content) == "" {
		content = fmt.Sprintf("Trigger %s fired.", inv.TriggerName)
	}
	ctx = shared.WithTriggerName(ctx, inv.TriggerName)
	task, err := r.Queue.Enqueue(ctx, inv.TriggerName, content)
	if err != nil {
		return fmt.Errorf("enqueue for trigger %s: %w", inv.TriggerName, err)
	}
	if _, err := r.Queue.Wake().RegisterAwait(ctx, task.ID, inv.TriggerName, inv.SessionKey); err != nil {
		return fmt.Errorf("await task %d: %w", task.ID, err)
	}
	return nil
}
