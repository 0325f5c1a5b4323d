package shared

import (
	"context"

	"github.com/google/uuid"
)

// AdhocTrigger is the synthetic trigger name for tasks with no registered owner.
const AdhocTrigger = "adhoc"

// noTrace is what TraceID reports for a context without one; log lines and
// audit rows always carry a trace_id field.
const noTrace = "-"

type ctxKey uint8

const (
	keyTrace ctxKey = iota
	keyRun
	keyTrigger
)

func with(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func lookup(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context { return with(ctx, keyTrace, id) }

// TraceID is the request's trace_id, or "-".
func TraceID(ctx context.Context) string {
	if v := lookup(ctx, keyTrace); v != "" {
		return v
	}
	return noTrace
}

func NewTraceID() string { return uuid.NewString() }

// EnsureTraceID returns ctx unchanged when it already carries a trace_id,
// otherwise a child context with a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if lookup(ctx, keyTrace) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// WithRunID tags ctx with the invocation that is running. Task events
// record it so a task can be traced back to the fire that queued it.
func WithRunID(ctx context.Context, id string) context.Context { return with(ctx, keyRun, id) }

func RunID(ctx context.Context) string { return lookup(ctx, keyRun) }

// WithTriggerName tags ctx with the trigger a runtime is executing for.
func WithTriggerName(ctx context.Context, name string) context.Context {
	return with(ctx, keyTrigger, name)
}

func TriggerName(ctx context.Context) string { return lookup(ctx, keyTrigger) }
