// Package queue is the task queue engine shared by every producer and the
// single worker. All state lives in the store; the engine adds tracing,
// metrics, bus events and the wake side effects around each transaction.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-atlas/internal/bus"
	"github.com/basket/go-atlas/internal/otel"
	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/telemetry"
	"github.com/basket/go-atlas/internal/wake"
)

type Config struct {
	Store *persistence.Store
	Bus   *bus.Bus
	Wake  *wake.Coordinator
	// WorkerSignal is touched after every enqueue.
	WorkerSignal *wake.Signal
	Tracer       trace.Tracer
	Metrics      *otel.Metrics
	Logger       *slog.Logger
}

// Claim is the result of ClaimNext. Task is nil when nothing is pending.
type Claim struct {
	Task *persistence.Task `json:"task"`
	// Resumed means the task was already processing before this call.
	Resumed bool `json:"resumed"`
}

// Stats is the dashboard summary.
type Stats struct {
	Tasks        map[persistence.TaskStatus]int `json:"tasks"`
	Messages     map[string]int                 `json:"messages"`
	PendingWakes int                            `json:"pending_wakes"`
	Processing   *persistence.Task              `json:"processing,omitempty"`
}

type Engine struct {
	store        *persistence.Store
	bus          *bus.Bus
	wake         *wake.Coordinator
	workerSignal *wake.Signal
	tracer       trace.Tracer
	metrics      *otel.Metrics
	logger       *slog.Logger
}

func New(cfg Config) *Engine {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Noop().Tracer
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &otel.Metrics{}
	}
	coord := cfg.Wake
	if coord == nil {
		coord = wake.New(wake.Config{Store: cfg.Store, Bus: cfg.Bus, Tracer: tracer, Metrics: metrics, Logger: cfg.Logger})
	}
	return &Engine{
		store:        cfg.Store,
		bus:          cfg.Bus,
		wake:         coord,
		workerSignal: cfg.WorkerSignal,
		tracer:       tracer,
		metrics:      metrics,
		logger:       telemetry.Component(cfg.Logger, "queue"),
	}
}

// Wake exposes the coordinator so callers register awaits through the same
// notification path.
func (e *Engine) Wake() *wake.Coordinator {
	return e.wake
}

func (e *Engine) Enqueue(ctx context.Context, triggerName, content string) (task *persistence.Task, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, e.tracer, "queue.enqueue", otel.AttrTrigger.String(triggerName))
	defer func() {
		e.metrics.ObserveOp(ctx, "enqueue", start, err)
		otel.EndSpan(span, err)
	}()

	task, err = e.store.EnqueueTask(ctx, triggerName, content)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(otel.AttrTaskID.Int64(task.ID))
	e.metrics.Add(ctx, e.metrics.TasksEnqueued, otel.AttrTrigger.String(task.TriggerName))
	e.publish(bus.TopicTaskEnqueued, task, "")
	e.signalWorker(ctx)
	telemetry.FromContext(ctx, e.logger).Info("task enqueued", "task_id", task.ID, "trigger", task.TriggerName)
	return task, nil
}

func (e *Engine) ClaimNext(ctx context.Context) (claim Claim, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, e.tracer, "queue.claim")
	defer func() {
		e.metrics.ObserveOp(ctx, "claim", start, err)
		otel.EndSpan(span, err)
	}()

	task, resumed, err := e.store.ClaimNextTask(ctx)
	if err != nil {
		return Claim{}, err
	}
	if task == nil {
		return Claim{}, nil
	}
	span.SetAttributes(otel.AttrTaskID.Int64(task.ID))
	log := telemetry.FromContext(ctx, e.logger)
	if resumed {
		log.Warn("task still processing, resuming", "task_id", task.ID, "trigger", task.TriggerName)
		return Claim{Task: task, Resumed: true}, nil
	}
	e.metrics.Add(ctx, e.metrics.TasksClaimed)
	e.publish(bus.TopicTaskClaimed, task, persistence.TaskStatusPending)
	log.Info("task claimed", "task_id", task.ID, "trigger", task.TriggerName)
	return Claim{Task: task}, nil
}

func (e *Engine) Complete(ctx context.Context, id int64, summary string) (task *persistence.Task, w *persistence.Wake, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, e.tracer, "queue.complete", otel.AttrTaskID.Int64(id))
	defer func() {
		e.metrics.ObserveOp(ctx, "complete", start, err)
		otel.EndSpan(span, err)
	}()

	task, w, err = e.store.CompleteTask(ctx, id, summary)
	if err != nil {
		e.countConflict(ctx, "complete", err)
		return nil, nil, err
	}
	e.metrics.Add(ctx, e.metrics.TasksCompleted, otel.AttrTrigger.String(task.TriggerName))
	e.publish(bus.TopicTaskCompleted, task, persistence.TaskStatusProcessing)
	e.wake.Notify(ctx, w)
	telemetry.FromContext(ctx, e.logger).Info("task completed", "task_id", task.ID, "woke", w != nil)
	return task, w, nil
}

// Cancel drops a pending task and its await. The awaiter is only woken when
// the coordinator is configured to notify on cancel.
func (e *Engine) Cancel(ctx context.Context, id int64, reason string) (task *persistence.Task, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, e.tracer, "queue.cancel", otel.AttrTaskID.Int64(id))
	defer func() {
		e.metrics.ObserveOp(ctx, "cancel", start, err)
		otel.EndSpan(span, err)
	}()

	task, w, err := e.store.CancelTask(ctx, id, reason, e.wake.NotifyOnCancel())
	if err != nil {
		e.countConflict(ctx, "cancel", err)
		return nil, err
	}
	e.metrics.Add(ctx, e.metrics.TasksCancelled, otel.AttrTrigger.String(task.TriggerName))
	e.publish(bus.TopicTaskCancelled, task, persistence.TaskStatusPending)
	e.wake.Notify(ctx, w)
	telemetry.FromContext(ctx, e.logger).Info("task cancelled", "task_id", task.ID)
	return task, nil
}

func (e *Engine) UpdateContent(ctx context.Context, id int64, content string) (task *persistence.Task, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, e.tracer, "queue.update", otel.AttrTaskID.Int64(id))
	defer func() {
		e.metrics.ObserveOp(ctx, "update", start, err)
		otel.EndSpan(span, err)
	}()

	task, err = e.store.UpdateTaskContent(ctx, id, content)
	if err != nil {
		e.countConflict(ctx, "update", err)
		return nil, err
	}
	e.publish(bus.TopicTaskUpdated, task, persistence.TaskStatusPending)
	return task, nil
}

func (e *Engine) Get(ctx context.Context, id int64) (*persistence.Task, error) {
	return e.store.GetTask(ctx, id)
}

func (e *Engine) List(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, error) {
	return e.store.ListTasks(ctx, f)
}

func (e *Engine) Events(ctx context.Context, id int64) ([]persistence.TaskEvent, error) {
	return e.store.ListTaskEvents(ctx, id)
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	tasks, err := e.store.TaskCounts(ctx)
	if err != nil {
		return nil, err
	}
	messages, err := e.store.MessageCountsByChannel(ctx)
	if err != nil {
		return nil, err
	}
	wakes, err := e.store.PendingWakeCount(ctx)
	if err != nil {
		return nil, err
	}
	processing, err := e.store.ProcessingTask(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Tasks: tasks, Messages: messages, PendingWakes: wakes, Processing: processing}, nil
}

// SignalWorker touches the worker signal without enqueueing. Ingress uses it
// after logging an inbound message.
func (e *Engine) SignalWorker(ctx context.Context) {
	e.signalWorker(ctx)
}

func (e *Engine) signalWorker(ctx context.Context) {
	if err := e.workerSignal.Touch(); err != nil {
		e.metrics.Add(ctx, e.metrics.SignalFailures)
		telemetry.FromContext(ctx, e.logger).Warn("worker signal failed", "path", e.workerSignal.Path(), "error", err)
	}
}

func (e *Engine) countConflict(ctx context.Context, op string, err error) {
	if errors.Is(err, persistence.ErrInvalidTransition) {
		e.metrics.Add(ctx, e.metrics.Conflicts, otel.AttrOperation.String(op))
	}
}

func (e *Engine) publish(topic string, task *persistence.Task, from persistence.TaskStatus) {
	e.bus.Publish(topic, bus.TaskEvent{
		TaskID:      task.ID,
		TriggerName: task.TriggerName,
		OldStatus:   string(from),
		NewStatus:   string(task.Status),
	})
}

// Describe renders a one-line task summary for logs and CLI output.
func Describe(t *persistence.Task) string {
	if t == nil {
		return "no task"
	}
	return fmt.Sprintf("#%d [%s] %s", t.ID, t.Status, t.TriggerName)
}
