// Package wake links task completion back to the trigger invocation that
// produced the task.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-atlas/internal/bus"
	"github.com/basket/go-atlas/internal/otel"
	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/telemetry"
)

type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Signal *Signal
	// NotifyOnCancel makes cancelled tasks wake their awaiter.
	NotifyOnCancel bool
	Tracer         trace.Tracer
	Metrics        *otel.Metrics
	Logger         *slog.Logger
}

type Coordinator struct {
	store          *persistence.Store
	bus            *bus.Bus
	signal         *Signal
	notifyOnCancel bool
	tracer         trace.Tracer
	metrics        *otel.Metrics
	logger         *slog.Logger
}

func New(cfg Config) *Coordinator {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Noop().Tracer
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &otel.Metrics{}
	}
	return &Coordinator{
		store:          cfg.Store,
		bus:            cfg.Bus,
		signal:         cfg.Signal,
		notifyOnCancel: cfg.NotifyOnCancel,
		tracer:         tracer,
		metrics:        metrics,
		logger:         telemetry.Component(cfg.Logger, "wake"),
	}
}

// NotifyOnCancel reports whether cancel should resolve awaits into wakes.
func (c *Coordinator) NotifyOnCancel() bool {
	return c.notifyOnCancel
}

// RegisterAwait records that triggerName/sessionKey waits on taskID. When the
// task already finished the wake is written immediately and reg.Await is
// nil. Side effects run only for a wake this call created.
func (c *Coordinator) RegisterAwait(ctx context.Context, taskID int64, triggerName, sessionKey string) (reg *persistence.Registration, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, c.tracer, "wake.register_await",
		otel.AttrTaskID.Int64(taskID), otel.AttrTrigger.String(triggerName), otel.AttrSessionKey.String(sessionKey))
	defer func() {
		c.metrics.ObserveOp(ctx, "register_await", start, err)
		otel.EndSpan(span, err)
	}()

	reg, err = c.store.RegisterAwait(ctx, taskID, triggerName, sessionKey)
	if err != nil {
		return nil, err
	}
	if reg.Emitted {
		c.Notify(ctx, reg.Wake)
	}
	return reg, nil
}

// Notify delivers the side effects of a committed wake: bus event, metric
// and the file signal. Signal failures are logged only; the record is
// already durable.
func (c *Coordinator) Notify(ctx context.Context, w *persistence.Wake) {
	if w == nil {
		return
	}
	log := telemetry.FromContext(ctx, c.logger)
	c.metrics.Add(ctx, c.metrics.WakesEmitted, otel.AttrTrigger.String(w.TriggerName), otel.AttrOutcome.String(string(w.Outcome)))
	c.bus.Publish(bus.TopicWakeEmitted, bus.WakeEvent{
		WakeID:      w.ID,
		TriggerName: w.TriggerName,
		TaskID:      w.TaskID,
		SessionKey:  w.SessionKey,
		SessionID:   w.SessionID,
		Channel:     w.Channel,
		Outcome:     string(w.Outcome),
	})
	if err := c.signal.Touch(); err != nil {
		c.metrics.Add(ctx, c.metrics.SignalFailures)
		log.Warn("wake signal failed", "path", c.signal.Path(), "wake_id", w.ID, "error", err)
		return
	}
	log.Info("wake emitted", "wake_id", w.ID, "trigger", w.TriggerName, "task_id", w.TaskID, "outcome", w.Outcome)
}

// Pending lists unacked wakes, optionally for one trigger.
func (c *Coordinator) Pending(ctx context.Context, triggerName string, limit int) ([]persistence.Wake, error) {
	wakes, err := c.store.ListWakes(ctx, persistence.WakeFilter{TriggerName: triggerName, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("pending wakes: %w", err)
	}
	return wakes, nil
}

// Ack marks a wake consumed.
func (c *Coordinator) Ack(ctx context.Context, id int64) error {
	if err := c.store.AckWake(ctx, id); err != nil {
		return fmt.Errorf("ack wake %d: %w", id, err)
	}
	return nil
}
