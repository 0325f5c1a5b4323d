package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the queue, wake and ingress instruments.
type Metrics struct {
	TasksEnqueued  metric.Int64Counter
	TasksClaimed   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksCancelled metric.Int64Counter
	// Conflicts counts status-guarded updates that matched no row.
	Conflicts       metric.Int64Counter
	WakesEmitted    metric.Int64Counter
	SignalFailures  metric.Int64Counter
	WebhookRequests metric.Int64Counter
	OpDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksEnqueued, "atlas.task.enqueued", "Tasks enqueued"},
		{&m.TasksClaimed, "atlas.task.claimed", "Tasks claimed by the worker"},
		{&m.TasksCompleted, "atlas.task.completed", "Tasks completed"},
		{&m.TasksCancelled, "atlas.task.cancelled", "Tasks cancelled"},
		{&m.Conflicts, "atlas.task.conflicts", "Rejected task transitions"},
		{&m.WakesEmitted, "atlas.wake.emitted", "Wake records written"},
		{&m.SignalFailures, "atlas.wake.signal_failures", "Wake signal touches that failed"},
		{&m.WebhookRequests, "atlas.webhook.requests", "Webhook requests by outcome"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.OpDuration, err = meter.Float64Histogram("atlas.op.duration",
		metric.WithDescription("Coordination operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveOp records the duration of one named operation and its outcome.
func (m *Metrics) ObserveOp(ctx context.Context, op string, start time.Time, err error) {
	if m == nil || m.OpDuration == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.OpDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(AttrOperation.String(op), AttrOutcome.String(outcome)))
}

// Add increments c when both m and c are set.
func (m *Metrics) Add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
