// Package ingress validates external events and hands them to the trigger
// runtime: authenticated webhooks, chat or channel messages, and manual or
// scheduled firings.
package ingress

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-atlas/internal/audit"
	"github.com/basket/go-atlas/internal/bus"
	"github.com/basket/go-atlas/internal/otel"
	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/queue"
	"github.com/basket/go-atlas/internal/shared"
	"github.com/basket/go-atlas/internal/telemetry"
	"github.com/basket/go-atlas/internal/trigger"
)

// DefaultChatTrigger handles messages from the web chat.
const DefaultChatTrigger = "web-chat"

type Config struct {
	Triggers *trigger.Registry
	Store    *persistence.Store
	Queue    *queue.Engine
	Runtime  Runtime
	// ChatTrigger is fired for inbound messages that name no trigger.
	ChatTrigger string
	Bus         *bus.Bus
	Tracer      trace.Tracer
	Metrics     *otel.Metrics
	Logger      *slog.Logger
}

type Service struct {
	triggers    *trigger.Registry
	store       *persistence.Store
	queue       *queue.Engine
	runtime     Runtime
	chatTrigger string
	bus         *bus.Bus
	tracer      trace.Tracer
	metrics     *otel.Metrics
	logger      *slog.Logger
}

func New(cfg Config) *Service {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Noop().Tracer
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &otel.Metrics{}
	}
	chat := cfg.ChatTrigger
	if chat == "" {
		chat = DefaultChatTrigger
	}
	rt := cfg.Runtime
	if rt == nil {
		rt = &QueueRuntime{Queue: cfg.Queue}
	}
	return &Service{
		triggers:    cfg.Triggers,
		store:       cfg.Store,
		queue:       cfg.Queue,
		runtime:     rt,
		chatTrigger: chat,
		bus:         cfg.Bus,
		tracer:      tracer,
		metrics:     metrics,
		logger:      telemetry.Component(cfg.Logger, "ingress"),
	}
}

// Webhook authenticates a call against a webhook trigger and hands the
// payload to the runtime. Missing or non-webhook triggers are ErrNotFound,
// disabled ones ErrForbidden, and a wrong credential ErrUnauthorized.
func (s *Service) Webhook(ctx context.Context, name, credential, payload string) (inv *Invocation, err error) {
	start := time.Now()
	ctx = shared.EnsureTraceID(ctx)
	ctx, span := otel.StartSpan(ctx, s.tracer, "ingress.webhook", otel.AttrTrigger.String(name))
	defer func() {
		s.metrics.ObserveOp(ctx, "webhook", start, err)
		s.metrics.Add(ctx, s.metrics.WebhookRequests, otel.AttrOutcome.String(webhookOutcome(err)))
		otel.EndSpan(span, err)
	}()

	t, err := s.triggers.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if t.Type != persistence.TriggerTypeWebhook {
		return nil, fmt.Errorf("webhook %q: %w", name, persistence.ErrNotFound)
	}
	if !t.Enabled {
		audit.Deny(ctx, audit.ActionWebhookInvoke, name, "trigger disabled")
		return nil, fmt.Errorf("webhook %q disabled: %w", name, persistence.ErrForbidden)
	}
	if t.HasSecret() && !secretMatches(t.WebhookSecret, credential) {
		audit.Deny(ctx, audit.ActionWebhookInvoke, name, "credential mismatch")
		return nil, fmt.Errorf("webhook %q: %w", name, persistence.ErrUnauthorized)
	}
	audit.Allow(ctx, audit.ActionWebhookInvoke, name)
	return s.handoff(ctx, t, payload, "")
}

// Fire runs a manual or scheduled trigger. Any enabled trigger type may be
// fired by name; this is the command the schedule descriptor invokes.
func (s *Service) Fire(ctx context.Context, name, payload, sessionKey string) (inv *Invocation, err error) {
	start := time.Now()
	ctx = shared.EnsureTraceID(ctx)
	ctx, span := otel.StartSpan(ctx, s.tracer, "ingress.fire",
		otel.AttrTrigger.String(name), otel.AttrSessionKey.String(sessionKey))
	defer func() {
		s.metrics.ObserveOp(ctx, "fire", start, err)
		otel.EndSpan(span, err)
	}()

	t, err := s.triggers.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !t.Enabled {
		audit.Deny(ctx, audit.ActionTriggerFire, name, "trigger disabled")
		return nil, fmt.Errorf("trigger %q disabled: %w", name, persistence.ErrForbidden)
	}
	audit.Allow(ctx, audit.ActionTriggerFire, name)
	return s.handoff(ctx, t, payload, sessionKey)
}

// Inbound is one message from chat or a messaging channel.
type Inbound struct {
	Channel string
	Sender  string
	Content string
	ReplyTo string
	// Trigger overrides the configured chat trigger.
	Trigger    string
	SessionKey string
}

// Intake logs the message, wakes the worker and fires the intake trigger.
// A missing or disabled intake trigger is logged and skipped; the message
// is still recorded.
func (s *Service) Intake(ctx context.Context, in Inbound) (msg *persistence.Message, inv *Invocation, err error) {
	start := time.Now()
	ctx = shared.EnsureTraceID(ctx)
	ctx, span := otel.StartSpan(ctx, s.tracer, "ingress.intake", otel.AttrSessionKey.String(in.SessionKey))
	defer func() {
		s.metrics.ObserveOp(ctx, "intake", start, err)
		otel.EndSpan(span, err)
	}()

	in.Content = strings.TrimSpace(in.Content)
	msg, err = s.store.AppendMessage(ctx, persistence.Message{
		Channel: in.Channel,
		Sender:  in.Sender,
		Content: in.Content,
		ReplyTo: in.ReplyTo,
	})
	if err != nil {
		return nil, nil, err
	}
	s.queue.SignalWorker(ctx)

	name := in.Trigger
	if name == "" {
		name = s.chatTrigger
	}
	log := telemetry.FromContext(ctx, s.logger)
	inv, err = s.Fire(ctx, name, in.Content, in.SessionKey)
	switch {
	case err == nil:
		return msg, inv, nil
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, persistence.ErrForbidden):
		log.Warn("intake trigger unavailable, message logged only", "trigger", name, "message_id", msg.ID, "error", err)
		return msg, nil, nil
	default:
		return msg, nil, err
	}
}

func (s *Service) handoff(ctx context.Context, t *persistence.Trigger, payload, sessionKey string) (*Invocation, error) {
	inv := Invocation{
		ID:          uuid.NewString(),
		TriggerName: t.Name,
		Channel:     t.Channel,
		Payload:     payload,
		Prompt:      RenderPrompt(t.Prompt, payload),
		SessionKey:  sessionKey,
		SessionMode: t.SessionMode,
		TraceID:     shared.TraceID(ctx),
	}
	log := telemetry.FromContext(ctx, s.logger)
	if t.SessionMode == persistence.SessionModePersistent {
		ts, err := s.store.GetTriggerSession(ctx, t.Name, sessionKey)
		switch {
		case err == nil:
			inv.SessionID = ts.SessionID
		case !errors.Is(err, persistence.ErrNotFound):
			log.Warn("session lookup failed, starting fresh", "trigger", t.Name, "error", err)
		}
	}

	ctx = shared.WithRunID(ctx, inv.ID)
	if err := s.runtime.Fire(ctx, inv); err != nil {
		return nil, fmt.Errorf("hand off trigger %s: %w", t.Name, err)
	}
	if err := s.triggers.RecordRun(ctx, t.Name); err != nil {
		log.Warn("record trigger run failed", "trigger", t.Name, "error", err)
	}
	s.bus.Publish(bus.TopicTriggerFired, bus.TriggerEvent{Name: t.Name, Action: "fired"})
	log.Info("trigger fired", "trigger", t.Name, "invocation_id", inv.ID, "session_key", sessionKey)
	return &inv, nil
}

func secretMatches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func webhookOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, persistence.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, persistence.ErrForbidden):
		return "forbidden"
	case errors.Is(err, persistence.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
