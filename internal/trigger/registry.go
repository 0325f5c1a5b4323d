// Package trigger owns the trigger registry: validation, CRUD and keeping
// the schedule descriptor in step with enabled cron triggers.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-atlas/internal/bus"
	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/telemetry"
)

// ErrSyncFailed marks a committed registry change whose descriptor
// regeneration failed. The change is not rolled back.
var ErrSyncFailed = errors.New("crontab sync failed")

// Syncer regenerates the schedule descriptor.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Spec is the input for Create. Enabled defaults to true.
type Spec struct {
	Name          string
	Type          persistence.TriggerType
	Description   string
	Channel       string
	Schedule      string
	WebhookSecret string
	Prompt        string
	SessionMode   persistence.SessionMode
	Enabled       *bool
}

type Config struct {
	Store  *persistence.Store
	Syncer Syncer
	Bus    *bus.Bus
	Logger *slog.Logger
}

type Registry struct {
	store  *persistence.Store
	syncer Syncer
	bus    *bus.Bus
	logger *slog.Logger
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		store:  cfg.Store,
		syncer: cfg.Syncer,
		bus:    cfg.Bus,
		logger: telemetry.Component(cfg.Logger, "trigger"),
	}
}

func ParseType(s string) (persistence.TriggerType, error) {
	switch t := persistence.TriggerType(strings.ToLower(strings.TrimSpace(s))); t {
	case persistence.TriggerTypeCron, persistence.TriggerTypeWebhook, persistence.TriggerTypeManual:
		return t, nil
	}
	return "", persistence.Invalid("type", fmt.Sprintf("unknown trigger type %q (cron, webhook, manual)", s))
}

func ParseSessionMode(s string) (persistence.SessionMode, error) {
	switch m := persistence.SessionMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return persistence.SessionModeEphemeral, nil
	case persistence.SessionModeEphemeral, persistence.SessionModePersistent:
		return m, nil
	}
	return "", persistence.Invalid("session_mode", fmt.Sprintf("unknown session mode %q (ephemeral, persistent)", s))
}

func (s Spec) validate() (persistence.Trigger, error) {
	if !ValidName(s.Name) {
		return persistence.Trigger{}, persistence.Invalid("name", "must be lowercase alphanumeric, dashes, underscores only")
	}
	typ, err := ParseType(string(s.Type))
	if err != nil {
		return persistence.Trigger{}, err
	}
	mode, err := ParseSessionMode(string(s.SessionMode))
	if err != nil {
		return persistence.Trigger{}, err
	}
	schedule := strings.TrimSpace(s.Schedule)
	switch {
	case typ == persistence.TriggerTypeCron:
		if err := ValidateSchedule(schedule); err != nil {
			return persistence.Trigger{}, err
		}
	case schedule != "":
		return persistence.Trigger{}, persistence.Invalid("schedule", "only cron triggers take a schedule")
	}
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return persistence.Trigger{
		Name:          s.Name,
		Type:          typ,
		Description:   s.Description,
		Channel:       strings.TrimSpace(s.Channel),
		Schedule:      schedule,
		WebhookSecret: s.WebhookSecret,
		Prompt:        s.Prompt,
		SessionMode:   mode,
		Enabled:       enabled,
	}, nil
}

// Create validates and inserts a trigger. A sync failure after a cron
// insert returns the trigger together with an ErrSyncFailed error.
func (r *Registry) Create(ctx context.Context, spec Spec) (*persistence.Trigger, error) {
	t, err := spec.validate()
	if err != nil {
		return nil, err
	}
	created, err := r.store.CreateTrigger(ctx, t)
	if err != nil {
		return nil, err
	}
	telemetry.FromContext(ctx, r.logger).Info("trigger created", "trigger", created.Name, "type", created.Type)
	r.publish(created.Name, "created")
	return created, r.syncIfCron(ctx, created.Type)
}

// Update applies the supplied fields only.
func (r *Registry) Update(ctx context.Context, name string, patch persistence.TriggerPatch) (*persistence.Trigger, error) {
	if patch.Empty() {
		return nil, persistence.Invalid("", "no fields to update")
	}
	current, err := r.store.GetTrigger(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := validatePatch(current.Type, &patch); err != nil {
		return nil, err
	}
	_, after, err := r.store.UpdateTrigger(ctx, name, patch)
	if err != nil {
		return nil, err
	}
	telemetry.FromContext(ctx, r.logger).Info("trigger updated", "trigger", name)
	r.publish(name, "updated")
	return after, r.syncIfCron(ctx, current.Type)
}

func validatePatch(typ persistence.TriggerType, p *persistence.TriggerPatch) error {
	if p.Schedule != nil {
		s := strings.TrimSpace(*p.Schedule)
		p.Schedule = &s
		if typ == persistence.TriggerTypeCron {
			if err := ValidateSchedule(s); err != nil {
				return err
			}
		} else if s != "" {
			return persistence.Invalid("schedule", "only cron triggers take a schedule")
		}
	}
	if p.SessionMode != nil {
		m, err := ParseSessionMode(string(*p.SessionMode))
		if err != nil {
			return err
		}
		p.SessionMode = &m
	}
	if p.Channel != nil && strings.TrimSpace(*p.Channel) == "" {
		return persistence.Invalid("channel", "must not be empty")
	}
	return nil
}

// Delete removes the trigger with its sessions and awaits.
func (r *Registry) Delete(ctx context.Context, name string) (*persistence.Trigger, error) {
	deleted, err := r.store.DeleteTrigger(ctx, name)
	if err != nil {
		return nil, err
	}
	telemetry.FromContext(ctx, r.logger).Info("trigger deleted", "trigger", name)
	r.publish(name, "deleted")
	return deleted, r.syncIfCron(ctx, deleted.Type)
}

func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) (*persistence.Trigger, error) {
	t, err := r.store.SetTriggerEnabled(ctx, name, enabled)
	if err != nil {
		return nil, err
	}
	action := "disabled"
	if enabled {
		action = "enabled"
	}
	telemetry.FromContext(ctx, r.logger).Info("trigger "+action, "trigger", name)
	r.publish(name, action)
	return t, r.syncIfCron(ctx, t.Type)
}

func (r *Registry) Get(ctx context.Context, name string) (*persistence.Trigger, error) {
	return r.store.GetTrigger(ctx, name)
}

// List returns triggers ordered by type then name; an empty typ means all.
func (r *Registry) List(ctx context.Context, typ persistence.TriggerType) ([]persistence.Trigger, error) {
	return r.store.ListTriggers(ctx, typ)
}

func (r *Registry) RecordRun(ctx context.Context, name string) error {
	return r.store.RecordTriggerRun(ctx, name)
}

// SaveSession binds a runtime session id to a trigger invocation key.
func (r *Registry) SaveSession(ctx context.Context, triggerName, sessionKey, sessionID string) error {
	if strings.TrimSpace(triggerName) == "" {
		return persistence.Invalid("trigger_name", "must not be empty")
	}
	if strings.TrimSpace(sessionID) == "" {
		return persistence.Invalid("session_id", "must not be empty")
	}
	return r.store.SaveTriggerSession(ctx, triggerName, sessionKey, sessionID)
}

// Sync regenerates the descriptor regardless of trigger type.
func (r *Registry) Sync(ctx context.Context) error {
	if r.syncer == nil {
		return nil
	}
	if err := r.syncer.Sync(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	return nil
}

func (r *Registry) syncIfCron(ctx context.Context, typ persistence.TriggerType) error {
	if typ != persistence.TriggerTypeCron {
		return nil
	}
	if err := r.Sync(ctx); err != nil {
		telemetry.FromContext(ctx, r.logger).Error("crontab sync failed", "error", err)
		return err
	}
	return nil
}

func (r *Registry) publish(name, action string) {
	r.bus.Publish(bus.TopicTriggerChanged, bus.TriggerEvent{Name: name, Action: action})
}
