package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type TriggerType string

const (
	TriggerTypeCron    TriggerType = "cron"
	TriggerTypeWebhook TriggerType = "webhook"
	TriggerTypeManual  TriggerType = "manual"
)

type SessionMode string

const (
	SessionModeEphemeral  SessionMode = "ephemeral"
	SessionModePersistent SessionMode = "persistent"
)

type Trigger struct {
	ID            int64       `json:"id"`
	Name          string      `json:"name"`
	Type          TriggerType `json:"type"`
	Description   string      `json:"description"`
	Channel       string      `json:"channel"`
	Schedule      string      `json:"schedule,omitempty"`
	WebhookSecret string      `json:"-"`
	Prompt        string      `json:"prompt"`
	SessionMode   SessionMode `json:"session_mode"`
	Enabled       bool        `json:"enabled"`
	LastRun       *time.Time  `json:"last_run,omitempty"`
	RunCount      int64       `json:"run_count"`
	CreatedAt     time.Time   `json:"created_at"`
}

// HasSecret reports whether webhook calls must present a credential.
func (t *Trigger) HasSecret() bool {
	return t.WebhookSecret != ""
}

// TriggerPatch carries the fields an update supplies; nil means unchanged.
// An empty Schedule or WebhookSecret clears the column.
type TriggerPatch struct {
	Description   *string
	Channel       *string
	Schedule      *string
	WebhookSecret *string
	Prompt        *string
	SessionMode   *SessionMode
	Enabled       *bool
}

func (p TriggerPatch) Empty() bool {
	return p.Description == nil && p.Channel == nil && p.Schedule == nil &&
		p.WebhookSecret == nil && p.Prompt == nil && p.SessionMode == nil && p.Enabled == nil
}

const triggerColumns = `id, name, type, description, channel, COALESCE(schedule, ''), COALESCE(webhook_secret, ''),
	prompt, session_mode, enabled, last_run, run_count, created_at`

func scanTrigger(scanFn func(dest ...any) error, t *Trigger) error {
	var lastRun sql.NullTime
	if err := scanFn(&t.ID, &t.Name, &t.Type, &t.Description, &t.Channel, &t.Schedule,
		&t.WebhookSecret, &t.Prompt, &t.SessionMode, &t.Enabled, &lastRun, &t.RunCount, &t.CreatedAt); err != nil {
		return err
	}
	t.LastRun = timePtr(lastRun)
	return nil
}

func getTriggerTx(ctx context.Context, q queryRower, name string) (*Trigger, error) {
	var t Trigger
	row := q.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE name = ?;`, name)
	if err := scanTrigger(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trigger %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("select trigger: %w", err)
	}
	return &t, nil
}

// CreateTrigger inserts t. Field validation is the caller's job; the store
// only maps a taken name to ErrAlreadyExists.
func (s *Store) CreateTrigger(ctx context.Context, t Trigger) (*Trigger, error) {
	if t.Channel == "" {
		t.Channel = defaultWakeChannel
	}
	if t.SessionMode == "" {
		t.SessionMode = SessionModeEphemeral
	}
	var out *Trigger
	err := s.withTx(ctx, "create trigger", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM triggers WHERE name = ?;`, t.Name).Scan(&exists)
		if err == nil {
			return fmt.Errorf("trigger %q: %w", t.Name, ErrAlreadyExists)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check trigger name: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO triggers (name, type, description, channel, schedule, webhook_secret, prompt, session_mode, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.Name, t.Type, t.Description, t.Channel, nullString(t.Schedule), nullString(t.WebhookSecret),
			t.Prompt, t.SessionMode, t.Enabled); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("trigger %q: %w", t.Name, ErrAlreadyExists)
			}
			return fmt.Errorf("insert trigger: %w", err)
		}
		out, err = getTriggerTx(ctx, tx, t.Name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetTrigger(ctx context.Context, name string) (*Trigger, error) {
	return getTriggerTx(ctx, s.db, name)
}

// ListTriggers orders by type then name. An empty type lists all.
func (s *Store) ListTriggers(ctx context.Context, typ TriggerType) ([]Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers`
	var args []any
	if typ != "" {
		query += ` WHERE type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY type ASC, name ASC;`
	return s.queryTriggers(ctx, query, args...)
}

// ListEnabledCronTriggers feeds the schedule descriptor.
func (s *Store) ListEnabledCronTriggers(ctx context.Context) ([]Trigger, error) {
	return s.queryTriggers(ctx, `
		SELECT `+triggerColumns+` FROM triggers
		WHERE type = ? AND enabled = 1
		ORDER BY name ASC;
	`, TriggerTypeCron)
}

func (s *Store) queryTriggers(ctx context.Context, query string, args ...any) ([]Trigger, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()
	var out []Trigger
	for rows.Next() {
		var t Trigger
		if err := scanTrigger(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger rows: %w", err)
	}
	return out, nil
}

// UpdateTrigger applies only the supplied fields. It returns the row before
// and after the change.
func (s *Store) UpdateTrigger(ctx context.Context, name string, p TriggerPatch) (before, after *Trigger, err error) {
	if p.Empty() {
		return nil, nil, Invalid("", "no fields to update")
	}
	var sets []string
	var args []any
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *p.Description)
	}
	if p.Channel != nil {
		sets = append(sets, "channel = ?")
		args = append(args, *p.Channel)
	}
	if p.Schedule != nil {
		sets = append(sets, "schedule = ?")
		args = append(args, nullString(*p.Schedule))
	}
	if p.WebhookSecret != nil {
		sets = append(sets, "webhook_secret = ?")
		args = append(args, nullString(*p.WebhookSecret))
	}
	if p.Prompt != nil {
		sets = append(sets, "prompt = ?")
		args = append(args, *p.Prompt)
	}
	if p.SessionMode != nil {
		sets = append(sets, "session_mode = ?")
		args = append(args, *p.SessionMode)
	}
	if p.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *p.Enabled)
	}
	args = append(args, name)

	err = s.withTx(ctx, "update trigger", func(tx *sql.Tx) error {
		var err error
		before, err = getTriggerTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE triggers SET `+strings.Join(sets, ", ")+` WHERE name = ?;`, args...); err != nil {
			return fmt.Errorf("update trigger: %w", err)
		}
		after, err = getTriggerTx(ctx, tx, name)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// SetTriggerEnabled flips the enabled flag and returns the updated row.
func (s *Store) SetTriggerEnabled(ctx context.Context, name string, enabled bool) (*Trigger, error) {
	_, after, err := s.UpdateTrigger(ctx, name, TriggerPatch{Enabled: &enabled})
	return after, err
}

// DeleteTrigger removes the trigger together with its sessions and awaits in
// one transaction, returning the deleted row.
func (s *Store) DeleteTrigger(ctx context.Context, name string) (*Trigger, error) {
	var deleted *Trigger
	err := s.withTx(ctx, "delete trigger", func(tx *sql.Tx) error {
		var err error
		deleted, err = getTriggerTx(ctx, tx, name)
		if err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM trigger_sessions WHERE trigger_name = ?;`,
			`DELETE FROM task_awaits WHERE trigger_name = ?;`,
			`DELETE FROM triggers WHERE name = ?;`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
				return fmt.Errorf("delete trigger %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// RecordTriggerRun stamps last_run and bumps run_count.
func (s *Store) RecordTriggerRun(ctx context.Context, name string) error {
	return s.withTx(ctx, "record trigger run", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE triggers SET last_run = `+nowExpr+`, run_count = run_count + 1 WHERE name = ?;
		`, name)
		if err != nil {
			return fmt.Errorf("record trigger run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("record run rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("trigger %q: %w", name, ErrNotFound)
		}
		return nil
	})
}
