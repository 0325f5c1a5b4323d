package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type TriggerSession struct {
	TriggerName string    `json:"trigger_name"`
	SessionKey  string    `json:"session_key"`
	SessionID   string    `json:"session_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GetTriggerSession returns the resumable session for (trigger, key).
func (s *Store) GetTriggerSession(ctx context.Context, triggerName, sessionKey string) (*TriggerSession, error) {
	var ts TriggerSession
	err := s.db.QueryRowContext(ctx, `
		SELECT trigger_name, session_key, session_id, updated_at
		FROM trigger_sessions
		WHERE trigger_name = ? AND session_key = ?;
	`, triggerName, sessionKey).Scan(&ts.TriggerName, &ts.SessionKey, &ts.SessionID, &ts.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s/%q: %w", triggerName, sessionKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select trigger session: %w", err)
	}
	return &ts, nil
}

// SaveTriggerSession upserts the session id the trigger runtime wants resumed.
func (s *Store) SaveTriggerSession(ctx context.Context, triggerName, sessionKey, sessionID string) error {
	if triggerName == "" {
		return Invalid("trigger_name", "must not be empty")
	}
	if sessionID == "" {
		return Invalid("session_id", "must not be empty")
	}
	return s.withTx(ctx, "save trigger session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trigger_sessions (trigger_name, session_key, session_id)
			VALUES (?, ?, ?)
			ON CONFLICT(trigger_name, session_key) DO UPDATE SET
				session_id = excluded.session_id,
				updated_at = `+nowExpr+`;
		`, triggerName, sessionKey, sessionID); err != nil {
			return fmt.Errorf("upsert trigger session: %w", err)
		}
		return nil
	})
}

func (s *Store) ListTriggerSessions(ctx context.Context, triggerName string) ([]TriggerSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trigger_name, session_key, session_id, updated_at
		FROM trigger_sessions
		WHERE trigger_name = ?
		ORDER BY session_key ASC;
	`, triggerName)
	if err != nil {
		return nil, fmt.Errorf("list trigger sessions: %w", err)
	}
	defer rows.Close()
	var out []TriggerSession
	for rows.Next() {
		var ts TriggerSession
		if err := rows.Scan(&ts.TriggerName, &ts.SessionKey, &ts.SessionID, &ts.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger session: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger session rows: %w", err)
	}
	return out, nil
}
