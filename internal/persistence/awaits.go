package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Await records that a trigger invocation wants to be woken when a task ends.
type Await struct {
	TaskID      int64     `json:"task_id"`
	TriggerName string    `json:"trigger_name"`
	SessionKey  string    `json:"session_key"`
	CreatedAt   time.Time `json:"created_at"`
}

const defaultWakeChannel = "internal"

// Registration is the result of RegisterAwait. Await is set while the task
// is still open. For a task that already finished, Wake is its wake record
// and Emitted reports whether this call created it; a repeat registration
// finds the earlier wake and leaves Emitted false.
type Registration struct {
	Await   *Await `json:"await"`
	Wake    *Wake  `json:"wake,omitempty"`
	Emitted bool   `json:"emitted"`
}

// RegisterAwait upserts the awaiter for taskID; the last registration wins.
// Registering against a task that is already done resolves immediately into a
// wake so a fast worker cannot strand the producer. A cancelled task is
// rejected with ErrInvalidTransition.
func (s *Store) RegisterAwait(ctx context.Context, taskID int64, triggerName, sessionKey string) (*Registration, error) {
	if triggerName == "" {
		return nil, Invalid("trigger_name", "must not be empty")
	}
	var reg Registration
	err := s.withTx(ctx, "register await", func(tx *sql.Tx) error {
		reg = Registration{}
		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status == TaskStatusCancelled {
			return fmt.Errorf("%w: task %d is cancelled", ErrInvalidTransition, taskID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_awaits (task_id, trigger_name, session_key)
			VALUES (?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				trigger_name = excluded.trigger_name,
				session_key = excluded.session_key,
				created_at = `+nowExpr+`;
		`, taskID, triggerName, sessionKey); err != nil {
			return fmt.Errorf("upsert await: %w", err)
		}
		if task.Status == TaskStatusDone {
			reg.Wake, reg.Emitted, err = resolveAwaitTx(ctx, tx, task, WakeOutcomeDone)
			return err
		}
		reg.Await, err = getAwaitTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register await for task %d: %w", taskID, err)
	}
	return &reg, nil
}

func (s *Store) GetAwait(ctx context.Context, taskID int64) (*Await, error) {
	return getAwaitTx(ctx, s.db, taskID)
}

// ListAwaits returns outstanding awaits, optionally for one trigger.
func (s *Store) ListAwaits(ctx context.Context, triggerName string) ([]Await, error) {
	query := `SELECT task_id, trigger_name, session_key, created_at FROM task_awaits`
	var args []any
	if triggerName != "" {
		query += ` WHERE trigger_name = ?`
		args = append(args, triggerName)
	}
	query += ` ORDER BY task_id ASC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list awaits: %w", err)
	}
	defer rows.Close()
	var out []Await
	for rows.Next() {
		var a Await
		if err := rows.Scan(&a.TaskID, &a.TriggerName, &a.SessionKey, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan await: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("await rows: %w", err)
	}
	return out, nil
}

func getAwaitTx(ctx context.Context, q queryRower, taskID int64) (*Await, error) {
	var a Await
	err := q.QueryRowContext(ctx, `
		SELECT task_id, trigger_name, session_key, created_at FROM task_awaits WHERE task_id = ?;
	`, taskID).Scan(&a.TaskID, &a.TriggerName, &a.SessionKey, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("await for task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select await: %w", err)
	}
	return &a, nil
}

func deleteAwaitTx(ctx context.Context, tx *sql.Tx, taskID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_awaits WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete await: %w", err)
	}
	return nil
}

// resolveAwaitTx turns the await on task into a wake record and deletes the
// await. No await is a no-op. Missing session or trigger rows degrade to an
// empty session id and the default channel. created is false when the wake
// for (trigger, task) already existed and was returned as is.
func resolveAwaitTx(ctx context.Context, tx *sql.Tx, task *Task, outcome WakeOutcome) (wake *Wake, created bool, err error) {
	await, err := getAwaitTx(ctx, tx, task.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sessionID string
	err = tx.QueryRowContext(ctx, `
		SELECT session_id FROM trigger_sessions WHERE trigger_name = ? AND session_key = ?;
	`, await.TriggerName, await.SessionKey).Scan(&sessionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup trigger session: %w", err)
	}

	channel := defaultWakeChannel
	var triggerChannel string
	err = tx.QueryRowContext(ctx, `SELECT channel FROM triggers WHERE name = ?;`, await.TriggerName).Scan(&triggerChannel)
	switch {
	case err == nil && triggerChannel != "":
		channel = triggerChannel
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("lookup trigger channel: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO wakes (trigger_name, task_id, session_key, session_id, channel, response_summary, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trigger_name, task_id) DO NOTHING;
	`, await.TriggerName, task.ID, await.SessionKey, sessionID, channel, task.ResponseSummary, outcome)
	if err != nil {
		return nil, false, fmt.Errorf("insert wake: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert wake rows: %w", err)
	}
	wake, err = getWakeByKeyTx(ctx, tx, await.TriggerName, task.ID)
	if err != nil {
		return nil, false, err
	}
	if err := deleteAwaitTx(ctx, tx, task.ID); err != nil {
		return nil, false, err
	}
	return wake, n == 1, nil
}
