package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type WakeOutcome string

const (
	WakeOutcomeDone      WakeOutcome = "done"
	WakeOutcomeCancelled WakeOutcome = "cancelled"
)

// Wake is the durable notification that an awaited task ended. It stays
// pending until a consumer acks it, so a watcher that was down still sees it.
type Wake struct {
	ID              int64       `json:"id"`
	TriggerName     string      `json:"trigger_name"`
	TaskID          int64       `json:"task_id"`
	SessionKey      string      `json:"session_key"`
	SessionID       string      `json:"session_id"`
	Channel         string      `json:"channel"`
	ResponseSummary string      `json:"response_summary"`
	Outcome         WakeOutcome `json:"outcome"`
	CreatedAt       time.Time   `json:"created_at"`
	AckedAt         *time.Time  `json:"acked_at,omitempty"`
}

type WakeFilter struct {
	TriggerName string
	// Channel restricts results to wakes whose task came in on that channel.
	Channel string
	AfterID int64
	Limit   int
	// IncludeAcked returns consumed wakes as well.
	IncludeAcked bool
}

const wakeColumns = `id, trigger_name, task_id, session_key, session_id, channel, response_summary, outcome, created_at, acked_at`

func scanWake(scanFn func(dest ...any) error, w *Wake) error {
	var acked sql.NullTime
	if err := scanFn(&w.ID, &w.TriggerName, &w.TaskID, &w.SessionKey, &w.SessionID,
		&w.Channel, &w.ResponseSummary, &w.Outcome, &w.CreatedAt, &acked); err != nil {
		return err
	}
	w.AckedAt = timePtr(acked)
	return nil
}

func getWakeByKeyTx(ctx context.Context, q queryRower, triggerName string, taskID int64) (*Wake, error) {
	var w Wake
	row := q.QueryRowContext(ctx, `SELECT `+wakeColumns+` FROM wakes WHERE trigger_name = ? AND task_id = ?;`, triggerName, taskID)
	if err := scanWake(row.Scan, &w); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("wake %s/%d: %w", triggerName, taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("select wake: %w", err)
	}
	return &w, nil
}

func (s *Store) GetWake(ctx context.Context, id int64) (*Wake, error) {
	var w Wake
	row := s.db.QueryRowContext(ctx, `SELECT `+wakeColumns+` FROM wakes WHERE id = ?;`, id)
	if err := scanWake(row.Scan, &w); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("wake %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("select wake: %w", err)
	}
	return &w, nil
}

// ListWakes returns wakes oldest first. By default only unacked ones.
func (s *Store) ListWakes(ctx context.Context, f WakeFilter) ([]Wake, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + wakeColumns + ` FROM wakes WHERE id > ?`
	args := []any{f.AfterID}
	if !f.IncludeAcked {
		query += ` AND acked_at IS NULL`
	}
	if f.TriggerName != "" {
		query += ` AND trigger_name = ?`
		args = append(args, f.TriggerName)
	}
	if f.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, f.Channel)
	}
	query += ` ORDER BY id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list wakes: %w", err)
	}
	defer rows.Close()
	var out []Wake
	for rows.Next() {
		var w Wake
		if err := scanWake(rows.Scan, &w); err != nil {
			return nil, fmt.Errorf("scan wake: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wake rows: %w", err)
	}
	return out, nil
}

// AckWake marks a wake consumed. Acking twice is a no-op.
func (s *Store) AckWake(ctx context.Context, id int64) error {
	return s.withTx(ctx, "ack wake", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM wakes WHERE id = ?;`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("wake %d: %w", id, ErrNotFound)
			}
			return fmt.Errorf("select wake: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE wakes SET acked_at = `+nowExpr+` WHERE id = ? AND acked_at IS NULL;
		`, id); err != nil {
			return fmt.Errorf("ack wake: %w", err)
		}
		return nil
	})
}

// PendingWakeCount is used by metrics and health.
func (s *Store) PendingWakeCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wakes WHERE acked_at IS NULL;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending wakes: %w", err)
	}
	return n, nil
}
