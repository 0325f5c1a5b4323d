package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/go-atlas/internal/shared"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// allowedTransitions is the full task state machine. processing -> cancelled
// is legal here but no public operation performs it.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusProcessing: {},
		TaskStatusCancelled:  {},
	},
	TaskStatusProcessing: {
		TaskStatusDone:      {},
		TaskStatusCancelled: {},
	},
}

// ParseTaskStatus accepts the lowercase status names; "" means any.
func ParseTaskStatus(v string) (TaskStatus, error) {
	switch s := TaskStatus(strings.ToLower(strings.TrimSpace(v))); s {
	case "", TaskStatusPending, TaskStatusProcessing, TaskStatusDone, TaskStatusCancelled:
		return s, nil
	default:
		return "", Invalid("status", fmt.Sprintf("unknown status %q", v))
	}
}

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

type Task struct {
	ID              int64      `json:"id"`
	TriggerName     string     `json:"trigger_name"`
	Content         string     `json:"content"`
	Status          TaskStatus `json:"status"`
	ResponseSummary string     `json:"response_summary,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    int64      `json:"task_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	TraceID   string     `json:"trace_id"`
	RunID     string     `json:"run_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type TaskFilter struct {
	Status      TaskStatus
	TriggerName string
	Limit       int
}

const taskColumns = `id, trigger_name, content, status, COALESCE(response_summary, ''), created_at, processed_at`

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var processedAt sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.TriggerName,
		&task.Content,
		&task.Status,
		&task.ResponseSummary,
		&task.CreatedAt,
		&processedAt,
	); err != nil {
		return err
	}
	task.ProcessedAt = timePtr(processedAt)
	return nil
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTaskTx(ctx context.Context, q queryRower, id int64) (*Task, error) {
	var task Task
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID int64, from, to TaskStatus, eventType string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, trace_id, run_id)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''));
	`, taskID, eventType, string(from), string(to), shared.TraceID(ctx), shared.RunID(ctx))
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task from one of allowedFrom to `to` with a
// status-guarded UPDATE. A task in any other state yields ErrInvalidTransition,
// a missing task ErrNotFound. summary, when non-nil, replaces response_summary.
func transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID int64,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	summary *string,
) (*Task, error) {
	task, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	current := task.Status
	if !slices.Contains(allowedFrom, current) || !canTransition(current, to) {
		return nil, fmt.Errorf("%w: task %d is %s, cannot become %s", ErrInvalidTransition, taskID, current, to)
	}

	summaryValue := sql.NullString{}
	if summary != nil {
		summaryValue = sql.NullString{String: *summary, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			response_summary = CASE WHEN ? THEN ? ELSE response_summary END,
			processed_at = `+nowExpr+`
		WHERE id = ? AND status = ?;
	`, to, summaryValue.Valid, summaryValue.String, taskID, current)
	if err != nil {
		return nil, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return nil, fmt.Errorf("%w: task %d changed concurrently", ErrInvalidTransition, taskID)
	}
	if err := appendTaskEventTx(ctx, tx, taskID, current, to, eventType); err != nil {
		return nil, err
	}
	return getTaskTx(ctx, tx, taskID)
}

// EnqueueTask inserts a pending task. An empty trigger name is recorded as adhoc.
func (s *Store) EnqueueTask(ctx context.Context, triggerName, content string) (*Task, error) {
	if strings.TrimSpace(content) == "" {
		return nil, Invalid("content", "must not be empty")
	}
	if strings.TrimSpace(triggerName) == "" {
		triggerName = shared.AdhocTrigger
	}
	var out *Task
	err := s.withTx(ctx, "enqueue task", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (trigger_name, content, status) VALUES (?, ?, ?);
		`, triggerName, content, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task last insert id: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, id, "", TaskStatusPending, "task.enqueued"); err != nil {
			return err
		}
		out, err = getTaskTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimNextTask returns the task the worker should process. When a task is
// already processing it is returned with resumed=true and nothing changes.
// Otherwise the oldest pending task is flipped to processing by a single
// guarded statement. (nil, false, nil) means the queue is empty.
func (s *Store) ClaimNextTask(ctx context.Context) (*Task, bool, error) {
	var (
		out     *Task
		resumed bool
	)
	err := s.withTx(ctx, "claim", func(tx *sql.Tx) error {
		out, resumed = nil, false

		var current Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id ASC LIMIT 1;
		`, TaskStatusProcessing)
		err := scanTask(row.Scan, &current)
		if err == nil {
			out, resumed = &current, true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select processing task: %w", err)
		}

		var id int64
		err = tx.QueryRowContext(ctx, `
			UPDATE tasks
			SET status = ?, processed_at = `+nowExpr+`
			WHERE id = (
				SELECT id FROM tasks
				WHERE status = ?
				ORDER BY created_at ASC, id ASC
				LIMIT 1
			)
			AND status = ?
			AND NOT EXISTS (SELECT 1 FROM tasks WHERE status = ?)
			RETURNING id;
		`, TaskStatusProcessing, TaskStatusPending, TaskStatusPending, TaskStatusProcessing).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim pending task: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, id, TaskStatusPending, TaskStatusProcessing, "task.claimed"); err != nil {
			return err
		}
		out, err = getTaskTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, resumed, nil
}

// CompleteTask moves a processing task to done and, in the same transaction,
// resolves any await into a wake record. The returned wake is nil when the
// task had no awaiter.
func (s *Store) CompleteTask(ctx context.Context, taskID int64, summary string) (*Task, *Wake, error) {
	var (
		task *Task
		wake *Wake
	)
	err := s.withTx(ctx, "complete task", func(tx *sql.Tx) error {
		var err error
		task, err = transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusProcessing}, TaskStatusDone, "task.completed", &summary)
		if err != nil {
			return err
		}
		wake, _, err = resolveAwaitTx(ctx, tx, task, WakeOutcomeDone)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("complete task %d: %w", taskID, err)
	}
	return task, wake, nil
}

// CancelTask moves a pending task to cancelled, storing reason as the summary.
// Any await is removed; when wakeAwaiter is set it is first resolved into a
// wake with outcome cancelled.
func (s *Store) CancelTask(ctx context.Context, taskID int64, reason string, wakeAwaiter bool) (*Task, *Wake, error) {
	var (
		task *Task
		wake *Wake
	)
	err := s.withTx(ctx, "cancel task", func(tx *sql.Tx) error {
		var summary *string
		if reason != "" {
			summary = &reason
		}
		var err error
		task, err = transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusPending}, TaskStatusCancelled, "task.cancelled", summary)
		if err != nil {
			return err
		}
		if wakeAwaiter {
			wake, _, err = resolveAwaitTx(ctx, tx, task, WakeOutcomeCancelled)
			return err
		}
		return deleteAwaitTx(ctx, tx, taskID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cancel task %d: %w", taskID, err)
	}
	return task, wake, nil
}

// UpdateTaskContent rewrites the content of a task that has not been claimed.
func (s *Store) UpdateTaskContent(ctx context.Context, taskID int64, content string) (*Task, error) {
	if strings.TrimSpace(content) == "" {
		return nil, Invalid("content", "must not be empty")
	}
	var task *Task
	err := s.withTx(ctx, "update task", func(tx *sql.Tx) error {
		current, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET content = ? WHERE id = ? AND status = ?;
		`, content, taskID, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("update task content: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("%w: task %d is %s, content is frozen", ErrInvalidTransition, taskID, current.Status)
		}
		if err := appendTaskEventTx(ctx, tx, taskID, TaskStatusPending, TaskStatusPending, "task.updated"); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update task %d: %w", taskID, err)
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	return getTaskTx(ctx, s.db, taskID)
}

// ListTasks returns tasks newest first. Limit <= 0 defaults to 50.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.TriggerName != "" {
		query += ` AND trigger_name = ?`
		args = append(args, f.TriggerName)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ProcessingTask returns the task currently held by the worker, or nil.
func (s *Store) ProcessingTask(ctx context.Context) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? LIMIT 1;`, TaskStatusProcessing)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select processing task: %w", err)
	}
	return &task, nil
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID int64) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), state_to, trace_id,
			COALESCE(run_id, ''), created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &ev.StateFrom, &ev.StateTo,
			&ev.TraceID, &ev.RunID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// TaskCounts returns the number of tasks per status; every status is present.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	out := map[TaskStatus]int{
		TaskStatusPending:    0,
		TaskStatusProcessing: 0,
		TaskStatusDone:       0,
		TaskStatusCancelled:  0,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task count rows: %w", err)
	}
	return out, nil
}
