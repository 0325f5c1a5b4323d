// Package audit records access decisions made at the ingress boundary:
// which webhook, trigger or API call was let through and which was refused.
// Entries go to <home>/logs/audit.jsonl and, once a store is attached, to
// the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-atlas/internal/shared"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

const (
	ActionWebhookInvoke  = "webhook.invoke"
	ActionTriggerFire    = "trigger.fire"
	ActionAPIAccess      = "api.access"
	ActionChannelMessage = "channel.message"
)

// ErrNoStore is returned by Recent before SetDB.
var ErrNoStore = errors.New("audit: no store attached")

type Entry struct {
	Time     time.Time `json:"timestamp"`
	TraceID  string    `json:"trace_id"`
	Decision Decision  `json:"decision"`
	Action   string    `json:"action"`
	Reason   string    `json:"reason,omitempty"`
	Subject  string    `json:"subject,omitempty"`
}

type sinks struct {
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
}

var (
	out    sinks
	denies atomic.Int64
)

// Init opens the JSONL file. Calling it again is a no-op until Close.
func Init(homeDir string) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.file != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	out.file = f
	return nil
}

// SetDB attaches the store's database for audit_log writes and reads.
func SetDB(d *sql.DB) {
	out.mu.Lock()
	out.db = d
	out.mu.Unlock()
}

// Close detaches the database and closes the file.
func Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.db = nil
	if out.file == nil {
		return nil
	}
	err := out.file.Close()
	out.file = nil
	return err
}

// DenyCount is the number of deny decisions since process start.
func DenyCount() int64 {
	return denies.Load()
}

// Allow and Deny are shorthands for Record.
func Allow(ctx context.Context, action, subject string) {
	Record(ctx, Entry{Decision: DecisionAllow, Action: action, Subject: subject})
}

func Deny(ctx context.Context, action, subject, reason string) {
	Record(ctx, Entry{Decision: DecisionDeny, Action: action, Subject: subject, Reason: reason})
}

// Record stores e. Missing Time and TraceID are filled from the clock and
// ctx. Reason and Subject are redacted. Write failures are dropped; an
// audit sink must never fail the request it describes.
func Record(ctx context.Context, e Entry) {
	if e.Decision == DecisionDeny {
		denies.Add(1)
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)

	out.mu.Lock()
	defer out.mu.Unlock()
	if out.file != nil {
		if line, err := json.Marshal(e); err == nil {
			_, _ = out.file.Write(append(line, '\n'))
		}
	}
	if out.db != nil {
		_, _ = out.db.ExecContext(context.WithoutCancel(ctx),
			`INSERT INTO audit_log (trace_id, subject, action, decision, reason, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
			e.TraceID, e.Subject, e.Action, string(e.Decision), e.Reason, e.Time.UTC())
	}
}

// Recent returns up to limit entries, newest first. A non-empty subject
// narrows the result to one trigger.
func Recent(ctx context.Context, subject string, limit int) ([]Entry, error) {
	out.mu.Lock()
	db := out.db
	out.mu.Unlock()
	if db == nil {
		return nil, ErrNoStore
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT created_at, COALESCE(trace_id, ''), decision, action, COALESCE(reason, ''), COALESCE(subject, '')
		FROM audit_log
		WHERE (? = '' OR subject = ?)
		ORDER BY id DESC
		LIMIT ?;`, subject, subject, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var decision string
		if err := rows.Scan(&e.Time, &e.TraceID, &decision, &e.Action, &e.Reason, &e.Subject); err != nil {
			return nil, err
		}
		e.Decision = Decision(decision)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
