package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Message is an immutable log entry of an inbound event.
type Message struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender,omitempty"`
	Content   string    `json:"content"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendMessage writes one message row; messages are never updated.
func (s *Store) AppendMessage(ctx context.Context, m Message) (*Message, error) {
	if strings.TrimSpace(m.Channel) == "" {
		return nil, Invalid("channel", "must not be empty")
	}
	if strings.TrimSpace(m.Content) == "" {
		return nil, Invalid("content", "must not be empty")
	}
	var out Message
	err := s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (channel, sender, content, reply_to) VALUES (?, ?, ?, ?);
		`, m.Channel, nullString(m.Sender), m.Content, nullString(m.ReplyTo))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message last insert id: %w", err)
		}
		return tx.QueryRowContext(ctx, `
			SELECT id, channel, COALESCE(sender, ''), content, COALESCE(reply_to, ''), created_at
			FROM messages WHERE id = ?;
		`, id).Scan(&out.ID, &out.Channel, &out.Sender, &out.Content, &out.ReplyTo, &out.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns the newest messages first, optionally for one channel.
func (s *Store) ListMessages(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, channel, COALESCE(sender, ''), content, COALESCE(reply_to, ''), created_at FROM messages`
	var args []any
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Channel, &m.Sender, &m.Content, &m.ReplyTo, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// MessageCountsByChannel backs the stats view.
func (s *Store) MessageCountsByChannel(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel, COUNT(*) FROM messages GROUP BY channel;`)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var channel string
		var n int
		if err := rows.Scan(&channel, &n); err != nil {
			return nil, fmt.Errorf("scan message count: %w", err)
		}
		out[channel] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message count rows: %w", err)
	}
	return out, nil
}
