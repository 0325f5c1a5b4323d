package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-atlas/internal/persistence"
)

// printer renders tables on a terminal and JSON everywhere else, so
// scripts and cron jobs can parse command output.
type printer struct {
	w   io.Writer
	tty bool
}

func newPrinter(w io.Writer, forceJSON bool) printer {
	tty := false
	if f, ok := w.(*os.File); ok && !forceJSON {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return printer{w: w, tty: tty}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table prints rows on a terminal, or v as JSON otherwise.
func (p printer) table(v any, headers []string, rows [][]string) error {
	if !p.tty {
		return p.json(v)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(p.w, dimStyle.Render("(none)"))
		return err
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(p.w, t.Render())
	return err
}

// record prints one object as a two-column field table.
func (p printer) record(v any, fields [][2]string) error {
	rows := make([][]string, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, []string{f[0], f[1]})
	}
	return p.table(v, []string{"field", "value"}, rows)
}

// note prints a human hint on a terminal only.
func (p printer) note(format string, args ...any) {
	if p.tty {
		fmt.Fprintln(p.w, dimStyle.Render(fmt.Sprintf(format, args...)))
	}
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func taskRows(tasks []persistence.Task) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10),
			string(t.Status),
			t.TriggerName,
			truncate(t.Content, 48),
			fmtTime(&t.CreatedAt),
		})
	}
	return rows
}

var taskHeaders = []string{"id", "status", "trigger", "content", "created"}

func taskFields(t *persistence.Task) [][2]string {
	return [][2]string{
		{"id", strconv.FormatInt(t.ID, 10)},
		{"status", string(t.Status)},
		{"trigger", t.TriggerName},
		{"content", t.Content},
		{"summary", t.ResponseSummary},
		{"created", fmtTime(&t.CreatedAt)},
		{"processed", fmtTime(t.ProcessedAt)},
	}
}

func triggerRows(list []persistence.Trigger, now time.Time) [][]string {
	rows := make([][]string, 0, len(list))
	for _, t := range list {
		schedule := t.Schedule
		if schedule == "" {
			schedule = "-"
		}
		rows = append(rows, []string{
			t.Name,
			string(t.Type),
			strconv.FormatBool(t.Enabled),
			schedule,
			nextRunLabel(&t, now),
			strconv.FormatInt(t.RunCount, 10),
			fmtTime(t.LastRun),
		})
	}
	return rows
}

var triggerHeaders = []string{"name", "type", "enabled", "schedule", "next run", "runs", "last run"}

func wakeRows(wakes []persistence.Wake) [][]string {
	rows := make([][]string, 0, len(wakes))
	for _, w := range wakes {
		rows = append(rows, []string{
			strconv.FormatInt(w.ID, 10),
			strconv.FormatInt(w.TaskID, 10),
			w.TriggerName,
			string(w.Outcome),
			w.SessionKey,
			truncate(w.ResponseSummary, 40),
			fmtTime(&w.CreatedAt),
		})
	}
	return rows
}

var wakeHeaders = []string{"id", "task", "trigger", "outcome", "session key", "summary", "created"}
