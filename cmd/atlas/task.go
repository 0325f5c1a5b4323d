package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/queue"
)

func newTaskCommand(out func() printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Enqueue, claim and finish worker tasks",
	}
	cmd.AddCommand(
		newTaskEnqueueCommand(out),
		newTaskClaimCommand(out),
		newTaskCompleteCommand(out),
		newTaskCancelCommand(out),
		newTaskUpdateCommand(out),
		newTaskGetCommand(out),
		newTaskListCommand(out),
		newTaskStatsCommand(out),
	)
	return cmd
}

func parseTaskID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(raw, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, persistence.Invalid("task_id", fmt.Sprintf("%q is not a task id", raw))
	}
	return id, nil
}

// textArg returns args[i], reading stdin when it is "-".
func textArg(cmd *cobra.Command, args []string, i int) (string, error) {
	if i >= len(args) {
		return "", nil
	}
	if args[i] != "-" {
		return args[i], nil
	}
	data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func newTaskEnqueueCommand(out func() printer) *cobra.Command {
	var triggerName, sessionKey string
	var await bool
	cmd := &cobra.Command{
		Use:   "enqueue <content|->",
		Short: "Add a task for the worker and signal it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := textArg(cmd, args, 0)
			if err != nil {
				return err
			}
			if await && triggerName == "" {
				return usageError{fmt.Errorf("--await requires --trigger")}
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			task, err := a.queue.Enqueue(cmd.Context(), triggerName, content)
			if err != nil {
				return err
			}
			if await {
				if _, err := a.wake.RegisterAwait(cmd.Context(), task.ID, triggerName, sessionKey); err != nil {
					return err
				}
			}
			return out().record(task, taskFields(task))
		},
	}
	f := cmd.Flags()
	f.StringVar(&triggerName, "trigger", "", "owning trigger (default adhoc)")
	f.BoolVar(&await, "await", false, "wake the trigger when the task finishes")
	f.StringVar(&sessionKey, "session-key", "", "session key recorded on the await")
	return cmd
}

func newTaskClaimCommand(out func() printer) *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "Claim the oldest pending task, or show the one already processing",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			claim, err := a.queue.ClaimNext(cmd.Context())
			if err != nil {
				return err
			}
			p := out()
			if claim.Task == nil {
				if !p.tty {
					return p.json(claim)
				}
				p.note("no pending tasks")
				return nil
			}
			if claim.Resumed {
				p.note("already processing %s; complete it before claiming another", queue.Describe(claim.Task))
			}
			if !p.tty {
				return p.json(claim)
			}
			return p.record(claim, taskFields(claim.Task))
		},
	}
}

func newTaskCompleteCommand(out func() printer) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id> [summary|-]",
		Short: "Mark the processing task done and wake its trigger",
		Args:  rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			summary, err := textArg(cmd, args, 1)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			task, wk, err := a.queue.Complete(cmd.Context(), id, summary)
			if err != nil {
				return err
			}
			p := out()
			if wk != nil {
				p.note("woke trigger %s (wake #%d)", wk.TriggerName, wk.ID)
			}
			if !p.tty {
				return p.json(map[string]any{"task": task, "wake": wk})
			}
			return p.record(task, taskFields(task))
		},
	}
}

func newTaskCancelCommand(out func() printer) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id> [reason]",
		Short: "Cancel a pending task",
		Args:  rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			reason, _ := textArg(cmd, args, 1)
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			task, err := a.queue.Cancel(cmd.Context(), id, reason)
			if err != nil {
				return err
			}
			return out().record(task, taskFields(task))
		},
	}
}

func newTaskUpdateCommand(out func() printer) *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> <content|->",
		Short: "Replace the content of a pending task",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			content, err := textArg(cmd, args, 1)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			task, err := a.queue.UpdateContent(cmd.Context(), id, content)
			if err != nil {
				return err
			}
			return out().record(task, taskFields(task))
		},
	}
}

func newTaskGetCommand(out func() printer) *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			task, err := a.queue.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			p := out()
			if !events {
				return p.record(task, taskFields(task))
			}
			evs, err := a.queue.Events(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !p.tty {
				return p.json(map[string]any{"task": task, "events": evs})
			}
			if err := p.record(task, taskFields(task)); err != nil {
				return err
			}
			rows := make([][]string, 0, len(evs))
			for _, ev := range evs {
				rows = append(rows, []string{ev.EventType, string(ev.StateFrom), string(ev.StateTo), fmtTime(&ev.CreatedAt)})
			}
			return p.table(evs, []string{"event", "from", "to", "at"}, rows)
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "include the transition history")
	return cmd
}

func newTaskListCommand(out func() printer) *cobra.Command {
	var status, triggerName string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, oldest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := persistence.TaskFilter{TriggerName: triggerName, Limit: limit}
			if status != "" {
				s, err := persistence.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			tasks, err := a.queue.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if tasks == nil {
				tasks = []persistence.Task{}
			}
			return out().table(tasks, taskHeaders, taskRows(tasks))
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "pending, processing, done or cancelled")
	f.StringVar(&triggerName, "trigger", "", "filter by owning trigger")
	f.IntVar(&limit, "limit", 20, "max tasks to show")
	return cmd
}

func newTaskStatsCommand(out func() printer) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Task counts by status and message counts by channel",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			stats, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			var rows [][]string
			for _, s := range []persistence.TaskStatus{
				persistence.TaskStatusPending, persistence.TaskStatusProcessing,
				persistence.TaskStatusDone, persistence.TaskStatusCancelled,
			} {
				rows = append(rows, []string{"tasks", string(s), strconv.Itoa(stats.Tasks[s])})
			}
			channels := make([]string, 0, len(stats.Messages))
			for ch := range stats.Messages {
				channels = append(channels, ch)
			}
			sort.Strings(channels)
			for _, ch := range channels {
				rows = append(rows, []string{"messages", ch, strconv.Itoa(stats.Messages[ch])})
			}
			rows = append(rows, []string{"wakes", "pending", strconv.Itoa(stats.PendingWakes)})
			return out().table(stats, []string{"kind", "key", "count"}, rows)
		},
	}
}
