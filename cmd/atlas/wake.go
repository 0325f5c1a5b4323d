package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/wake"
)

func newAwaitCommand(out func() printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "await",
		Short: "Ask to be woken when a task finishes",
	}
	var sessionKey string
	register := &cobra.Command{
		Use:   "register <task-id> <trigger>",
		Short: "Register (or replace) the await on a task",
		Args:  exactArgs(2),
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
			reg, err := a.wake.RegisterAwait(cmd.Context(), id, args[1], sessionKey)
			if err != nil {
				return err
			}
			p := out()
			if reg.Await == nil {
				if reg.Emitted {
					p.note("task #%d already done; wake emitted", id)
				} else {
					p.note("task #%d already done; wake #%d was emitted earlier", id, reg.Wake.ID)
				}
				if !p.tty {
					return p.json(map[string]any{"await": nil, "woke": reg.Emitted, "wake": reg.Wake})
				}
				return nil
			}
			await := reg.Await
			return p.record(await, [][2]string{
				{"task", strconv.FormatInt(await.TaskID, 10)},
				{"trigger", await.TriggerName},
				{"session key", await.SessionKey},
			})
		},
	}
	register.Flags().StringVar(&sessionKey, "session-key", "", "session key used to resume the trigger")
	cmd.AddCommand(register)
	return cmd
}

func newSessionCommand(out func() printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Resumable trigger sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "save <trigger> <session-key> <session-id>",
		Short: "Record the agent session a persistent trigger should resume",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.triggers.SaveSession(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			result := map[string]string{"trigger_name": args[0], "session_key": args[1], "session_id": args[2]}
			return out().record(result, [][2]string{{"trigger", args[0]}, {"session key", args[1]}, {"session id", args[2]}})
		},
	})
	return cmd
}

func newWakeCommand(out func() printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wake",
		Short: "Inspect and consume wake notifications",
	}
	cmd.AddCommand(newWakeListCommand(out), newWakeAckCommand(out), newWakeWatchCommand())
	return cmd
}

func newWakeListCommand(out func() printer) *cobra.Command {
	var triggerName string
	var limit int
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unacknowledged wakes, oldest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			wakes, err := a.store.ListWakes(cmd.Context(), persistence.WakeFilter{
				TriggerName:  triggerName,
				Limit:        limit,
				IncludeAcked: all,
			})
			if err != nil {
				return err
			}
			if wakes == nil {
				wakes = []persistence.Wake{}
			}
			return out().table(wakes, wakeHeaders, wakeRows(wakes))
		},
	}
	f := cmd.Flags()
	f.StringVar(&triggerName, "trigger", "", "only wakes for this trigger")
	f.IntVar(&limit, "limit", 100, "max wakes to show")
	f.BoolVar(&all, "all", false, "include acknowledged wakes")
	return cmd
}

func newWakeAckCommand(out func() printer) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <wake-id>...",
		Short: "Mark wakes consumed",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usageError{fmt.Errorf("requires at least 1 wake id\nusage: %s", cmd.UseLine())}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, raw := range args {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return persistence.Invalid("wake_id", fmt.Sprintf("%q is not a wake id", raw))
				}
				ids = append(ids, id)
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, id := range ids {
				if err := a.wake.Ack(cmd.Context(), id); err != nil {
					return fmt.Errorf("ack wake %d: %w", id, err)
				}
			}
			p := out()
			if !p.tty {
				return p.json(map[string]any{"acked": ids})
			}
			p.note("acknowledged %d wake(s)", len(ids))
			return nil
		},
	}
}

// newWakeWatchCommand streams wakes as JSON lines until interrupted. It is
// the hook an external supervisor uses to relaunch finished triggers.
func newWakeWatchCommand() *cobra.Command {
	var triggerName string
	var ack bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream wakes as JSON lines",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			watcher := wake.NewWatcher(wake.WatcherConfig{
				Store:        a.store,
				Signal:       wake.NewSignal(a.cfg.Wake.TriggerSignal),
				TriggerName:  triggerName,
				PollInterval: a.pollInterval(),
				AutoAck:      ack,
				Logger:       a.logger,
			})
			enc := json.NewEncoder(cmd.OutOrStdout())
			err = watcher.Run(cmd.Context(), func(_ context.Context, w persistence.Wake) error {
				return enc.Encode(w)
			})
			if err != nil && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&triggerName, "trigger", "", "only wakes for this trigger")
	f.BoolVar(&ack, "ack", false, "acknowledge each wake once printed")
	return cmd
}

func newCrontabCommand(out func() printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crontab",
		Short: "Schedule descriptor maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Regenerate the crontab from enabled cron triggers",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.crontab.SyncCount(cmd.Context())
			if err != nil {
				return err
			}
			result := map[string]any{"path": a.crontab.Path(), "cron_triggers": n}
			return out().record(result, [][2]string{{"path", a.crontab.Path()}, {"cron triggers", strconv.Itoa(n)}})
		},
	})
	return cmd
}
