package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-atlas/internal/audit"
	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/trigger"
)

func newTriggerCommand(out func() printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manage cron, webhook and manual triggers",
	}
	cmd.AddCommand(
		newTriggerCreateCommand(out),
		newTriggerUpdateCommand(out),
		newTriggerDeleteCommand(out),
		newTriggerEnableCommand(out, true),
		newTriggerEnableCommand(out, false),
		newTriggerListCommand(out),
		newTriggerFireCommand(out),
		newTriggerAuditCommand(out),
	)
	return cmd
}

func nextRunLabel(t *persistence.Trigger, now time.Time) string {
	next, ok := trigger.NextRun(t, now)
	if !ok {
		return "-"
	}
	return next.Local().Format("2006-01-02 15:04")
}

func triggerFields(t *persistence.Trigger) [][2]string {
	return [][2]string{
		{"name", t.Name},
		{"type", string(t.Type)},
		{"enabled", fmt.Sprint(t.Enabled)},
		{"description", t.Description},
		{"channel", t.Channel},
		{"schedule", t.Schedule},
		{"next run", nextRunLabel(t, time.Now())},
		{"session mode", string(t.SessionMode)},
		{"secret", fmt.Sprint(t.HasSecret())},
		{"prompt", t.Prompt},
		{"runs", fmt.Sprint(t.RunCount)},
		{"last run", fmtTime(t.LastRun)},
	}
}

// committed prints a row whose change was stored even when the crontab
// sync failed, then returns the sync error so the exit code reflects it.
func committed(p printer, t *persistence.Trigger, err error) error {
	if t == nil {
		return err
	}
	if perr := p.record(t, triggerFields(t)); perr != nil {
		return perr
	}
	if err != nil && errors.Is(err, trigger.ErrSyncFailed) {
		p.note("change saved; run `atlas crontab sync` once the crontab is writable")
	}
	return err
}

func newTriggerCreateCommand(out func() printer) *cobra.Command {
	var spec trigger.Spec
	var typ, mode string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a trigger",
		Example: `  atlas trigger create hourly-report --type cron --schedule "0 * * * *" --prompt "Write the hourly report"
  atlas trigger create github-push --type webhook --secret s3cret --prompt "Summarize: {{payload}}"`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if spec.Type, err = trigger.ParseType(typ); err != nil {
				return err
			}
			if spec.SessionMode, err = trigger.ParseSessionMode(mode); err != nil {
				return err
			}
			spec.Name = args[0]
			if disabled {
				enabled := false
				spec.Enabled = &enabled
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.triggers.Create(cmd.Context(), spec)
			p := out()
			if cerr := committed(p, t, err); cerr != nil {
				return cerr
			}
			if t.Type == persistence.TriggerTypeWebhook {
				p.note("webhook URL: http://%s/api/webhook/%s", a.cfg.BindAddr, t.Name)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&typ, "type", "manual", "trigger type: cron, webhook or manual")
	f.StringVar(&spec.Description, "description", "", "human-readable description")
	f.StringVar(&spec.Channel, "channel", "", "reply channel (default internal)")
	f.StringVar(&spec.Schedule, "schedule", "", "five-field cron expression (cron triggers)")
	f.StringVar(&spec.WebhookSecret, "secret", "", "secret callers send as X-Webhook-Secret (webhook triggers)")
	f.StringVar(&spec.Prompt, "prompt", "", "prompt template; {{payload}} is replaced with event data")
	f.StringVar(&mode, "session-mode", "ephemeral", "ephemeral or persistent")
	f.BoolVar(&disabled, "disabled", false, "create the trigger disabled")
	return cmd
}

func newTriggerUpdateCommand(out func() printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Update the given fields of a trigger",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := patchFromFlags(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			t, err := a.triggers.Update(cmd.Context(), args[0], patch)
			return committed(out(), t, err)
		},
	}
	f := cmd.Flags()
	f.String("description", "", "new description")
	f.String("channel", "", "new reply channel")
	f.String("schedule", "", "new cron schedule")
	f.String("secret", "", "new webhook secret; empty clears it")
	f.String("prompt", "", "new prompt template")
	f.String("session-mode", "", "ephemeral or persistent")
	f.Bool("enabled", true, "enable or disable the trigger")
	return cmd
}

// patchFromFlags sets only the fields whose flags were given.
func patchFromFlags(cmd *cobra.Command) (persistence.TriggerPatch, error) {
	var patch persistence.TriggerPatch
	f := cmd.Flags()
	str := func(name string) *string {
		if !f.Changed(name) {
			return nil
		}
		v, _ := f.GetString(name)
		return &v
	}
	patch.Description = str("description")
	patch.Channel = str("channel")
	patch.Schedule = str("schedule")
	patch.WebhookSecret = str("secret")
	patch.Prompt = str("prompt")
	if v := str("session-mode"); v != nil {
		mode, err := trigger.ParseSessionMode(*v)
		if err != nil {
			return patch, err
		}
		patch.SessionMode = &mode
	}
	if f.Changed("enabled") {
		v, _ := f.GetBool("enabled")
		patch.Enabled = &v
	}
	return patch, nil
}

func newTriggerDeleteCommand(out func() printer) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a trigger with its sessions and awaits",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			t, err := a.triggers.Delete(cmd.Context(), args[0])
			if t == nil {
				return err
			}
			result := map[string]string{"deleted": t.Name, "type": string(t.Type)}
			if perr := out().record(result, [][2]string{{"deleted", t.Name}, {"type", string(t.Type)}}); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newTriggerEnableCommand(out func() printer, enabled bool) *cobra.Command {
	use, short := "enable <name>", "Enable a trigger"
	if !enabled {
		use, short = "disable <name>", "Disable a trigger"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			t, err := a.triggers.SetEnabled(cmd.Context(), args[0], enabled)
			return committed(out(), t, err)
		},
	}
}

func newTriggerListCommand(out func() printer) *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter persistence.TriggerType
			if typ != "" {
				parsed, err := trigger.ParseType(typ)
				if err != nil {
					return err
				}
				filter = parsed
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			list, err := a.triggers.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if list == nil {
				list = []persistence.Trigger{}
			}
			return out().table(list, triggerHeaders, triggerRows(list, time.Now()))
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "filter by type: cron, webhook, manual")
	return cmd
}

// newTriggerFireCommand is what the generated crontab invokes. The payload
// comes from the second argument or, with "-", from stdin.
func newTriggerFireCommand(out func() printer) *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "fire <name> [payload|-]",
		Short: "Fire a trigger now",
		Args:  rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ""
			if len(args) == 2 {
				payload = args[1]
				if payload == "-" {
					data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
					if err != nil {
						return fmt.Errorf("read payload: %w", err)
					}
					payload = strings.TrimSpace(string(data))
				}
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			inv, err := a.ingress.Fire(cmd.Context(), args[0], payload, sessionKey)
			if err != nil {
				return err
			}
			return out().record(inv, [][2]string{
				{"invocation", inv.ID},
				{"trigger", inv.TriggerName},
				{"session key", inv.SessionKey},
				{"session id", inv.SessionID},
			})
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session-key", "", "session key for persistent triggers")
	return cmd
}

func newTriggerAuditCommand(out func() printer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit [name]",
		Short: "Show recent allow and deny decisions for webhook calls and fires",
		Args:  rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := ""
			if len(args) == 1 {
				subject = args[0]
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			entries, err := audit.Recent(cmd.Context(), subject, limit)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []audit.Entry{}
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{fmtTime(&e.Time), e.Subject, e.Action, string(e.Decision), e.Reason})
			}
			return out().table(entries, []string{"time", "trigger", "action", "decision", "reason"}, rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}
