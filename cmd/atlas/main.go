package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/go-atlas/internal/persistence"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one CLI invocation and returns the process exit code:
// 0 on success, 2 for usage and validation errors, 1 otherwise.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "atlas: %v\n", err)
		return exitCode(err)
	}
	return 0
}

type globalFlags struct {
	json bool
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "atlas",
		Short:         "Task queue, trigger registry and wake coordination for a personal agent",
		Long:          "Atlas coordinates cron jobs, webhooks, chat intake and a single worker through one SQLite store.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flags.json, "json", false, "always print JSON, even on a terminal")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	out := func() printer { return newPrinter(stdout, flags.json) }
	root.AddCommand(
		newTriggerCommand(out),
		newTaskCommand(out),
		newAwaitCommand(out),
		newSessionCommand(out),
		newWakeCommand(out),
		newCrontabCommand(out),
		newStatusCommand(out),
		newServeCommand(),
		newMCPCommand(),
	)
	return root
}

// usageError marks bad invocations so they exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue usageError
	switch {
	case errors.As(err, &ue), persistence.IsValidation(err):
		return 2
	case strings.HasPrefix(err.Error(), "unknown command"), strings.HasPrefix(err.Error(), "unknown flag"):
		return 2
	default:
		return 1
	}
}

// exactArgs is cobra.ExactArgs with usage exit semantics.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{fmt.Errorf("%w\nusage: %s", err, cmd.UseLine())}
		}
		return nil
	}
}

func rangeArgs(min, max int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(min, max)(cmd, args); err != nil {
			return usageError{fmt.Errorf("%w\nusage: %s", err, cmd.UseLine())}
		}
		return nil
	}
}
