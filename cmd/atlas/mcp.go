package main

import (
	"github.com/spf13/cobra"

	"github.com/basket/go-atlas/internal/mcpserver"
)

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the inbox and trigger tools over MCP stdio",
		Long:  "Serve the inbox and trigger tools over MCP stdio. Logs go to the log file only; stdout carries the protocol.",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			srv := mcpserver.New(mcpserver.Config{
				Queue:    a.queue,
				Triggers: a.triggers,
				Version:  Version,
				Logger:   a.logger,
			})
			return srv.Run(cmd.Context())
		},
	}
}
