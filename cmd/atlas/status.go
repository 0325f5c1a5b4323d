package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-atlas/internal/config"
)

func newStatusCommand(out func() printer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the running server's /healthz",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			health, err := fetchHealth(cmd.Context(), cfg.BindAddr)
			if health != nil {
				fields := [][2]string{}
				for _, k := range []string{"healthy", "db_ok", "schema_version", "pending_wakes"} {
					fields = append(fields, [2]string{k, fmt.Sprint(health[k])})
				}
				if perr := out().record(health, fields); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	// Normalize IPv6 host:port if needed.
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

// fetchHealth returns the decoded body whenever one was received, plus an
// error for transport failures and non-200 statuses.
func fetchHealth(ctx context.Context, addr string) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("status: unexpected response (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("status: server unhealthy (%d)", resp.StatusCode)
	}
	return health, nil
}
