package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-atlas/internal/bus"
	"github.com/basket/go-atlas/internal/channels"
	"github.com/basket/go-atlas/internal/config"
	"github.com/basket/go-atlas/internal/gateway"
	"github.com/basket/go-atlas/internal/wake"
)

const (
	rateLimitEvictEvery = 5 * time.Minute
	rateLimitMaxAge     = 15 * time.Minute
	shutdownTimeout     = 5 * time.Second
)

func newServeCommand() *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway: webhooks, chat intake, wake stream, health and metrics",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if bindAddr != "" {
				a.cfg.BindAddr = bindAddr
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "listen address (overrides bind_addr)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	logger := a.logger
	logger.Info("startup phase", "phase", "store_opened", "db", a.cfg.DBPath)
	warnOpenBind(a)

	// Bring the crontab in line with the store before anything fires.
	if err := a.triggers.Sync(ctx); err != nil {
		logger.Warn("initial crontab sync failed", "error", err)
	}

	srv := gateway.New(gateway.Config{
		Store:            a.store,
		Queue:            a.queue,
		Ingress:          a.ingress,
		Bus:              a.bus,
		WakeSignal:       wake.NewSignal(a.cfg.Wake.TriggerSignal),
		WakePollInterval: a.pollInterval(),
		AuthToken:        a.cfg.APIToken,
		AllowOrigins:     a.cfg.AllowOrigins,
		MaxBodyBytes:     a.cfg.Webhook.MaxBodyBytes,
		RateLimit: gateway.RateLimitConfig{
			RequestsPerMinute: a.cfg.Webhook.RequestsPerMinute,
			BurstSize:         a.cfg.Webhook.BurstSize,
		},
		Tracer: a.otel.Tracer,
		Logger: logger,
	})
	srv.Limiter().StartEviction(ctx, rateLimitEvictEvery, rateLimitMaxAge)

	go watchConfig(ctx, a)
	go logEvents(ctx, a)
	startChannels(ctx, a)

	httpServer := &http.Server{
		Addr:              a.cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", a.cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("listen %s: address already in use; stop the other process or change bind_addr in config.yaml", a.cfg.BindAddr)
		}
		return fmt.Errorf("listen %s: %w", a.cfg.BindAddr, err)
	}
	logger.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

func warnOpenBind(a *app) {
	host, _, err := net.SplitHostPort(a.cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.TrimSpace(strings.ToLower(host))
	loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
	if !loopback && a.cfg.APIToken == "" {
		a.logger.Warn("api_token is empty on a non-loopback bind; task views and chat are unauthenticated", "bind_addr", a.cfg.BindAddr)
	}
}

// startChannels runs the enabled messaging channels until ctx ends.
func startChannels(ctx context.Context, a *app) {
	tc := a.cfg.Channels.Telegram
	if !tc.Enabled {
		return
	}
	if tc.Token == "" {
		a.logger.Warn("telegram channel enabled but token is missing")
		return
	}
	if t, err := a.triggers.Get(ctx, tc.Trigger); err != nil {
		a.logger.Warn("telegram trigger not found; messages will be logged only", "trigger", tc.Trigger, "error", err)
	} else if t.Channel != "telegram" {
		a.logger.Warn("telegram trigger is not on the telegram channel; replies will not be sent", "trigger", t.Name, "channel", t.Channel)
	}
	tg := channels.NewTelegramChannel(channels.TelegramConfig{
		Token:        tc.Token,
		AllowedIDs:   tc.AllowedIDs,
		Trigger:      tc.Trigger,
		Intake:       a.ingress,
		Store:        a.store,
		Signal:       wake.NewSignal(a.cfg.Wake.TriggerSignal),
		PollInterval: a.pollInterval(),
		Logger:       a.logger,
	})
	go func() {
		if err := tg.Start(ctx); err != nil {
			a.logger.Error("telegram channel failed", "error", err)
		}
	}()
}

// watchConfig regenerates the crontab when its defaults file changes and
// applies log_level edits live. Other config.yaml edits need a restart;
// the fingerprint tells the operator whether one is due.
func watchConfig(ctx context.Context, a *app) {
	w := config.NewWatcher(a.logger, a.cfg.WatchedFiles()...)
	if err := w.Start(ctx); err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
		return
	}
	running := a.cfg.Fingerprint()
	for ev := range w.Events() {
		switch filepath.Clean(ev.Path) {
		case filepath.Clean(a.cfg.Crontab.DefaultsPath):
			if err := a.triggers.Sync(ctx); err != nil {
				a.logger.Warn("crontab resync failed", "error", err)
			}
		case filepath.Clean(config.ConfigPath(a.cfg.HomeDir)):
			next, err := config.Load()
			if err != nil {
				a.logger.Warn("config reload failed", "error", err)
				continue
			}
			if a.logSink.SetLevel(next.LogLevel) {
				a.logger.Info("log level changed", "level", a.logSink.Level().String())
			}
			if fp := next.Fingerprint(); fp != running {
				a.logger.Warn("config.yaml changed; restart to apply", "running", running, "on_disk", fp)
			}
		}
	}
}

// logEvents mirrors bus traffic into the log for operators tailing it.
func logEvents(ctx context.Context, a *app) {
	sub := a.bus.Subscribe("task.", "wake.", "trigger.")
	defer a.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			a.logger.Debug("event", "topic", ev.Topic, "payload", describeEvent(ev))
		}
	}
}

func describeEvent(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.TaskEvent:
		return fmt.Sprintf("task #%d %s->%s", p.TaskID, p.OldStatus, p.NewStatus)
	case bus.WakeEvent:
		return fmt.Sprintf("wake #%d trigger=%s task=#%d", p.WakeID, p.TriggerName, p.TaskID)
	case bus.TriggerEvent:
		return fmt.Sprintf("trigger %s %s", p.Name, p.Action)
	default:
		return fmt.Sprint(p)
	}
}
