package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-atlas/internal/audit"
	"github.com/basket/go-atlas/internal/bus"
	"github.com/basket/go-atlas/internal/config"
	"github.com/basket/go-atlas/internal/crontab"
	"github.com/basket/go-atlas/internal/ingress"
	"github.com/basket/go-atlas/internal/otel"
	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/queue"
	"github.com/basket/go-atlas/internal/telemetry"
	"github.com/basket/go-atlas/internal/trigger"
	"github.com/basket/go-atlas/internal/wake"
)

// app is the wired component graph shared by every subcommand.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	logSink *telemetry.Sink

	otel    *otel.Provider
	metrics *otel.Metrics
	bus     *bus.Bus
	store   *persistence.Store

	crontab  *crontab.Generator
	triggers *trigger.Registry
	wake     *wake.Coordinator
	queue    *queue.Engine
	ingress  *ingress.Service

	closers []func() error
}

// openApp loads config and opens the store. quiet keeps logs in the log
// file only, which is what one-shot commands and the MCP server want.
func openApp(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	a := &app{cfg: cfg}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("audit init: %w", err)
	}
	a.closers = append(a.closers, audit.Close)

	logger, sink, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("logger init: %w", err)
	}
	a.logger = logger
	a.logSink = sink
	a.closers = append(a.closers, sink.Close)
	slog.SetDefault(logger)

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("otel init: %w", err)
	}
	a.otel = provider
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return provider.Shutdown(shutdownCtx)
	})
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("metrics unavailable", "error", err)
	}
	a.metrics = metrics

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	audit.SetDB(store.DB())

	a.bus = bus.New()
	a.crontab = crontab.NewGenerator(crontab.Config{
		Store:         store,
		Path:          cfg.Crontab.Path,
		DefaultsPath:  cfg.Crontab.DefaultsPath,
		InvokeCommand: cfg.Crontab.InvokeCommand,
		Logger:        logger,
	})
	a.triggers = trigger.NewRegistry(trigger.Config{
		Store:  store,
		Syncer: a.crontab,
		Bus:    a.bus,
		Logger: logger,
	})
	a.wake = wake.New(wake.Config{
		Store:          store,
		Bus:            a.bus,
		Signal:         wake.NewSignal(cfg.Wake.TriggerSignal),
		NotifyOnCancel: cfg.Wake.NotifyOnCancel,
		Tracer:         provider.Tracer,
		Metrics:        metrics,
		Logger:         logger,
	})
	a.queue = queue.New(queue.Config{
		Store:        store,
		Bus:          a.bus,
		Wake:         a.wake,
		WorkerSignal: wake.NewSignal(cfg.Wake.WorkerSignal),
		Tracer:       provider.Tracer,
		Metrics:      metrics,
		Logger:       logger,
	})

	var runtime ingress.Runtime
	if cfg.Triggers.Command != "" {
		runtime = &ingress.ExecRuntime{Command: cfg.Triggers.Command, Dir: cfg.HomeDir, Logger: logger}
	}
	a.ingress = ingress.New(ingress.Config{
		Triggers:    a.triggers,
		Store:       store,
		Queue:       a.queue,
		Runtime:     runtime,
		ChatTrigger: cfg.Triggers.ChatTrigger,
		Bus:         a.bus,
		Tracer:      provider.Tracer,
		Metrics:     metrics,
		Logger:      logger,
	})
	return a, nil
}

func (a *app) pollInterval() time.Duration {
	return time.Duration(a.cfg.Wake.PollIntervalSeconds) * time.Second
}

// Close releases resources in reverse open order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
