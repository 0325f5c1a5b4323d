package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/go-atlas/internal/audit"
	"github.com/basket/go-atlas/internal/bus"
	"github.com/basket/go-atlas/internal/persistence"
)

// storeCollector reads queue gauges from the store on every scrape, so the
// numbers include work done by other processes sharing the database.
type storeCollector struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger

	tasks        *prometheus.Desc
	messages     *prometheus.Desc
	pendingWakes *prometheus.Desc
	triggers     *prometheus.Desc
	auditDenies  *prometheus.Desc
	busDropped   *prometheus.Desc
}

func newStoreCollector(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *storeCollector {
	return &storeCollector{
		store:        store,
		bus:          b,
		logger:       logger,
		tasks:        prometheus.NewDesc("atlas_tasks", "Tasks by status.", []string{"status"}, nil),
		messages:     prometheus.NewDesc("atlas_messages", "Logged inbound messages by channel.", []string{"channel"}, nil),
		pendingWakes: prometheus.NewDesc("atlas_pending_wakes", "Wake records not yet acknowledged.", nil, nil),
		triggers:     prometheus.NewDesc("atlas_triggers", "Registered triggers by type and enabled state.", []string{"type", "enabled"}, nil),
		auditDenies:  prometheus.NewDesc("atlas_access_denied_total", "Access decisions denied since startup.", nil, nil),
		busDropped:   prometheus.NewDesc("atlas_bus_dropped_events_total", "In-process events dropped by slow subscribers.", nil, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.messages
	ch <- c.pendingWakes
	ch <- c.triggers
	ch <- c.auditDenies
	ch <- c.busDropped
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if counts, err := c.store.TaskCounts(ctx); err != nil {
		c.logger.Warn("metrics: task counts", "error", err)
	} else {
		for status, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(n), string(status))
		}
	}
	if counts, err := c.store.MessageCountsByChannel(ctx); err != nil {
		c.logger.Warn("metrics: message counts", "error", err)
	} else {
		for channel, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(n), channel)
		}
	}
	if n, err := c.store.PendingWakeCount(ctx); err != nil {
		c.logger.Warn("metrics: pending wakes", "error", err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.pendingWakes, prometheus.GaugeValue, float64(n))
	}
	if list, err := c.store.ListTriggers(ctx, ""); err != nil {
		c.logger.Warn("metrics: triggers", "error", err)
	} else {
		type key struct {
			typ     string
			enabled string
		}
		counts := map[key]int{}
		for _, t := range list {
			enabled := "false"
			if t.Enabled {
				enabled = "true"
			}
			counts[key{string(t.Type), enabled}]++
		}
		for k, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.triggers, prometheus.GaugeValue, float64(n), k.typ, k.enabled)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.auditDenies, prometheus.CounterValue, float64(audit.DenyCount()))
	ch <- prometheus.MustNewConstMetric(c.busDropped, prometheus.CounterValue, float64(c.bus.Dropped()))
}

func newMetricsHandler(store *persistence.Store, b *bus.Bus, logger *slog.Logger) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newStoreCollector(store, b, logger),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
