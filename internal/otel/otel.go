// Package otel wires OpenTelemetry tracing and metrics for the queue, wake
// and ingress paths. When disabled every provider is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "atlas"
	MeterName  = "atlas"
	// Version is reported as a resource attribute.
	Version = "v0.1.0"

	defaultEndpoint = "localhost:4318"
)

// Config is the `otel:` block of config.yaml.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp-http (default), stdout, none
	Endpoint string `yaml:"endpoint"`
	// Headers are sent with every OTLP export, e.g. an ingest key.
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
}

// Option adjusts provider construction beyond what config.yaml exposes.
type Option func(*options)

type options struct {
	readers    []sdkmetric.Reader
	processors []sdktrace.SpanProcessor
	global     bool
}

// WithMetricReader attaches a reader (periodic exporter or manual reader) to the meter provider.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// WithSpanProcessor registers an extra span processor next to the exporter's batcher.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, sp) }
}

// WithoutGlobal keeps the tracer provider out of otel.SetTracerProvider.
func WithoutGlobal() Option {
	return func(o *options) { o.global = false }
}

// Provider bundles the tracer and meter handed to components.
type Provider struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       []func(context.Context) error
}

// Init builds the providers described by cfg. A disabled config yields
// no-op providers and never fails. The returned Provider must be shut
// down on exit to flush pending spans.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	o := options{global: true}
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.Enabled {
		tp := nooptrace.NewTracerProvider()
		mp := noop.NewMeterProvider()
		return &Provider{
			TracerProvider: tp,
			MeterProvider:  mp,
			Tracer:         tp.Tracer(TracerName),
			Meter:          mp.Meter(MeterName),
		}, nil
	}

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	}
	for _, sp := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	if o.global {
		otel.SetTracerProvider(tp)
	}

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown:       []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Shutdown flushes and stops every provider, joining their errors.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enabled reports whether spans from this provider are recorded anywhere.
func (p *Provider) Enabled() bool {
	if p == nil {
		return false
	}
	_, ok := p.TracerProvider.(*sdktrace.TracerProvider)
	return ok
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "atlas"
	}
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("atlas.version", Version),
		),
	)
}

func sampleRate(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1.0
	}
	return rate
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		httpOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		}
		if len(cfg.Headers) > 0 {
			httpOpts = append(httpOpts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, httpOpts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                            { return nil }

// Noop returns a disabled provider for components built without one.
func Noop() *Provider {
	p, _ := Init(context.Background(), Config{})
	return p
}
