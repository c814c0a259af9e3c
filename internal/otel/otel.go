// Package otel wires OpenTelemetry traces and metrics for voxdesk.
// A disabled config yields no-op providers.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

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

// TracerName is the instrumentation scope for every voxdesk span and metric.
const TracerName = "voxdesk"

const defaultEndpoint = "localhost:4318"

// Config is the telemetry block of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled=false keeps tracing but records no metrics.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

func (c Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// Provider carries the tracer and meter handed to the gateway, the queue
// and the voice client.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	// TracerProvider is nil when telemetry is disabled.
	TracerProvider *sdktrace.TracerProvider

	closers []func(context.Context) error
}

type exporterFunc func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFunc{
	"otlp-http": func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	},
	"stdout": func(context.Context, string) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"none": func(context.Context, string) (sdktrace.SpanExporter, error) {
		return discardExporter{}, nil
	},
}

// Disabled returns a provider whose tracer and meter record nothing.
func Disabled() *Provider {
	return &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:  noop.NewMeterProvider().Meter(TracerName),
	}
}

// Init builds the providers described by cfg and installs the tracer
// provider globally. version is stamped on the resource.
func Init(ctx context.Context, cfg Config, version string) (*Provider, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}

	name := cfg.Exporter
	if name == "" {
		name = "otlp-http"
	}
	newExporter, ok := exporters[name]
	if !ok {
		return nil, fmt.Errorf("unknown exporter %q (supported: %s)", cfg.Exporter, supportedExporters())
	}
	exp, err := newExporter(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", name, err)
	}

	service := cfg.ServiceName
	if service == "" {
		service = "voxdesk"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
		semconv.ServiceVersion(version),
		attribute.String("voxdesk.exporter", name),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	p := Disabled()
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(TracerName)
	p.closers = append(p.closers, tp.Shutdown)

	if cfg.metricsOn() {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.Meter = mp.Meter(TracerName)
		p.closers = append(p.closers, mp.Shutdown)
	}
	return p, nil
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, closeFn := range p.closers {
		errs = append(errs, closeFn(ctx))
	}
	return errors.Join(errs...)
}

func supportedExporters() string {
	names := make([]string, 0, len(exporters))
	for n := range exporters {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
