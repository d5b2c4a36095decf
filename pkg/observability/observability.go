// Package observability wires a node's OpenTelemetry tracing and metrics:
// the OTLP/gRPC exporters, a span and RED metrics for every API operation,
// and the event pipeline instruments.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/Mindburn-Labs/covenant"

	defaultServiceName    = "covenant-node"
	defaultExportInterval = 15 * time.Second
)

var durationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Config configures a Provider. With an empty Endpoint nothing leaves the
// process unless an Option attaches a reader or exporter.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string // OTLP/gRPC collector, e.g. "localhost:4317"
	Insecure       bool
	// SampleRate is the fraction of traces kept. Zero keeps all of them.
	SampleRate     float64
	ExportInterval time.Duration
}

type options struct {
	readers []sdkmetric.Reader
	spans   []sdktrace.SpanExporter
}

// Option attaches an extra metric reader or span exporter to a Provider.
type Option func(*options)

func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// WithSpanExporter exports ended spans synchronously to e.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(o *options) { o.spans = append(o.spans, e) }
}

// Provider owns a node's tracer and meter providers and the instruments
// recorded on them. It is safe for concurrent use.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	operations metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	pipeline   *PipelineMetrics
}

// New builds a Provider. When cfg.Endpoint is set the providers also become
// the process-wide OpenTelemetry defaults.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = defaultExportInterval
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.Endpoint != "" {
		spans, metrics, err := dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spans))
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(cfg.ExportInterval))))
	}
	for _, e := range o.spans {
		traceOpts = append(traceOpts, sdktrace.WithSyncer(e))
	}
	for _, r := range o.readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}

	p := &Provider{
		tracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		meterProvider:  sdkmetric.NewMeterProvider(meterOpts...),
		logger:         slog.Default().With("component", "observability"),
	}
	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	meter := p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

	err := p.initOperations(meter)
	if err == nil {
		p.pipeline, err = newPipelineMetrics(meter)
	}
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	if cfg.Endpoint != "" {
		otel.SetTracerProvider(p.tracerProvider)
		otel.SetMeterProvider(p.meterProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		p.logger.InfoContext(ctx, "exporting telemetry",
			"endpoint", cfg.Endpoint, "environment", cfg.Environment, "insecure", cfg.Insecure)
	}
	return p, nil
}

func dial(ctx context.Context, cfg Config) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	return spans, metrics, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func (p *Provider) initOperations(meter metric.Meter) error {
	var err error
	if p.operations, err = meter.Int64Counter("covenant.api.operations",
		metric.WithDescription("API operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.failures, err = meter.Int64Counter("covenant.api.failures",
		metric.WithDescription("API operations that ended in a server error"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.latency, err = meter.Float64Histogram("covenant.api.duration",
		metric.WithDescription("API operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return err
	}
	p.inFlight, err = meter.Int64UpDownCounter("covenant.api.active",
		metric.WithDescription("API operations in flight"),
		metric.WithUnit("{operation}"))
	return err
}

// Tracer returns the tracer pipeline runs are recorded on.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Pipeline returns the event pipeline instruments.
func (p *Provider) Pipeline() *PipelineMetrics {
	return p.pipeline
}

// TrackOperation starts a server span named name and counts the operation.
// The returned callback ends both; a non-nil error marks them failed.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
	set := metric.WithAttributes(attrs...)
	p.operations.Add(ctx, 1, set)
	p.inFlight.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.inFlight.Add(ctx, -1, set)
		p.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			p.failures.Add(ctx, 1, set)
		}
		SetSpanStatus(ctx, err)
		span.End()
	}
}

// Shutdown flushes pending telemetry and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.tracerProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	)
}
