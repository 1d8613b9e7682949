// Package observability wires structured logging, OpenTelemetry tracing and
// pipeline metrics, and the Prometheus registry served at /metrics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const scope = "github.com/gatelog/gatelog"

// Config controls OTLP export. With Enabled false the Provider hands out the
// global no-op tracer and meter.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of a gRPC collector
	SampleRate     float64
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns a disabled config pointed at a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "gatelog",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Insecure:       true,
	}
}

// stageInstruments count and time pipeline stages such as ingest.submit and
// ingest.anchor.
type stageInstruments struct {
	started  metric.Int64Counter
	failed   metric.Int64Counter
	inflight metric.Int64UpDownCounter
	latency  metric.Float64Histogram
}

// Provider owns the SDK providers for one process.
type Provider struct {
	cfg       Config
	tracer    trace.Tracer
	meter     metric.Meter
	stages    *stageInstruments
	shutdowns []func(context.Context) error
	logger    *slog.Logger
}

// New builds the providers and installs them globally when export is on.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		cfg:    *cfg,
		logger: slog.Default().With("component", "telemetry"),
	}
	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "otlp export disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, &p.cfg, res)
	if err != nil {
		return nil, err
	}
	p.shutdowns = append(p.shutdowns, tp.Shutdown)

	mp, err := newMeterProvider(ctx, &p.cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	p.shutdowns = append(p.shutdowns, mp.Shutdown)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.tracer = tp.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = mp.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if p.stages, err = newStageInstruments(p.meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	p.logger.InfoContext(ctx, "otlp export enabled",
		"endpoint", cfg.OTLPEndpoint,
		"environment", cfg.Environment,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRate)
	if cfg.SampleRate >= 1 {
		sampler = sdktrace.AlwaysSample()
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	), nil
}

func newStageInstruments(m metric.Meter) (*stageInstruments, error) {
	var (
		s    stageInstruments
		errs []error
		err  error
	)
	s.started, err = m.Int64Counter("gatelog.stage.started", metric.WithUnit("{operation}"),
		metric.WithDescription("Pipeline stages started"))
	errs = append(errs, err)
	s.failed, err = m.Int64Counter("gatelog.stage.failed", metric.WithUnit("{error}"),
		metric.WithDescription("Pipeline stages that returned an error"))
	errs = append(errs, err)
	s.inflight, err = m.Int64UpDownCounter("gatelog.stage.inflight", metric.WithUnit("{operation}"),
		metric.WithDescription("Pipeline stages currently running"))
	errs = append(errs, err)
	s.latency, err = m.Float64Histogram("gatelog.stage.duration", metric.WithUnit("s"),
		metric.WithDescription("Pipeline stage latency"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("stage instruments: %w", err)
	}
	return &s, nil
}

// Shutdown flushes pending spans and metrics. Errors are joined.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, p.shutdowns[i](ctx))
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}

// Tracer returns the provider's tracer, or the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scope)
	}
	return p.tracer
}

// Meter returns the provider's meter, or the global one.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(scope)
	}
	return p.meter
}

// TrackOperation opens a span named after the stage and, when export is on,
// records it in the stage instruments. Call the returned func once with the
// stage's outcome. A nil Provider is valid.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))

	var stages *stageInstruments
	if p != nil {
		stages = p.stages
	}
	set := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("stage", name)}, attrs...)...)
	if stages != nil {
		stages.started.Add(ctx, 1, set)
		stages.inflight.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		defer span.End()
		if stages != nil {
			stages.inflight.Add(ctx, -1, set)
			stages.latency.Record(ctx, time.Since(start).Seconds(), set)
		}
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if stages != nil {
			stages.failed.Add(ctx, 1, set)
		}
	}
}
