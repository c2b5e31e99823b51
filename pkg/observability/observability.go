// Package observability provides OpenTelemetry tracing and metrics for the
// guardian. Every guarded execution becomes a span; decision verdicts, gate
// bypasses and lock timeouts become counters. When disabled the provider is
// inert and safe to call from every path.
package observability

import (
	"context"
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC collector address, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext gRPC, dev only
}

// DefaultConfig returns defaults suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "guardian",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages the trace and metric providers plus the guardian's
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	decisionCounter    metric.Int64Counter
	bypassCounter      metric.Int64Counter
	lockTimeoutCounter metric.Int64Counter
	guardDuration      metric.Float64Histogram
	activeGuards       metric.Int64UpDownCounter
}

// New creates an observability provider. With Enabled false (or a nil
// config) the provider performs no exports and all record methods are
// no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("guardian.component", "membrane"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("guardian",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("guardian",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.decisionCounter, err = p.meter.Int64Counter("guardian.decisions.total",
		metric.WithDescription("Terminal decision records by status and tier"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.bypassCounter, err = p.meter.Int64Counter("guardian.bypass.total",
		metric.WithDescription("Executions that bypassed the membrane"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return err
	}

	p.lockTimeoutCounter, err = p.meter.Int64Counter("guardian.lock.timeouts.total",
		metric.WithDescription("Budget lock acquisitions that timed out"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		return err
	}

	p.guardDuration, err = p.meter.Float64Histogram("guardian.guard.duration",
		metric.WithDescription("Guarded execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	p.activeGuards, err = p.meter.Int64UpDownCounter("guardian.guards.active",
		metric.WithDescription("Guarded executions currently in flight"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global no-op tracer when the
// provider is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("guardian")
	}
	return p.tracer
}

// StartSpan starts a span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordDecision counts a terminal decision record.
func (p *Provider) RecordDecision(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.decisionCounter != nil {
		p.decisionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordBypass counts an execution that went around the membrane.
func (p *Provider) RecordBypass(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.bypassCounter != nil {
		p.bypassCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordLockTimeout counts a budget lock acquisition that timed out.
func (p *Provider) RecordLockTimeout(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.lockTimeoutCounter != nil {
		p.lockTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordGuardDuration records how long a guarded execution took.
func (p *Provider) RecordGuardDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.guardDuration != nil {
		p.guardDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// TrackGuard opens a span for a guarded execution and returns a finish
// function that records duration, the terminal status and tier, and any
// execution error.
func (p *Provider) TrackGuard(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, func(status, tier string, err error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, "guardian.guard",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if p.activeGuards != nil {
		p.activeGuards.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(status, tier string, err error) {
		duration := time.Since(start)

		if p.activeGuards != nil {
			p.activeGuards.Add(ctx, -1, metric.WithAttributes(attrs...))
		}

		terminal := make([]attribute.KeyValue, 0, len(attrs)+2)
		terminal = append(terminal, attrs...)
		if status != "" {
			terminal = append(terminal, AttrStatus.String(status))
		}
		if tier != "" {
			terminal = append(terminal, AttrTier.String(tier))
		}
		p.RecordGuardDuration(ctx, duration, terminal...)
		p.RecordDecision(ctx, terminal...)

		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(terminal...)
		span.End()
	}
}
