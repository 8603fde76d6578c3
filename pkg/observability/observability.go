// Package observability wires OpenTelemetry tracing and metrics for the
// plugin host. Telemetry is off unless an OTLP endpoint is configured; the
// global no-op providers are used otherwise.
package observability

import (
	"context"
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

const instrumentationName = "github.com/skyforge-dev/skyforge"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // host:port of an OTLP gRPC collector
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext gRPC, for local collectors
}

// DefaultConfig returns a disabled configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "skyforge",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the tracer and meter used by the host.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
}

// New creates a provider. A disabled config returns a provider backed by the
// global (by default no-op) providers.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled || config.OTLPEndpoint == "" {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, p.bind(otel.GetTracerProvider(), otel.GetMeterProvider())
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
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
	if err := p.bind(p.tracerProvider, p.meterProvider); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds a provider on caller-supplied providers, e.g. an
// in-memory span recorder in tests.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		logger: slog.Default().With("component", "observability"),
	}
	return p, p.bind(tp, mp)
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// bind creates the tracer, meter and instruments.
func (p *Provider) bind(tp trace.TracerProvider, mp metric.MeterProvider) error {
	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))

	var err error
	if p.operations, err = p.meter.Int64Counter("skyforge.operations.total",
		metric.WithDescription("Host operations started"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.errors, err = p.meter.Int64Counter("skyforge.errors.total",
		metric.WithDescription("Host operations that failed"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("skyforge.operation.duration",
		metric.WithDescription("Host operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return err
	}
	if p.active, err = p.meter.Int64UpDownCounter("skyforge.operations.active",
		metric.WithDescription("Host operations in progress"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers this package created.
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

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// TrackOperation starts a span and RED metrics for one operation. The
// returned function ends both and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	opAttrs := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)...)
	p.active.Add(ctx, 1, opAttrs)
	p.operations.Add(ctx, 1, opAttrs)

	return ctx, func(err error) {
		p.active.Add(ctx, -1, opAttrs)
		p.duration.Record(ctx, time.Since(start).Seconds(), opAttrs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.errors.Add(ctx, 1, opAttrs, metric.WithAttributes(attribute.String("error.type", fmt.Sprintf("%T", err))))
		}
		span.End()
	}
}
