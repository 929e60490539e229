package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/Himanshu7240/PII-Entity-Recognition-for-Noisy-STT-Transcripts/internal/redact"
)

const instrumentationName = "piiner"

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// UtteranceStats is what one pipeline run reports.
type UtteranceStats struct {
	Outcome    string // ok | error | canceled
	Tokens     int
	Candidates int
	Accepted   int
	ClassifyMs float64
	DecodeMs   float64
}

// Provider wires tracer/meter providers and exposes helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	utterancesCounter     metric.Int64Counter
	spansEmittedCounter   metric.Int64Counter
	spansRejectedCounter  metric.Int64Counter
	classifyDuration      metric.Float64Histogram
	decodeDuration        metric.Float64Histogram
	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures OTEL exporters + providers. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		return newNoopProvider(), nil
	}

	redact.Logf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s", strings.ToLower(cfg.Protocol), cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var (
		traceExp  sdktrace.SpanExporter
		metricExp sdkmetric.Exporter
	)
	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		traceExp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExp, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
	case "http":
		traceExp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExp, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
	default:
		redact.Logf("telemetry: unknown protocol %q, falling back to no-op", cfg.Protocol)
		return newNoopProvider(), nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer(instrumentationName),
		meter:                 mp.Meter(instrumentationName),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

func newNoopProvider() *Provider {
	no := &Provider{
		Enabled: false,
		tracer:  tracenoop.NewTracerProvider().Tracer(""),
		meter:   noop.NewMeterProvider().Meter(""),
	}
	no.initInstruments()
	return no
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Use meter to create instruments; ignore errors to keep telemetry best-effort.
	p.utterancesCounter, _ = p.meter.Int64Counter("piiner_utterances_total")
	p.spansEmittedCounter, _ = p.meter.Int64Counter("piiner_spans_emitted_total")
	p.spansRejectedCounter, _ = p.meter.Int64Counter("piiner_spans_rejected_total")
	p.classifyDuration, _ = p.meter.Float64Histogram("piiner_classify_duration_ms")
	p.decodeDuration, _ = p.meter.Float64Histogram("piiner_decode_duration_ms")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// StartUtterance opens a span for one pipeline run. attrs pass through SafeAttributes.
func (p *Provider) StartUtterance(ctx context.Context, attrs map[string]interface{}) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, "piiner.utterance", trace.WithAttributes(SafeAttributes(attrs)...))
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordUtterance emits counters/histograms for one pipeline run.
func (p *Provider) RecordUtterance(ctx context.Context, st UtteranceStats) {
	if p == nil || p.utterancesCounter == nil {
		return
	}
	outcome := metric.WithAttributes(attribute.String("piiner.outcome", st.Outcome))
	p.utterancesCounter.Add(ctx, 1, outcome)
	if st.Accepted > 0 {
		p.spansEmittedCounter.Add(ctx, int64(st.Accepted))
	}
	if rejected := st.Candidates - st.Accepted; rejected > 0 {
		p.spansRejectedCounter.Add(ctx, int64(rejected))
	}
	if st.ClassifyMs > 0 {
		p.classifyDuration.Record(ctx, st.ClassifyMs, outcome)
	}
	if st.DecodeMs > 0 {
		p.decodeDuration.Record(ctx, st.DecodeMs, outcome)
	}
}
