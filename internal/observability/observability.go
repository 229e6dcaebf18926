package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "metascan/scan"

// Config controls observability initialisation.
type Config struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	OTLPHeaders  map[string]string
	OTLPInsecure bool
}

// Providers holds the active telemetry pipeline. A nil *Providers means
// telemetry is off and every helper in this package passes through.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	// MetricsHandler serves the Prometheus registry on the metrics listener.
	MetricsHandler http.Handler
	Config         Config
}

var (
	initOnce sync.Once

	scanTracer trace.Tracer

	scanDuration      metric.Float64Histogram
	scanTotal         metric.Int64Counter
	fetchAttemptTotal metric.Int64Counter
	limiterWait       metric.Float64Histogram
)

// Init builds the tracer and meter providers and installs them globally.
// It returns nil, nil when cfg.Enabled is false.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "metascan"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tracerProvider := newTracerProvider(ctx, cfg, res)

	meterProvider, metricsHandler, err := newMeterProvider(res)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}

	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(prop)

	initOnce.Do(func() {
		scanTracer = tracerProvider.Tracer(instrumentationName)
		if err := initScanInstruments(meterProvider); err != nil {
			log.Warn().Err(err).Msg("Failed to register scan instruments")
		}
	})

	log.Info().
		Str("service", cfg.ServiceName).
		Bool("otlp_traces", cfg.OTLPEndpoint != "").
		Msg("Observability initialised")

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: metricsHandler,
		Config:         cfg,
	}, nil
}

// Shutdown flushes spans and stops the meter provider.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return errors.Join(
		p.MeterProvider.Shutdown(ctx),
		p.TracerProvider.Shutdown(ctx),
	)
}

// newTracerProvider exports spans over OTLP/HTTP when an endpoint is set.
// Without one, spans are still created so trace ids propagate to the
// scanning API and gateways.
func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint == "" {
		return sdktrace.NewTracerProvider(opts...)
	}

	clientOpts := []otlptracehttp.Option{endpointOption(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	if len(cfg.OTLPHeaders) > 0 {
		clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
	}

	exp, err := otlptracehttp.New(ctx, clientOpts...)
	if err != nil {
		log.Warn().Err(err).Msg("OTLP trace exporter unavailable, traces will not be exported")
		return sdktrace.NewTracerProvider(opts...)
	}
	return sdktrace.NewTracerProvider(append(opts, sdktrace.WithBatcher(exp))...)
}

// newMeterProvider backs the meter provider with a private Prometheus
// registry that also carries the Go runtime and process collectors.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
	return mp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func endpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

// WrapTransport instruments outbound requests. Span names never include the
// query string, which may carry target URLs.
func WrapTransport(base http.RoundTripper, prov *Providers) http.RoundTripper {
	if prov == nil || prov.TracerProvider == nil {
		return base
	}

	return otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Host)
		}),
	)
}

func initScanInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter(instrumentationName)

	var err error
	scanDuration, err = meter.Float64Histogram(
		"metascan.scan.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to submit and poll a scan to a terminal verdict"),
	)
	if err != nil {
		return err
	}

	scanTotal, err = meter.Int64Counter(
		"metascan.scan.total",
		metric.WithDescription("Counts scan outcomes by verdict"),
	)
	if err != nil {
		return err
	}

	fetchAttemptTotal, err = meter.Int64Counter(
		"metascan.fetch.attempts",
		metric.WithDescription("Counts outbound HTTP attempts by outcome"),
	)
	if err != nil {
		return err
	}

	limiterWait, err = meter.Float64Histogram(
		"metascan.limiter.wait_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent waiting for a scanning API quota slot"),
	)
	return err
}

// ScanSpanInfo describes the attributes used when starting a scan span.
type ScanSpanInfo struct {
	ProcessID string
	Kind      string
	Field     string
}

// ScanMetrics describes a finished scan for metric recording.
type ScanMetrics struct {
	Kind     string
	Verdict  string
	Duration time.Duration
}

// StartScanSpan starts a span for one scan run.
func StartScanSpan(ctx context.Context, info ScanSpanInfo) (context.Context, trace.Span) {
	t := scanTracer
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}

	attrs := []attribute.KeyValue{
		attribute.String("scan.process_id", info.ProcessID),
		attribute.String("scan.kind", info.Kind),
	}
	if info.Field != "" {
		attrs = append(attrs, attribute.String("scan.field", info.Field))
	}

	return t.Start(ctx, "scan.run", trace.WithAttributes(attrs...))
}

// RecordScan emits scan metrics when instrumentation is initialised.
func RecordScan(ctx context.Context, m ScanMetrics) {
	attrs := metric.WithAttributes(attribute.String("scan.kind", m.Kind), attribute.String("scan.verdict", m.Verdict))
	if scanDuration != nil {
		scanDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}
	if scanTotal != nil {
		scanTotal.Add(ctx, 1, attrs)
	}
}

// RecordFetchAttempt counts one outbound attempt. outcome is a short label such
// as "ok", "network", "rate_limited" or "server_error".
func RecordFetchAttempt(ctx context.Context, outcome string) {
	if fetchAttemptTotal != nil {
		fetchAttemptTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("fetch.outcome", outcome)))
	}
}

// RecordLimiterWait records how long a caller waited for admission.
func RecordLimiterWait(ctx context.Context, d time.Duration) {
	if limiterWait != nil {
		limiterWait.Record(ctx, float64(d.Milliseconds()))
	}
}
