package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// defaultServiceName identifies this process in exported telemetry.
const defaultServiceName = "koestream"

type providerSettings struct {
	serviceName    string
	serviceVersion string
	traceExporter  sdktrace.SpanExporter
}

// ProviderOption configures InitProvider.
type ProviderOption func(*providerSettings)

// WithServiceName overrides the service name reported in telemetry.
func WithServiceName(name string) ProviderOption {
	return func(s *providerSettings) {
		if name != "" {
			s.serviceName = name
		}
	}
}

// WithServiceVersion sets the service version reported in telemetry.
func WithServiceVersion(version string) ProviderOption {
	return func(s *providerSettings) { s.serviceVersion = version }
}

// WithTraceExporter ships spans to the given exporter. Without one, spans
// are recorded in-process but never exported; metrics stay the primary
// signal, scraped through the server's /metrics route.
func WithTraceExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(s *providerSettings) { s.traceExporter = exp }
}

// InitProvider registers the global OTel SDK providers: a MeterProvider
// bridged to the Prometheus exporter so the koestream.* instruments appear on
// /metrics, and a TracerProvider whose spans carry the wait/speak/status
// request flow.
//
// Returns a shutdown function that flushes and closes both providers. Call it
// in a defer from main().
func InitProvider(_ context.Context, opts ...ProviderOption) (func(context.Context) error, error) {
	s := providerSettings{serviceName: defaultServiceName}
	for _, opt := range opts {
		opt(&s)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(s.serviceName),
			semconv.ServiceVersion(s.serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if s.traceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(s.traceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
