package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the telemetry pipeline of the bridge process.
type ProviderConfig struct {
	// ServiceName is reported as service.name. Defaults to "callbridge".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Registerer receives the Prometheus collector backing the meter
	// provider. Defaults to [prometheus.DefaultRegisterer], which is what the
	// /metrics endpoint serves.
	Registerer prometheus.Registerer

	// TraceExporter receives finished spans. When nil, spans are sampled and
	// recorded but never leave the process.
	TraceExporter sdktrace.SpanExporter

	// Sampler decides which call traces are kept. Defaults to sampling every
	// root span and following the parent otherwise.
	Sampler sdktrace.Sampler
}

// Provider is the running telemetry pipeline.
type Provider struct {
	// Metrics holds the bridge instruments, created on the provider's own
	// meter provider.
	Metrics *Metrics

	mp *sdkmetric.MeterProvider
	tp *sdktrace.TracerProvider
}

// InitProvider builds the meter and tracer providers, installs them as the
// global OpenTelemetry providers and creates the bridge instruments on them.
// Call [Provider.Shutdown] before exiting to flush pending spans.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "callbridge"
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Sampler == nil {
		cfg.Sampler = sdktrace.ParentBased(sdktrace.AlwaysSample())
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	exp, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	p := &Provider{
		mp: sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)),
	}

	p.Metrics, err = NewMetrics(p.mp)
	if err != nil {
		_ = p.mp.Shutdown(ctx)
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.Sampler),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	p.tp = sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(p.mp)
	otel.SetTracerProvider(p.tp)
	return p, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}
