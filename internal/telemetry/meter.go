package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// DefaultMetricsInterval is how often OTLP metrics are pushed
const DefaultMetricsInterval = 60 * time.Second

// newMeterProvider attaches a reader per configured exporter. The Prometheus
// exporter registers with registerer. Disabled metrics yield a no-op provider.
func newMeterProvider(
	ctx context.Context,
	cfg *Config,
	p *providerResource,
	registerer prometheus.Registerer,
) (metric.MeterProvider, error) {
	if cfg == nil || cfg.Metrics == nil || !cfg.Metrics.Enabled {
		return noop.NewMeterProvider(), nil
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(p.resource)}

	if cfg.Metrics.Uses(ExporterOTLP) {
		exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.GetEndpoint())}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(DefaultMetricsInterval)),
		))
	}

	if cfg.Metrics.Uses(ExporterPrometheus) {
		exporter, err := otelprom.New(otelprom.WithRegisterer(registerer))
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exporter))
	}

	return sdkmetric.NewMeterProvider(opts...), nil
}
