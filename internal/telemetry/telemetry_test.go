package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/toolhive-replicator/internal/versions"
)

func TestNewDisabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []Option
	}{
		{name: "no_config"},
		{name: "disabled", opts: []Option{WithTelemetryConfig(&Config{})}},
		{
			name: "enabled_without_signals",
			opts: []Option{WithTelemetryConfig(&Config{
				Enabled: true,
				Tracing: &TracingConfig{},
				Metrics: &MetricsConfig{},
			})},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tel, err := New(context.Background(), tt.opts...)
			require.NoError(t, err)

			assert.IsType(t, tracenoop.TracerProvider{}, tel.TracerProvider())
			assert.IsType(t, noop.MeterProvider{}, tel.MeterProvider())
			assert.Nil(t, tel.MetricsHandler())
			assert.NoError(t, tel.Shutdown(context.Background()))
		})
	}
}

func TestNewInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), WithTelemetryConfig(&Config{
		Enabled: true,
		Metrics: &MetricsConfig{Enabled: true, Exporters: []string{"carrier-pigeon"}},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid telemetry configuration")
}

func TestNewPrometheusExporter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tel, err := New(ctx, WithTelemetryConfig(&Config{
		Enabled: true,
		Metrics: &MetricsConfig{Enabled: true, Exporters: []string{ExporterPrometheus}},
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })

	require.IsType(t, &sdkmetric.MeterProvider{}, tel.MeterProvider())
	require.NotNil(t, tel.MetricsHandler())

	metrics, err := NewReplicationMetrics(tel.MeterProvider())
	require.NoError(t, err)
	metrics.RecordChanges(ctx, "upstream", "push", 3)

	rr := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "thv_replicator_changes_total")
	assert.Contains(t, string(body), `replication="upstream"`)
}

func TestNewMeterProviderRegistersCollector(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := &Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true, Exporters: []string{ExporterPrometheus}}}
	res, err := newProviderResource(ctx, cfg, nil)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	mp, err := newMeterProvider(ctx, cfg, res, registry)
	require.NoError(t, err)
	sdk, ok := mp.(*sdkmetric.MeterProvider)
	require.True(t, ok)
	t.Cleanup(func() { _ = sdk.Shutdown(ctx) })

	counter, err := mp.Meter("test").Int64Counter("heartbeat")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	families, err := registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "heartbeat_total")
}

func TestNewTracerProviderDisabled(t *testing.T) {
	t.Parallel()

	tp, err := newTracerProvider(context.Background(), &Config{Enabled: true, Tracing: &TracingConfig{}}, nil)
	require.NoError(t, err)
	assert.IsType(t, tracenoop.TracerProvider{}, tp)
}

func TestProviderResource(t *testing.T) {
	t.Parallel()

	res, err := newProviderResource(context.Background(),
		&Config{ServiceName: "replica-a", ServiceVersion: "1.2.3"},
		[]attribute.KeyValue{AttrStoreID.String("store-1")},
	)
	require.NoError(t, err)

	attrs := map[attribute.Key]string{}
	for _, kv := range res.resource.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "replica-a", attrs[semconv.ServiceNameKey])
	assert.Equal(t, "1.2.3", attrs[semconv.ServiceVersionKey])
	assert.Equal(t, versions.ProtocolVersion, attrs[AttrProtocolVersion])
	assert.Equal(t, "store-1", attrs[AttrStoreID])
}
