package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func newRouter(mw func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(mw)
	r.Get("/db/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return r
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	mw, err := MetricsMiddleware(mp)
	require.NoError(t, err)
	router := newRouter(mw)

	for _, path := range []string{"/db/a", "/db/b", "/broken"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "thv_replicator_http_requests_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				route, _ := dp.Attributes.Value(attribute.Key("route"))
				status, _ := dp.Attributes.Value(attribute.Key("status_code"))
				counts[route.AsString()+" "+status.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{
		"/db/{name} 200": 2,
		"/broken 500":    1,
	}, counts)
}

func TestMetricsMiddlewareNilProvider(t *testing.T) {
	t.Parallel()

	mw, err := MetricsMiddleware(nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	newRouter(mw).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/db/a", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTracingMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		wantName   string
		wantRoute  string
		wantStatus codes.Code
	}{
		{name: "route_pattern", path: "/db/mine", wantName: "GET /db/{name}", wantRoute: "/db/{name}", wantStatus: codes.Ok},
		{name: "server_error", path: "/broken", wantName: "GET /broken", wantRoute: "/broken", wantStatus: codes.Error},
		{name: "unrouted", path: "/nowhere", wantName: "GET unknown_route", wantRoute: "unknown_route", wantStatus: codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exporter := tracetest.NewInMemoryExporter()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
			t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

			newRouter(TracingMiddleware(tp)).ServeHTTP(httptest.NewRecorder(),
				httptest.NewRequest(http.MethodGet, tt.path, nil))

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			span := spans[0]
			assert.Equal(t, tt.wantName, span.Name)
			assert.Equal(t, tt.wantStatus, span.Status.Code)
			assert.Contains(t, span.Attributes, semconv.HTTPRouteKey.String(tt.wantRoute))
		})
	}
}

func TestTracingMiddlewareNilProvider(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	newRouter(TracingMiddleware(nil)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/db/a", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
