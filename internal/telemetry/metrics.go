// Package telemetry provides OpenTelemetry instrumentation for the replicator.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// ReplicationMetricsMeterName is the name used for the replication metrics meter
	ReplicationMetricsMeterName = "github.com/stacklok/toolhive-replicator/replication"

	// StoreMetricsMeterName is the name used for the store metrics meter
	StoreMetricsMeterName = "github.com/stacklok/toolhive-replicator/store"
)

// ReplicationMetrics holds the OpenTelemetry instruments for replication runs
type ReplicationMetrics struct {
	activity    metric.Int64Gauge
	changes     metric.Int64Counter
	runDuration metric.Float64Histogram
}

// NewReplicationMetrics creates a new ReplicationMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewReplicationMetrics(provider metric.MeterProvider) (*ReplicationMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(ReplicationMetricsMeterName)

	activity, err := meter.Int64Gauge(
		"thv_replicator_activity_level",
		metric.WithDescription("Current activity level of each replication (0 stopped, 1 offline, 2 connecting, 3 idle, 4 busy)"),
	)
	if err != nil {
		return nil, err
	}

	changes, err := meter.Int64Counter(
		"thv_replicator_changes_total",
		metric.WithDescription("Number of changes replicated"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"thv_replicator_run_duration_seconds",
		metric.WithDescription("Duration of replication runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 3600),
	)
	if err != nil {
		return nil, err
	}

	return &ReplicationMetrics{
		activity:    activity,
		changes:     changes,
		runDuration: runDuration,
	}, nil
}

// RecordActivity records the current activity level of a replication
func (m *ReplicationMetrics) RecordActivity(ctx context.Context, replication string, level int64) {
	if m == nil || m.activity == nil {
		return
	}

	m.activity.Record(ctx, level, metric.WithAttributes(attribute.String("replication", replication)))
}

// RecordChanges records changes replicated in one direction
func (m *ReplicationMetrics) RecordChanges(ctx context.Context, replication, direction string, count int) {
	if m == nil || m.changes == nil || count == 0 {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("replication", replication),
		attribute.String("direction", direction),
	}

	m.changes.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordRunDuration records the duration of a replication run
func (m *ReplicationMetrics) RecordRunDuration(ctx context.Context, replication string, duration time.Duration, success bool) {
	if m == nil || m.runDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("replication", replication),
		attribute.Bool("success", success),
	}

	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// StoreMetrics holds the OpenTelemetry instruments for the local store
type StoreMetrics struct {
	documentsTotal metric.Int64Gauge
}

// NewStoreMetrics creates a new StoreMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewStoreMetrics(provider metric.MeterProvider) (*StoreMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(StoreMetricsMeterName)

	documentsTotal, err := meter.Int64Gauge(
		"thv_replicator_documents_total",
		metric.WithDescription("Number of live documents in the local store"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return nil, err
	}

	return &StoreMetrics{
		documentsTotal: documentsTotal,
	}, nil
}

// RecordDocumentsTotal records the current number of documents in a store
func (m *StoreMetrics) RecordDocumentsTotal(ctx context.Context, storeID string, count int64) {
	if m == nil || m.documentsTotal == nil {
		return
	}

	m.documentsTotal.Record(ctx, count, metric.WithAttributes(attribute.String("store", storeID)))
}
