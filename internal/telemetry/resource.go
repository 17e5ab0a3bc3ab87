package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/stacklok/toolhive-replicator/internal/versions"
)

// Attribute keys describing the replicator
const (
	// AttrProtocolVersion is the replication protocol spoken by this process
	AttrProtocolVersion = attribute.Key("replication.protocol_version")

	// AttrStoreID identifies the local store
	AttrStoreID = attribute.Key("replication.store_id")
)

// providerResource is the resource shared by the tracer and meter providers
type providerResource struct {
	resource *resource.Resource
}

// newProviderResource describes the process. OTEL_RESOURCE_ATTRIBUTES and
// extra attributes are merged over the service identity.
func newProviderResource(ctx context.Context, cfg *Config, extra []attribute.KeyValue) (*providerResource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.GetServiceName()),
		semconv.ServiceVersion(cfg.GetServiceVersion()),
		AttrProtocolVersion.String(versions.ProtocolVersion),
	}
	attrs = append(attrs, extra...)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return &providerResource{resource: res}, nil
}
