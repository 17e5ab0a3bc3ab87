package telemetry

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/toolhive-replicator/internal/otel"
)

// newTracerProvider exports spans over OTLP/HTTP when tracing is enabled and
// returns a no-op provider otherwise
func newTracerProvider(ctx context.Context, cfg *Config, p *providerResource) (trace.TracerProvider, error) {
	if cfg == nil || cfg.Tracing == nil || !cfg.Tracing.Enabled {
		return noop.NewTracerProvider(), nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.GetEndpoint())}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(p.resource),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(NewSampler(cfg.Tracing)),
	), nil
}

// NewSampler samples every run of the replications named in AlwaysSample and
// the Sampling ratio of the others. Child spans follow their parent.
func NewSampler(tc *TracingConfig) sdktrace.Sampler {
	ratio := sdktrace.TraceIDRatioBased(tc.GetSampling())
	if len(tc.AlwaysSample) == 0 {
		return sdktrace.ParentBased(ratio)
	}
	always := make(map[string]struct{}, len(tc.AlwaysSample))
	for _, name := range tc.AlwaysSample {
		always[name] = struct{}{}
	}
	return sdktrace.ParentBased(&replicationSampler{always: always, fallback: ratio})
}

// replicationSampler keys on the replication name a run span starts with
type replicationSampler struct {
	always   map[string]struct{}
	fallback sdktrace.Sampler
}

func (s *replicationSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range p.Attributes {
		if attr.Key != otel.AttrReplication {
			continue
		}
		if _, ok := s.always[attr.Value.AsString()]; ok {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
		break
	}
	return s.fallback.ShouldSample(p)
}

func (s *replicationSampler) Description() string {
	names := make([]string, 0, len(s.always))
	for name := range s.always {
		names = append(names, name)
	}
	slices.Sort(names)
	return fmt.Sprintf("ReplicationSampler{always=[%s],%s}", strings.Join(names, ","), s.fallback.Description())
}
