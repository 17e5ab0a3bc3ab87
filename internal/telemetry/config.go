// Package telemetry provides OpenTelemetry instrumentation for the replicator.
// It supports configurable tracing with an OTLP exporter and metrics with
// OTLP and Prometheus exporters.
package telemetry

import (
	"errors"
	"fmt"
	"slices"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "thv-replicator"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the default trace sampling rate (5%)
	DefaultSampling = 0.05
)

const (
	// ExporterOTLP pushes metrics to the OTLP endpoint
	ExporterOTLP = "otlp"

	// ExporterPrometheus exposes metrics for scraping at /metrics
	ExporterPrometheus = "prometheus"
)

// Config represents the root telemetry configuration
type Config struct {
	// Enabled controls whether telemetry is enabled globally
	Enabled bool `yaml:"enabled"`

	// ServiceName defaults to "thv-replicator"
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion defaults to "unknown"
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP collector endpoint as "host:port"
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows HTTP connections instead of HTTPS.
	// Should only be true for development/testing environments
	Insecure bool `yaml:"insecure,omitempty"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig defines tracing-specific configuration
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling controls the trace sampling rate (0.0 to 1.0).
	// 0 selects DefaultSampling.
	Sampling float64 `yaml:"sampling,omitempty"`

	// AlwaysSample names replications whose runs are traced regardless of Sampling
	AlwaysSample []string `yaml:"alwaysSample,omitempty"`
}

// MetricsConfig defines metrics-specific configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporters lists the metric exporters, "otlp" and/or "prometheus".
	// Defaults to otlp.
	Exporters []string `yaml:"exporters,omitempty"`
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, using "unknown" if not specified
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetSampling returns the sampling ratio, DefaultSampling when unset
func (c *TracingConfig) GetSampling() float64 {
	if c.Sampling == 0.0 {
		return DefaultSampling
	}
	return c.Sampling
}

// GetExporters returns the configured exporters, defaulting to otlp
func (c *MetricsConfig) GetExporters() []string {
	if len(c.Exporters) == 0 {
		return []string{ExporterOTLP}
	}
	return c.Exporters
}

// Uses reports whether the exporter is enabled
func (c *MetricsConfig) Uses(exporter string) bool {
	return c != nil && c.Enabled && slices.Contains(c.GetExporters(), exporter)
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if c.Tracing != nil {
		if err := c.Tracing.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Validate validates the tracing configuration
func (c *TracingConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	if c.Sampling < 0 || c.Sampling > 1.0 {
		return fmt.Errorf("sampling must be between 0.0 and 1.0, got %f", c.Sampling)
	}
	if slices.Contains(c.AlwaysSample, "") {
		return errors.New("alwaysSample must not contain an empty replication name")
	}
	return nil
}

// Validate validates the metrics configuration
func (c *MetricsConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	for _, exporter := range c.Exporters {
		if exporter != ExporterOTLP && exporter != ExporterPrometheus {
			return fmt.Errorf("unknown exporter %q, must be otlp or prometheus", exporter)
		}
	}
	return nil
}
