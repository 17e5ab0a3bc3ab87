package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-replicator/internal/checkpoint"
	"github.com/stacklok/toolhive-replicator/internal/config"
	"github.com/stacklok/toolhive-replicator/internal/replicator"
	"github.com/stacklok/toolhive-replicator/internal/store/sqlite"
	"github.com/stacklok/toolhive-replicator/internal/telemetry"
	"github.com/stacklok/toolhive-replicator/internal/transport"
	"github.com/stacklok/toolhive-replicator/internal/versions"
)

const tracerName = "github.com/stacklok/toolhive-replicator/replicator"

// environment holds everything a command needs to replicate the local store
type environment struct {
	cfg         *config.Config
	store       *sqlite.Store
	checkpoints checkpoint.Store
	telemetry   *telemetry.Telemetry
	metrics     *telemetry.ReplicationMetrics
	storeMetric *telemetry.StoreMetrics

	// closers run in reverse order on close
	closers []func() error
}

// configPath returns the --config flag, falling back to THV_REPLICATOR_CONFIG
func configPath(cmd *cobra.Command) (string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", err
	}
	if path == "" {
		path = viper.GetString("config")
	}
	if path == "" {
		return "", fmt.Errorf("a configuration file is required (--config or %s_CONFIG)", config.EnvPrefix)
	}
	return path, nil
}

// openEnvironment loads the configuration and opens the local store, the
// checkpoint store and telemetry. The caller must call close.
func openEnvironment(ctx context.Context, path string) (env *environment, err error) {
	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration", "path", path, "store", cfg.Store.Path, "replications", len(cfg.Replications))

	env = &environment{cfg: cfg}
	defer func() {
		if err != nil {
			_ = env.close(context.Background())
		}
	}()

	env.store, err = sqlite.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, env.store.Close)

	cp, closeCheckpoints, err := checkpoint.NewFromConfig(ctx, cfg, env.store.DB())
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	env.checkpoints = cp
	env.closers = append(env.closers, closeCheckpoints)

	telCfg := cfg.Telemetry
	if telCfg != nil && telCfg.ServiceVersion == "" {
		withVersion := *telCfg
		withVersion.ServiceVersion = versions.GetVersionInfo().Version
		telCfg = &withVersion
	}
	env.telemetry, err = telemetry.New(ctx,
		telemetry.WithTelemetryConfig(telCfg),
		telemetry.WithResourceAttributes(telemetry.AttrStoreID.String(env.store.ID())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	env.metrics, err = telemetry.NewReplicationMetrics(env.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create replication metrics: %w", err)
	}
	env.storeMetric, err = telemetry.NewStoreMetrics(env.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create store metrics: %w", err)
	}
	return env, nil
}

// close flushes telemetry and releases the stores
func (e *environment) close(ctx context.Context) error {
	var errs []error
	if e.telemetry != nil {
		if err := e.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// recordStoreSize reports the number of documents in the local store
func (e *environment) recordStoreSize(ctx context.Context) {
	count, err := e.store.Count(ctx)
	if err != nil {
		slog.Warn("Failed to count documents", "error", err)
		return
	}
	e.storeMetric.RecordDocumentsTotal(ctx, e.store.ID(), int64(count))
}

// selectReplications returns the named replication, or all of them when name is empty
func (e *environment) selectReplications(name string) ([]config.ReplicationConfig, error) {
	if name == "" {
		if len(e.cfg.Replications) == 0 {
			return nil, errors.New("no replications configured")
		}
		return e.cfg.Replications, nil
	}
	rep, err := e.cfg.GetReplication(name)
	if err != nil {
		return nil, err
	}
	return []config.ReplicationConfig{*rep}, nil
}

// newReplicator builds the replicator of a configured replication
func (e *environment) newReplicator(ctx context.Context, rep *config.ReplicationConfig) (*replicator.Replicator, error) {
	cfg, err := e.replicatorConfig(ctx, rep)
	if err != nil {
		return nil, fmt.Errorf("replication %s: %w", rep.Name, err)
	}
	return replicator.New(cfg,
		replicator.WithCheckpointStore(e.checkpoints),
		replicator.WithMetrics(e.metrics),
		replicator.WithTracer(e.telemetry.TracerProvider().Tracer(tracerName)),
		replicator.WithLogger(slog.Default()),
	)
}

// replicatorConfig translates a replication from the file into a replicator
// configuration. Target stores are opened here and closed with the environment.
func (e *environment) replicatorConfig(ctx context.Context, rep *config.ReplicationConfig) (replicator.Configuration, error) {
	direction, err := replicator.ParseDirection(rep.GetDirection())
	if err != nil {
		return replicator.Configuration{}, err
	}

	cfg := replicator.Configuration{
		Name:            rep.Name,
		Store:           e.store,
		Direction:       direction,
		Continuous:      rep.Continuous,
		ResetCheckpoint: rep.ResetCheckpoint,
		BatchSize:       rep.BatchSize,
	}
	if rep.Retry != nil {
		cfg.Retry.MaxAttempts = rep.Retry.MaxAttempts
		cfg.Retry.InitialInterval, cfg.Retry.MaxInterval = rep.Retry.GetRetryIntervals()
	}

	switch {
	case rep.Target.URL != "":
		target, err := replicator.NewURLEndpoint(rep.Target.URL)
		if err != nil {
			return replicator.Configuration{}, err
		}
		cfg.Target = target
		if rep.Auth != nil {
			password, err := rep.Auth.GetPassword()
			if err != nil {
				return replicator.Configuration{}, err
			}
			cfg.Authenticator = transport.BasicAuthenticator{Username: rep.Auth.Username, Password: password}
		}

	default:
		target, err := sqlite.Open(ctx, rep.Target.StorePath)
		if err != nil {
			return replicator.Configuration{}, err
		}
		e.closers = append(e.closers, target.Close)
		cfg.Target = replicator.NewLocalStoreEndpoint(target)
	}
	return cfg, nil
}
