package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/toolhive-replicator/database"
	"github.com/stacklok/toolhive-replicator/internal/config"
	"github.com/stacklok/toolhive-replicator/internal/db"
)

// CloseFunc releases resources owned by a Store created with NewFromConfig
type CloseFunc func() error

// NewFromConfig creates the checkpoint store selected by the configuration.
// localDB is the database of the local document store, used by the sqlite backend.
// The returned CloseFunc must be called once the store is no longer used.
func NewFromConfig(ctx context.Context, cfg *config.Config, localDB *sql.DB) (Store, CloseFunc, error) {
	noop := func() error { return nil }
	cpCfg := cfg.GetCheckpoint()

	switch cpCfg.GetType() {
	case config.CheckpointTypeMemory:
		slog.Info("Using in-memory checkpoints, progress will not survive a restart")
		return NewMemoryStore(), noop, nil

	case config.CheckpointTypeFile:
		slog.Info("Using file checkpoint store", "path", cpCfg.Path)
		return NewFileStore(cpCfg.Path), noop, nil

	case config.CheckpointTypeSQLite:
		if localDB == nil {
			return nil, nil, fmt.Errorf("sqlite checkpoint store requires a local database")
		}
		slog.Info("Using SQLite checkpoint store in the local database")
		store, err := NewSQLiteStore(ctx, localDB)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case config.CheckpointTypePostgres:
		pool, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to checkpoint database: %w", err)
		}
		if err := database.MigrateUp(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("Using PostgreSQL checkpoint store")
		return NewPostgresStore(pool), func() error {
			pool.Close()
			return nil
		}, nil

	case config.CheckpointTypeRedis:
		password, err := cpCfg.Redis.GetPassword()
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cpCfg.Redis.Address,
			Password: password,
			DB:       cpCfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cpCfg.Redis.Address, err)
		}
		slog.Info("Using Redis checkpoint store", "address", cpCfg.Redis.Address)
		return NewRedisStore(client, cpCfg.Redis.Prefix), client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported checkpoint type: %s", cpCfg.Type)
	}
}
