// Package database embeds the Postgres schema used by the checkpoint store
// and provides functions to apply and remove it.
package database

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/000001_checkpoints.up.sql
var checkpointsUp string

//go:embed migrations/000001_checkpoints.down.sql
var checkpointsDown string

// Execer is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// MigrateUp creates the checkpoint schema. It is safe to run repeatedly.
func MigrateUp(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, checkpointsUp); err != nil {
		return fmt.Errorf("failed to apply checkpoint schema: %w", err)
	}
	return nil
}

// MigrateDown drops the checkpoint schema
func MigrateDown(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, checkpointsDown); err != nil {
		return fmt.Errorf("failed to drop checkpoint schema: %w", err)
	}
	return nil
}
