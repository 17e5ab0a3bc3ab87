package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxQuerier is the subset of *pgxpool.Pool and *pgx.Conn used by the Postgres store
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresStore struct {
	leases
	db PgxQuerier
}

// NewPostgresStore creates a database-backed checkpoint store.
// The schema from the database package must already be applied.
func NewPostgresStore(db PgxQuerier) Store {
	return &postgresStore{db: db}
}

func (p *postgresStore) Load(ctx context.Context, key Key) (*Checkpoint, error) {
	cp := &Checkpoint{Key: key}
	var sequence int64
	err := p.db.QueryRow(ctx,
		`SELECT sequence, session_id, updated_at FROM replication_checkpoint WHERE checkpoint_key = $1`,
		key.String(),
	).Scan(&sequence, &cp.SessionID, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}
	if sequence < 0 {
		return nil, fmt.Errorf("checkpoint %s has negative sequence %d", key, sequence)
	}
	cp.Sequence = uint64(sequence)
	return cp, nil
}

func (p *postgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	//nolint:gosec // G115: sequences never approach MaxInt64
	sequence := int64(cp.Sequence)
	_, err := p.db.Exec(ctx,
		`INSERT INTO replication_checkpoint (checkpoint_key, sequence, session_id, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (checkpoint_key) DO UPDATE SET sequence = EXCLUDED.sequence,
		 session_id = EXCLUDED.session_id, updated_at = EXCLUDED.updated_at`,
		cp.Key.String(), sequence, cp.SessionID, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.Key, err)
	}
	return nil
}

func (p *postgresStore) Reset(ctx context.Context, key Key) error {
	_, err := p.db.Exec(ctx, `DELETE FROM replication_checkpoint WHERE checkpoint_key = $1`, key.String())
	if err != nil {
		return fmt.Errorf("failed to reset checkpoint %s: %w", key, err)
	}
	return nil
}

func (p *postgresStore) Lock(_ context.Context, key Key) (Unlock, error) {
	return p.acquire(key)
}
