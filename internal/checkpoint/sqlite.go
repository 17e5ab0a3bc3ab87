package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	key        TEXT PRIMARY KEY,
	sequence   INTEGER NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);`

type sqliteStore struct {
	leases
	db *sql.DB
}

// NewSQLiteStore creates a Store persisting checkpoints in a SQLite database,
// creating the checkpoints table if needed. The database may be shared with a local document store.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (Store, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Load(ctx context.Context, key Key) (*Checkpoint, error) {
	cp := &Checkpoint{Key: key}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, session_id, updated_at FROM checkpoints WHERE key = ?`, key.String(),
	).Scan(&cp.Sequence, &cp.SessionID, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}
	cp.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return cp, nil
}

func (s *sqliteStore) Save(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (key, sequence, session_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET sequence = excluded.sequence,
		 session_id = excluded.session_id, updated_at = excluded.updated_at`,
		cp.Key.String(), cp.Sequence, cp.SessionID, cp.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.Key, err)
	}
	return nil
}

func (s *sqliteStore) Reset(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE key = ?`, key.String()); err != nil {
		return fmt.Errorf("failed to reset checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Lock(_ context.Context, key Key) (Unlock, error) {
	return s.acquire(key)
}
