// Package sqlite provides a local document store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/stacklok/toolhive-replicator/internal/store"
)

const (
	// readPageSize bounds the number of rows fetched per query while iterating changes
	readPageSize = 256

	schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	doc_id   TEXT PRIMARY KEY,
	rev_id   TEXT NOT NULL,
	deleted  INTEGER NOT NULL DEFAULT 0,
	body     BLOB,
	sequence INTEGER NOT NULL UNIQUE
);`
)

// Store is a store.Store persisted in a SQLite database
type Store struct {
	db       *sql.DB
	id       string
	resolver store.ConflictResolver
	notifier store.Broadcaster
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Notifier = (*Store)(nil)
)

// Option configures a Store
type Option func(*Store)

// WithConflictResolver sets the resolver used when applying remote changes
func WithConflictResolver(resolver store.ConflictResolver) Option {
	return func(s *Store) {
		s.resolver = resolver
	}
}

// Open opens (creating if needed) a SQLite database at path and returns a store on top of it
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New creates a store on an already opened database, creating the schema if needed
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create store schema: %w", err)
	}

	s := &Store{
		db:       db,
		resolver: store.DefaultConflictResolver,
	}
	for _, opt := range opts {
		opt(s)
	}

	id, err := s.loadOrCreateID(ctx)
	if err != nil {
		return nil, err
	}
	s.id = id

	slog.Debug("Opened sqlite store", "store_id", id)
	return s, nil
}

func (s *Store) loadOrCreateID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'store_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read store id: %w", err)
	}

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('store_id', ?)`, id); err != nil {
		return "", fmt.Errorf("failed to persist store id: %w", err)
	}
	return id, nil
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// ID returns the persisted store identifier
func (s *Store) ID() string {
	return s.id
}

// Put writes a new local revision of a document
func (s *Store) Put(ctx context.Context, docID string, body json.RawMessage) (string, error) {
	return s.write(ctx, docID, false, body)
}

// Delete writes a tombstone for an existing document
func (s *Store) Delete(ctx context.Context, docID string) (string, error) {
	if _, err := s.Get(ctx, docID); err != nil {
		return "", err
	}
	return s.write(ctx, docID, true, nil)
}

func (s *Store) write(ctx context.Context, docID string, deleted bool, body json.RawMessage) (string, error) {
	var revID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var parent string
		err := tx.QueryRowContext(ctx, `SELECT rev_id FROM documents WHERE doc_id = ?`, docID).Scan(&parent)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		revID = store.NewRevID(parent, deleted, body)
		return upsert(ctx, tx, docID, revID, deleted, body)
	})
	if err != nil {
		return "", wrapError(fmt.Errorf("failed to write document %s: %w", docID, err))
	}

	s.notifier.Broadcast()
	return revID, nil
}

// Get returns the current revision of a document
func (s *Store) Get(ctx context.Context, docID string) (*store.Document, error) {
	doc := &store.Document{ID: docID}
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT rev_id, deleted, body, sequence FROM documents WHERE doc_id = ?`, docID,
	).Scan(&doc.RevID, &doc.Deleted, &body, &doc.Sequence)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read document %s: %w", docID, err)
	}
	doc.Body = body
	return doc, nil
}

// Count returns the number of live documents
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE deleted = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// ReadChanges pages through the documents changed after since, in sequence order
func (s *Store) ReadChanges(ctx context.Context, since uint64) iter.Seq2[store.Change, error] {
	return func(yield func(store.Change, error) bool) {
		cursor := since
		for {
			page, err := s.readPage(ctx, cursor)
			if err != nil {
				yield(store.Change{}, err)
				return
			}
			for _, change := range page {
				if !yield(change, nil) {
					return
				}
				cursor = change.Sequence
			}
			if len(page) < readPageSize {
				return
			}
		}
	}
}

func (s *Store) readPage(ctx context.Context, since uint64) ([]store.Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, rev_id, deleted, body, sequence FROM documents
		 WHERE sequence > ? ORDER BY sequence LIMIT ?`, since, readPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var page []store.Change
	for rows.Next() {
		var c store.Change
		var body []byte
		if err := rows.Scan(&c.DocID, &c.RevID, &c.Deleted, &body, &c.Sequence); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Body = body
		page = append(page, c)
	}
	return page, rows.Err()
}

// ApplyChange stores a remote revision when it wins against the current one
func (s *Store) ApplyChange(ctx context.Context, change store.Change) error {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT rev_id FROM documents WHERE doc_id = ?`, change.DocID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case current == change.RevID || !s.resolver(current, change.RevID):
			return nil
		}
		applied = true
		return upsert(ctx, tx, change.DocID, change.RevID, change.Deleted, change.Body)
	})
	if err != nil {
		return wrapError(fmt.Errorf("failed to apply change for %s: %w", change.DocID, err))
	}
	if applied {
		s.notifier.Broadcast()
	}
	return nil
}

// Notify subscribes to change notifications for writes made through this store
func (s *Store) Notify() (<-chan struct{}, func()) {
	return s.notifier.Subscribe()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func upsert(ctx context.Context, tx *sql.Tx, docID, revID string, deleted bool, body []byte) error {
	var next uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM documents`).Scan(&next); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO documents (doc_id, rev_id, deleted, body, sequence) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET rev_id = excluded.rev_id, deleted = excluded.deleted,
		 body = excluded.body, sequence = excluded.sequence`,
		docID, revID, deleted, body, next)
	return err
}

// wrapError marks SQLITE_FULL failures with store.ErrStorageFull
func wrapError(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %w", store.ErrStorageFull, err)
	}
	return err
}
