package checkpoint

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	t.Parallel()

	a := NewKey("store", "ws://host/db", "push")
	assert.Len(t, a.String(), 64)
	assert.Equal(t, a, NewKey("store", "ws://host/db", "push"))

	tests := []struct {
		name string
		key  Key
	}{
		{name: "different_store", key: NewKey("other", "ws://host/db", "push")},
		{name: "different_endpoint", key: NewKey("store", "ws://host/other", "push")},
		{name: "different_direction", key: NewKey("store", "ws://host/db", "pull")},
		{name: "shifted_separator", key: NewKey("stor", "ews://host/db", "push")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.NotEqual(t, a, tt.key)
		})
	}
}

// testStore runs the behaviour shared by every Store implementation
func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := NewKey("store", "endpoint", "push")

	t.Run("load_missing", func(t *testing.T) {
		_, err := store.Load(ctx, NewKey("missing", "endpoint", "push"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save_and_load", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, store.Save(ctx, &Checkpoint{Key: key, Sequence: 10, SessionID: "s1", UpdatedAt: now}))

		cp, err := store.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), cp.Sequence)
		assert.Equal(t, "s1", cp.SessionID)
		assert.True(t, now.Equal(cp.UpdatedAt), "updatedAt %v != %v", cp.UpdatedAt, now)

		require.NoError(t, store.Save(ctx, &Checkpoint{Key: key, Sequence: 42, SessionID: "s2", UpdatedAt: now}))
		cp, err = store.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), cp.Sequence)
		assert.Equal(t, "s2", cp.SessionID)
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, store.Reset(ctx, key))
		_, err := store.Load(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		// resetting again is not an error
		require.NoError(t, store.Reset(ctx, key))
	})

	t.Run("lock", func(t *testing.T) {
		unlock, err := store.Lock(ctx, key)
		require.NoError(t, err)

		_, err = store.Lock(ctx, key)
		assert.ErrorIs(t, err, ErrKeyInUse)

		other, err := store.Lock(ctx, NewKey("store", "endpoint", "pull"))
		require.NoError(t, err)
		require.NoError(t, other())

		require.NoError(t, unlock())
		again, err := store.Lock(ctx, key)
		require.NoError(t, err)
		require.NoError(t, again())
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	testStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	testStore(t, NewFileStore(filepath.Join(t.TempDir(), "checkpoints")))
}

func TestFileStoreLockAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	key := NewKey("store", "endpoint", "push")

	unlock, err := NewFileStore(dir).Lock(ctx, key)
	require.NoError(t, err)

	_, err = NewFileStore(dir).Lock(ctx, key)
	assert.ErrorIs(t, err, ErrKeyInUse)

	require.NoError(t, unlock())
	unlock, err = NewFileStore(dir).Lock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, unlock())
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
	testStore(t, store)

	// the schema is created idempotently
	_, err = NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
}

func TestLeaseUnlockIsIdempotent(t *testing.T) {
	t.Parallel()

	var l leases
	key := NewKey("a", "b", "c")
	unlock, err := l.acquire(key)
	require.NoError(t, err)

	require.NoError(t, unlock())
	other, err := l.acquire(key)
	require.NoError(t, err)

	// a stale unlock must not release the new holder
	require.NoError(t, unlock())
	_, err = l.acquire(key)
	assert.ErrorIs(t, err, ErrKeyInUse)
	require.NoError(t, other())
}
