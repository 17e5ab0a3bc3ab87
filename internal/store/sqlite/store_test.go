package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-replicator/internal/store"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "docs.sqlite")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, path
}

func TestStore_IDIsPersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, path := openTestStore(t)
	id := s.ID()
	require.NotEmpty(t, id)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, id, reopened.ID())
}

func TestStore_PutGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := openTestStore(t)

	rev, err := s.Put(ctx, "doc", json.RawMessage(`{"name":"first"}`))
	require.NoError(t, err)

	doc, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, rev, doc.RevID)
	assert.JSONEq(t, `{"name":"first"}`, string(doc.Body))
	assert.False(t, doc.Deleted)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.Delete(ctx, "doc")
	require.NoError(t, err)

	doc, err = s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, doc.Deleted)

	_, err = s.Delete(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ReadChangesAcrossPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := openTestStore(t)

	total := readPageSize + 10
	for i := 0; i < total; i++ {
		_, err := s.Put(ctx, fmt.Sprintf("doc-%04d", i), json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	changes, err := store.Collect(s.ReadChanges(ctx, 0), 0)
	require.NoError(t, err)
	require.Len(t, changes, total)
	for i := 1; i < len(changes); i++ {
		assert.Less(t, changes[i-1].Sequence, changes[i].Sequence)
	}

	tail, err := store.Collect(s.ReadChanges(ctx, changes[total-5].Sequence), 0)
	require.NoError(t, err)
	assert.Len(t, tail, 4)
}

func TestStore_ApplyChangeIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	source, _ := openTestStore(t)
	target, _ := openTestStore(t)

	_, err := source.Put(ctx, "doc", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	changes, err := store.Collect(source.ReadChanges(ctx, 0), 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)

	notify, cancel := target.Notify()
	defer cancel()

	require.NoError(t, target.ApplyChange(ctx, changes[0]))
	select {
	case <-notify:
	default:
		t.Fatal("expected notification after applying a new revision")
	}

	require.NoError(t, target.ApplyChange(ctx, changes[0]))
	select {
	case <-notify:
		t.Fatal("re-applying the same revision must not notify")
	default:
	}

	applied, err := store.Collect(target.ReadChanges(ctx, 0), 0)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, changes[0].RevID, applied[0].RevID)
}
