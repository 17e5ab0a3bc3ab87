package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-replicator/internal/store"
	"github.com/stacklok/toolhive-replicator/internal/store/mocks"
	"github.com/stacklok/toolhive-replicator/internal/transport"
	"github.com/stacklok/toolhive-replicator/internal/versions"
)

type harness struct {
	ctx    context.Context
	client transport.Connection
	done   chan error
}

func startPeer(t *testing.T, st store.Store, opts ...Option) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, server := transport.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, server, st, opts...)
		_ = server.Close()
	}()
	t.Cleanup(func() { _ = client.Close() })
	return &harness{ctx: ctx, client: client, done: done}
}

func (h *harness) send(t *testing.T, frame *transport.Frame) {
	t.Helper()
	require.NoError(t, h.client.Send(h.ctx, frame))
}

func (h *harness) receive(t *testing.T) *transport.Frame {
	t.Helper()
	frame, err := h.client.Receive(h.ctx)
	require.NoError(t, err)
	return frame
}

func putDocs(t *testing.T, st *store.MemoryStore, n int) {
	t.Helper()
	for i := range n {
		_, err := st.Put(context.Background(), fmt.Sprintf("doc%d", i), json.RawMessage(`{}`))
		require.NoError(t, err)
	}
}

func TestServeHello(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(store.WithStoreID("remote"))
	h := startPeer(t, st)

	h.send(t, &transport.Frame{Type: transport.TypeHello, SessionID: "s1"})
	ack := h.receive(t)
	assert.Equal(t, transport.TypeHelloAck, ack.Type)
	assert.Equal(t, "s1", ack.SessionID)
	assert.Equal(t, "remote", ack.StoreID)
	assert.Equal(t, versions.ProtocolVersion, ack.Protocol)

	require.NoError(t, h.client.Close())
	assert.NoError(t, <-h.done)
}

func TestServeHelloUnsupportedProtocol(t *testing.T) {
	t.Parallel()
	h := startPeer(t, store.NewMemoryStore())

	h.send(t, &transport.Frame{Type: transport.TypeHello, SessionID: "s1", Protocol: "2.0.0"})
	frame := h.receive(t)
	assert.Equal(t, transport.TypeError, frame.Type)
	require.NotNil(t, frame.Error)
	assert.Equal(t, transport.CodeUnsupportedProtocol, frame.Error.Code)
	assert.Error(t, <-h.done)
}

func TestServeOneShotSubscription(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	putDocs(t, st, 5)
	h := startPeer(t, st)

	h.send(t, &transport.Frame{Type: transport.TypeSubChanges, Since: 1, BatchSize: 2})

	first := h.receive(t)
	require.Equal(t, transport.TypeChanges, first.Type)
	require.Len(t, first.Changes, 2)
	assert.Equal(t, uint64(2), first.Changes[0].Sequence)
	assert.Equal(t, uint64(3), first.Sequence)

	second := h.receive(t)
	require.Equal(t, transport.TypeChanges, second.Type)
	require.Len(t, second.Changes, 2)
	assert.Equal(t, uint64(5), second.Sequence)

	// a full batch is followed by a read that comes back empty
	caughtUp := h.receive(t)
	assert.Equal(t, transport.TypeCaughtUp, caughtUp.Type)
	assert.Equal(t, uint64(5), caughtUp.Sequence)
}

func TestServeEmptySubscription(t *testing.T) {
	t.Parallel()
	h := startPeer(t, store.NewMemoryStore())

	h.send(t, &transport.Frame{Type: transport.TypeSubChanges})
	caughtUp := h.receive(t)
	assert.Equal(t, transport.TypeCaughtUp, caughtUp.Type)
	assert.Equal(t, uint64(0), caughtUp.Sequence)
}

func TestServeContinuousSubscription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		store func(*store.MemoryStore) store.Store
	}{
		{
			name:  "notifier",
			store: func(s *store.MemoryStore) store.Store { return s },
		},
		{
			name: "polling",
			store: func(s *store.MemoryStore) store.Store {
				// hides Notify so the peer has to poll
				return struct{ store.Store }{s}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := store.NewMemoryStore()
			putDocs(t, st, 1)
			h := startPeer(t, tt.store(st), WithPollInterval(10*time.Millisecond))

			h.send(t, &transport.Frame{Type: transport.TypeSubChanges, Continuous: true})
			assert.Equal(t, transport.TypeChanges, h.receive(t).Type)
			assert.Equal(t, transport.TypeCaughtUp, h.receive(t).Type)

			_, err := st.Put(context.Background(), "late", json.RawMessage(`{"late":true}`))
			require.NoError(t, err)

			changes := h.receive(t)
			require.Equal(t, transport.TypeChanges, changes.Type)
			require.Len(t, changes.Changes, 1)
			assert.Equal(t, "late", changes.Changes[0].DocID)

			caughtUp := h.receive(t)
			assert.Equal(t, transport.TypeCaughtUp, caughtUp.Type)
			assert.Equal(t, uint64(2), caughtUp.Sequence)
		})
	}
}

func TestServeRev(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	h := startPeer(t, st)

	rev := store.NewRevID("", false, []byte(`{"a":1}`))
	h.send(t, &transport.Frame{
		Type:  transport.TypeRev,
		Batch: 3,
		Changes: []store.Change{
			{Sequence: 9, DocID: "pushed", RevID: rev, Body: json.RawMessage(`{"a":1}`)},
		},
	})

	ack := h.receive(t)
	assert.Equal(t, transport.TypeAck, ack.Type)
	assert.Equal(t, uint64(3), ack.Batch)

	doc, err := st.Get(context.Background(), "pushed")
	require.NoError(t, err)
	assert.Equal(t, rev, doc.RevID)
}

func TestServeRevStoreFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		applyErr error
		wantCode int
	}{
		{name: "storage_full", applyErr: store.ErrStorageFull, wantCode: transport.CodeStorageFull},
		{name: "other_failure", applyErr: fmt.Errorf("disk on fire"), wantCode: transport.CodeStoreFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			st := mocks.NewMockStore(ctrl)
			st.EXPECT().ApplyChange(gomock.Any(), gomock.Any()).Return(tt.applyErr)

			h := startPeer(t, st)
			h.send(t, &transport.Frame{
				Type:    transport.TypeRev,
				Batch:   1,
				Changes: []store.Change{{DocID: "d", RevID: "1-a"}},
			})

			frame := h.receive(t)
			require.Equal(t, transport.TypeError, frame.Type)
			require.NotNil(t, frame.Error)
			assert.Equal(t, tt.wantCode, frame.Error.Code)
			assert.Equal(t, uint64(1), frame.Error.Batch)

			require.NoError(t, h.client.Close())
			assert.NoError(t, <-h.done)
		})
	}
}

func TestServeReadFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	st.EXPECT().ReadChanges(gomock.Any(), uint64(0)).Return(iter.Seq2[store.Change, error](
		func(yield func(store.Change, error) bool) {
			yield(store.Change{}, store.ErrClosed)
		},
	))

	h := startPeer(t, st)
	h.send(t, &transport.Frame{Type: transport.TypeSubChanges})

	frame := h.receive(t)
	require.Equal(t, transport.TypeError, frame.Type)
	assert.Equal(t, transport.CodeStoreFailure, frame.Error.Code)
	assert.ErrorIs(t, <-h.done, store.ErrClosed)
}

func TestServeUnexpectedFrame(t *testing.T) {
	t.Parallel()
	h := startPeer(t, store.NewMemoryStore())

	h.send(t, &transport.Frame{Type: transport.TypeAck})
	frame := h.receive(t)
	require.Equal(t, transport.TypeError, frame.Type)
	assert.Equal(t, transport.CodeUnexpectedFrame, frame.Error.Code)
	assert.Error(t, <-h.done)
}
