package helpers

import (
	"context"
	"time"

	"github.com/onsi/gomega"

	"github.com/stacklok/toolhive-replicator/internal/listener"
	"github.com/stacklok/toolhive-replicator/internal/peer"
	"github.com/stacklok/toolhive-replicator/internal/store"
)

const stopTimeout = 10 * time.Second

// ListenerTestHelper serves a store over websocket for the duration of a test
type ListenerTestHelper struct {
	store    store.Store
	opts     []listener.Option
	listener *listener.Listener
	address  string
}

// NewListenerTestHelper creates a helper serving st. The listener picks a
// free port on first start and keeps it across restarts.
func NewListenerTestHelper(st store.Store, opts ...listener.Option) *ListenerTestHelper {
	return &ListenerTestHelper{
		store:   st,
		opts:    opts,
		address: "127.0.0.1:0",
	}
}

// Start begins serving
func (h *ListenerTestHelper) Start(ctx context.Context) {
	opts := append([]listener.Option{
		listener.WithAddress(h.address),
		listener.WithPeerOptions(peer.WithPollInterval(50 * time.Millisecond)),
	}, h.opts...)
	h.listener = listener.New(h.store, opts...)
	gomega.Expect(h.listener.Start(ctx)).To(gomega.Succeed())
	h.address = h.listener.Addr()
}

// Stop closes the listener and every open replication connection
func (h *ListenerTestHelper) Stop() {
	if h.listener == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	gomega.Expect(h.listener.Stop(ctx)).To(gomega.Succeed())
	h.listener = nil
}

// URL returns the replication endpoint URL
func (h *ListenerTestHelper) URL() string {
	gomega.Expect(h.listener).NotTo(gomega.BeNil(), "listener is not running")
	return h.listener.URL()
}
