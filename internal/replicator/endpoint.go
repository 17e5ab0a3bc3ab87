package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/stacklok/toolhive-replicator/internal/peer"
	"github.com/stacklok/toolhive-replicator/internal/store"
	"github.com/stacklok/toolhive-replicator/internal/transport"
)

// Endpoint is the target of a replication: either a network URL or another
// local store. The set of implementations is closed.
type Endpoint interface {
	// ID is the identity of the endpoint used in checkpoint keys
	ID() string

	// String describes the endpoint for logs
	String() string

	connect(ctx context.Context, dialer transport.Dialer, auth transport.Authenticator) (transport.Connection, error)
}

// URLEndpoint is a replicator listening at a ws:// or wss:// URL
type URLEndpoint struct {
	url *url.URL
}

// NewURLEndpoint parses and validates a ws:// or wss:// URL
func NewURLEndpoint(raw string) (*URLEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid endpoint URL %q: %w", ErrInvalidConfiguration, raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: endpoint URL scheme must be ws or wss, got %q", ErrInvalidConfiguration, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: endpoint URL %q has no host", ErrInvalidConfiguration, raw)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: endpoint URL must not embed credentials, use an Authenticator", ErrInvalidConfiguration)
	}
	u.Fragment = ""
	return &URLEndpoint{url: u}, nil
}

// URL returns a copy of the endpoint URL
func (e *URLEndpoint) URL() *url.URL {
	u := *e.url
	return &u
}

// ID implements Endpoint
func (e *URLEndpoint) ID() string {
	return e.url.String()
}

// String implements Endpoint
func (e *URLEndpoint) String() string {
	return e.url.String()
}

// Secure reports whether the endpoint uses TLS
func (e *URLEndpoint) Secure() bool {
	return e.url.Scheme == "wss"
}

func (e *URLEndpoint) connect(
	ctx context.Context,
	dialer transport.Dialer,
	auth transport.Authenticator,
) (transport.Connection, error) {
	return dialer.Dial(ctx, e.url.String(), transport.Header(auth))
}

// LocalStoreEndpoint is another store in the same process
type LocalStoreEndpoint struct {
	store store.Store
}

// NewLocalStoreEndpoint creates an endpoint replicating with st
func NewLocalStoreEndpoint(st store.Store) *LocalStoreEndpoint {
	return &LocalStoreEndpoint{store: st}
}

// Store returns the target store
func (e *LocalStoreEndpoint) Store() store.Store {
	return e.store
}

// ID implements Endpoint
func (e *LocalStoreEndpoint) ID() string {
	return "store:" + e.store.ID()
}

// String implements Endpoint
func (e *LocalStoreEndpoint) String() string {
	return e.ID()
}

// connect serves the target store over an in-memory pipe. The serving side
// stops once the returned connection is closed or ctx is done.
func (e *LocalStoreEndpoint) connect(
	ctx context.Context,
	_ transport.Dialer,
	_ transport.Authenticator,
) (transport.Connection, error) {
	local, remote := transport.Pipe()
	go func() {
		defer func() { _ = remote.Close() }()
		if err := peer.Serve(ctx, remote, e.store); err != nil {
			slog.Debug("Local store endpoint stopped", "endpoint", e.ID(), "error", err)
		}
	}()
	return local, nil
}
