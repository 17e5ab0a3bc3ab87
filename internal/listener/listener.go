// Package listener exposes a local store as a network replication endpoint.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/stacklok/toolhive-replicator/internal/peer"
	"github.com/stacklok/toolhive-replicator/internal/store"
	"github.com/stacklok/toolhive-replicator/internal/transport"
)

const (
	// DefaultAddress is the address used when none is configured
	DefaultAddress = ":4984"

	// DefaultPath is the path of the replication endpoint
	DefaultPath = "/db"

	readHeaderTimeout = 10 * time.Second
	authRealm         = "thv-replicator"
)

// Option configures a Listener
type Option func(*Listener)

// WithAddress sets the TCP address to listen on. Port 0 picks a free port.
func WithAddress(addr string) Option {
	return func(l *Listener) {
		l.address = addr
	}
}

// WithPath sets the path of the replication endpoint
func WithPath(path string) Option {
	return func(l *Listener) {
		l.path = path
	}
}

// WithBasicAuth requires HTTP basic credentials on the replication endpoint
func WithBasicAuth(username, password string) Option {
	return func(l *Listener) {
		if l.credentials == nil {
			l.credentials = make(map[string]string)
		}
		l.credentials[username] = password
	}
}

// WithMetricsHandler serves handler at /metrics
func WithMetricsHandler(handler http.Handler) Option {
	return func(l *Listener) {
		l.metricsHandler = handler
	}
}

// WithMiddlewares adds middleware to every route
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(l *Listener) {
		l.middlewares = append(l.middlewares, mw...)
	}
}

// WithKeepalive sets the pings sent on accepted connections. A zero value disables them.
func WithKeepalive(keepalive transport.Keepalive) Option {
	return func(l *Listener) {
		l.keepalive = keepalive
	}
}

// WithPeerOptions configures the peer serving each connection
func WithPeerOptions(opts ...peer.Option) Option {
	return func(l *Listener) {
		l.peerOpts = append(l.peerOpts, opts...)
	}
}

// Listener accepts replication connections and serves them from a store
type Listener struct {
	store          store.Store
	address        string
	path           string
	credentials    map[string]string
	metricsHandler http.Handler
	middlewares    []func(http.Handler) http.Handler
	peerOpts       []peer.Option
	keepalive      transport.Keepalive
	upgrader       websocket.Upgrader

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
	sessions   sync.WaitGroup

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// New creates a Listener serving st
func New(st store.Store, opts ...Option) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		store:      st,
		address:    DefaultAddress,
		path:       DefaultPath,
		ctx:        ctx,
		cancelFunc: cancel,
		keepalive:  transport.DefaultKeepalive(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Router returns the HTTP handler of the listener
func (l *Listener) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range l.middlewares {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if l.metricsHandler != nil {
		r.Handle("/metrics", l.metricsHandler)
	}

	replication := r.With()
	if len(l.credentials) > 0 {
		replication = r.With(middleware.BasicAuth(authRealm, l.credentials))
	}
	replication.Get(l.path, l.handleReplication)

	return r
}

func (l *Listener) handleReplication(w http.ResponseWriter, r *http.Request) {
	if l.ctx.Err() != nil {
		http.Error(w, "listener is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		slog.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	l.sessions.Add(1)
	defer l.sessions.Done()

	conn := transport.NewWebsocketConnection(ws, l.keepalive)
	defer func() { _ = conn.Close() }()

	slog.Info("Replication connection accepted", "remote", r.RemoteAddr)
	if err := peer.Serve(l.ctx, conn, l.store, l.peerOpts...); err != nil {
		slog.Warn("Replication connection failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Info("Replication connection closed", "remote", r.RemoteAddr)
}

// Start begins accepting connections in the background
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server != nil {
		return fmt.Errorf("listener already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}

	l.listener = ln
	l.server = &http.Server{
		Handler:           l.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		slog.Info("Listener accepting replications", "url", l.URL())
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Listener failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the address the listener is bound to, or an empty string before Start
func (l *Listener) Addr() string {
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// URL returns the replication endpoint URL, or an empty string before Start
func (l *Listener) URL() string {
	if l.listener == nil {
		return ""
	}
	return "ws://" + l.Addr() + l.path
}

// Stop closes the listener and active replication connections, waiting for
// them to finish until ctx is done
func (l *Listener) Stop(ctx context.Context) error {
	l.cancelFunc()

	l.mu.Lock()
	server, done := l.server, l.done
	l.mu.Unlock()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("listener forced to shutdown: %w", err)
		}
		<-done
	}

	sessionsDone := make(chan struct{})
	go func() {
		l.sessions.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
