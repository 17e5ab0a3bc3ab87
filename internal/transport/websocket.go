package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeGracePeriod        = time.Second

	// maxFrameSize bounds a single incoming frame
	maxFrameSize = 16 << 20

	// DefaultPongWait is how long a connection may stay silent before it is considered dead
	DefaultPongWait = 60 * time.Second
)

// Keepalive controls the pings a connection sends to detect a dead peer.
// A read fails once nothing, not even a pong, arrived for PongWait.
type Keepalive struct {
	PongWait     time.Duration
	PingInterval time.Duration
}

// DefaultKeepalive pings at 9/10 of the pong wait
func DefaultKeepalive() Keepalive {
	return Keepalive{PongWait: DefaultPongWait, PingInterval: DefaultPongWait * 9 / 10}
}

func (k Keepalive) enabled() bool {
	return k.PongWait > 0 && k.PingInterval > 0
}

// WebsocketOption configures a WebsocketDialer
type WebsocketOption func(*WebsocketDialer)

// WithTLSConfig sets the TLS configuration used for wss:// endpoints
func WithTLSConfig(cfg *tls.Config) WebsocketOption {
	return func(d *WebsocketDialer) {
		d.dialer.TLSClientConfig = cfg
	}
}

// WithHandshakeTimeout bounds the opening handshake
func WithHandshakeTimeout(timeout time.Duration) WebsocketOption {
	return func(d *WebsocketDialer) {
		d.dialer.HandshakeTimeout = timeout
	}
}

// WithKeepalive sets the ping interval and pong wait of dialed connections.
// A zero value disables keepalive.
func WithKeepalive(keepalive Keepalive) WebsocketOption {
	return func(d *WebsocketDialer) {
		d.keepalive = keepalive
	}
}

// WebsocketDialer dials ws:// and wss:// endpoints
type WebsocketDialer struct {
	dialer    *websocket.Dialer
	keepalive Keepalive
}

// NewWebsocketDialer creates a Dialer backed by gorilla/websocket
func NewWebsocketDialer(opts ...WebsocketOption) *WebsocketDialer {
	d := &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		keepalive: DefaultKeepalive(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial opens a websocket connection. A rejected upgrade is reported as *HandshakeError.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Connection, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return nil, fmt.Errorf("failed to dial %s: %w", rawURL, err)
	}
	return NewWebsocketConnection(conn, d.keepalive), nil
}

type websocketConnection struct {
	conn      *websocket.Conn
	keepalive Keepalive

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebsocketConnection wraps an established websocket, on either side of
// the upgrade. With keepalive enabled it pings the remote side until closed.
func NewWebsocketConnection(conn *websocket.Conn, keepalive Keepalive) Connection {
	conn.SetReadLimit(maxFrameSize)
	c := &websocketConnection{
		conn:      conn,
		keepalive: keepalive,
		closed:    make(chan struct{}),
	}
	if keepalive.enabled() {
		_ = conn.SetReadDeadline(time.Now().Add(keepalive.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(keepalive.PongWait))
		})
		go c.ping()
	}
	return c
}

// ping sends a ping every PingInterval until the connection is closed or a ping fails
func (c *websocketConnection) ping() {
	ticker := time.NewTicker(c.keepalive.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.keepalive.PingInterval))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *websocketConnection) Send(ctx context.Context, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frame.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.translate(err)
	}
	return nil
}

func (c *websocketConnection) Receive(ctx context.Context) (*Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.translate(err)
	}
	// any message proves the remote side is alive
	if c.keepalive.enabled() {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.keepalive.PongWait))
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return &frame, nil
}

func (c *websocketConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		// WriteControl may run concurrently with a pending Send
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = c.conn.Close()
	})
	return err
}

// translate maps an orderly remote close to io.EOF and a local close to ErrClosed
func (c *websocketConnection) translate(err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return err
}
