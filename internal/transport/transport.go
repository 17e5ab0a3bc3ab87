// Package transport carries replication frames between two stores.
//
// A Connection exchanges Frames in both directions. Send may be called
// concurrently with Receive and from more than one goroutine; Receive must
// only be called from a single goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/toolhive-replicator/internal/store"
)

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks -source=transport.go Connection,Dialer

var (
	// ErrClosed is returned when using a connection that was closed locally
	ErrClosed = errors.New("connection closed")

	// ErrConnectionLost is returned when the remote side went away without closing the connection
	ErrConnectionLost = errors.New("connection lost")

	// ErrMalformedFrame is returned by Receive when a message is not a valid frame
	ErrMalformedFrame = errors.New("malformed frame")
)

// Error codes carried by error frames. Both sides of a session use them.
const (
	CodeStoreFailure        = 100
	CodeStorageFull         = 101
	CodeUnexpectedFrame     = 200
	CodeRemoteError         = 201
	CodeUnsupportedProtocol = 202
)

// FrameType identifies the purpose of a Frame
type FrameType string

const (
	// TypeHello opens a replication session
	TypeHello FrameType = "hello"
	// TypeHelloAck accepts a session and carries the remote store identity
	TypeHelloAck FrameType = "helloAck"
	// TypeSubChanges subscribes to remote changes after Since
	TypeSubChanges FrameType = "subChanges"
	// TypeChanges carries a batch of changes answering a subscription
	TypeChanges FrameType = "changes"
	// TypeCaughtUp signals that every change up to Sequence has been sent
	TypeCaughtUp FrameType = "caughtUp"
	// TypeRev carries a batch of changes pushed to the remote store
	TypeRev FrameType = "rev"
	// TypeAck acknowledges that a rev batch was applied
	TypeAck FrameType = "ack"
	// TypeError reports a failure on the remote side
	TypeError FrameType = "error"
)

// Frame is the unit exchanged over a Connection
type Frame struct {
	Type FrameType `json:"type"`

	SessionID string `json:"sessionId,omitempty"`
	StoreID   string `json:"storeId,omitempty"`

	// Protocol is the protocol version announced by hello and helloAck
	Protocol string `json:"protocol,omitempty"`

	// Since and Continuous parameterise a subChanges request
	Since      uint64 `json:"since,omitempty"`
	Continuous bool   `json:"continuous,omitempty"`
	BatchSize  int    `json:"batchSize,omitempty"`

	// Batch correlates a rev with its ack
	Batch uint64 `json:"batch,omitempty"`

	// Sequence is the remote sequence reached by a changes or caughtUp frame
	Sequence uint64 `json:"sequence,omitempty"`

	Changes []store.Change `json:"changes,omitempty"`

	Error *RemoteError `json:"error,omitempty"`
}

// RemoteError is the payload of an error frame
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Batch   uint64 `json:"batch,omitempty"`
}

// Error implements error
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Connection is an established, bidirectional frame stream
type Connection interface {
	// Send writes a frame to the remote side
	Send(ctx context.Context, frame *Frame) error

	// Receive blocks until the next frame arrives. It returns io.EOF once the
	// remote side has closed the connection.
	Receive(ctx context.Context) (*Frame, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens connections to a network endpoint
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, rawURL string, header http.Header) (Connection, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context, rawURL string, header http.Header) (Connection, error) {
	return f(ctx, rawURL, header)
}

// HandshakeError is returned when the remote side rejected the connection upgrade
type HandshakeError struct {
	StatusCode int
	Status     string
}

// Error implements error
func (e *HandshakeError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("handshake rejected: %s", e.Status)
	}
	return fmt.Sprintf("handshake rejected with status %d", e.StatusCode)
}
