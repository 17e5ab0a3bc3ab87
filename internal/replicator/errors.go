package replicator

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/stacklok/toolhive-replicator/internal/checkpoint"
	"github.com/stacklok/toolhive-replicator/internal/store"
	"github.com/stacklok/toolhive-replicator/internal/transport"
)

var (
	// ErrIllegalState is returned by Start while a run is already active
	ErrIllegalState = errors.New("replicator is already running")

	// ErrTimeout is returned when an awaited condition is not met before the context is done
	ErrTimeout = errors.New("timed out waiting for replicator")

	// ErrInvalidConfiguration wraps every configuration validation failure
	ErrInvalidConfiguration = errors.New("invalid replicator configuration")
)

// Domain identifies the subsystem an Error originates from
type Domain string

const (
	// DomainTransport covers connection and handshake failures
	DomainTransport Domain = "transport"
	// DomainStore covers local store and checkpoint persistence failures
	DomainStore Domain = "store"
	// DomainProtocol covers unexpected or failed exchanges with the remote side
	DomainProtocol Domain = "protocol"
)

// Transport error codes. Rejected handshakes use the HTTP status code instead.
const (
	CodeNetworkUnreachable = 1
	CodeConnectionRefused  = 2
	CodeConnectionReset    = 3
	CodeTimeout            = 4
	CodeTLSHandshake       = 5
)

// Store error codes
const (
	CodeStoreFailure    = transport.CodeStoreFailure
	CodeStorageFull     = transport.CodeStorageFull
	CodeCheckpointInUse = 102
)

// Protocol error codes. Error frames carrying their own code keep it.
const (
	CodeUnexpectedFrame     = transport.CodeUnexpectedFrame
	CodeRemoteError         = transport.CodeRemoteError
	CodeUnsupportedProtocol = transport.CodeUnsupportedProtocol
)

// Error is the error carried by a Status
type Error struct {
	Code    int    `json:"code"`
	Domain  Domain `json:"domain"`
	Message string `json:"message"`

	// Err is the underlying cause, if any
	Err error `json:"-"`

	transient bool
}

// Error implements error
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error %d: %s: %v", e.Domain, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error %d: %s", e.Domain, e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is expected to clear up on retry
func (e *Error) Transient() bool {
	return e.transient
}

func newError(domain Domain, code int, message string, err error, transient bool) *Error {
	return &Error{Code: code, Domain: domain, Message: message, Err: err, transient: transient}
}

// transportError classifies a connection failure
func transportError(err error) *Error {
	var replErr *Error
	if errors.As(err, &replErr) {
		return replErr
	}

	var handshakeErr *transport.HandshakeError
	if errors.As(err, &handshakeErr) {
		code := handshakeErr.StatusCode
		transient := code >= http.StatusInternalServerError ||
			code == http.StatusRequestTimeout ||
			code == http.StatusTooManyRequests
		return newError(DomainTransport, code, "handshake rejected", err, transient)
	}

	if isTLSError(err) {
		return newError(DomainTransport, CodeTLSHandshake, "TLS handshake failed", err, false)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.As(err, &netErr) && netErr.Timeout():
		return newError(DomainTransport, CodeTimeout, "timed out", err, true)
	case errors.Is(err, syscall.ECONNREFUSED):
		return newError(DomainTransport, CodeConnectionRefused, "connection refused", err, true)
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH), isDNSError(err):
		return newError(DomainTransport, CodeNetworkUnreachable, "network unreachable", err, true)
	}

	return newError(DomainTransport, CodeConnectionReset, "connection lost", err, true)
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTLSError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		headerErr    tls.RecordHeaderError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &headerErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}

// connectionLost reports whether an error on an established connection means it went away
func connectionLost(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, transport.ErrConnectionLost)
}

// linkError classifies a failure to send or receive on an established connection
func linkError(err error) *Error {
	if errors.Is(err, transport.ErrMalformedFrame) {
		return newError(DomainProtocol, CodeUnexpectedFrame, "received a malformed frame", err, false)
	}
	if connectionLost(err) {
		return newError(DomainTransport, CodeConnectionReset, "connection lost", err, true)
	}
	return transportError(err)
}

// storeError classifies a local store failure. Store failures are never retried.
func storeError(message string, err error) *Error {
	if errors.Is(err, store.ErrStorageFull) {
		return newError(DomainStore, CodeStorageFull, message, err, false)
	}
	return newError(DomainStore, CodeStoreFailure, message, err, false)
}

// checkpointError classifies a checkpoint persistence failure
func checkpointError(message string, err error) *Error {
	if errors.Is(err, checkpoint.ErrKeyInUse) {
		return newError(DomainStore, CodeCheckpointInUse, message, err, false)
	}
	return storeError(message, err)
}

// remoteError converts an error frame into a protocol error
func remoteError(remote *transport.RemoteError) *Error {
	if remote == nil {
		return newError(DomainProtocol, CodeRemoteError, "remote error", nil, false)
	}
	code := remote.Code
	if code == 0 {
		code = CodeRemoteError
	}
	// the remote store failed to read or apply changes
	if code >= CodeStoreFailure && code < CodeUnexpectedFrame {
		return newError(DomainStore, code, "remote store error", remote, false)
	}
	return newError(DomainProtocol, code, "remote error", remote, false)
}

func protocolError(format string, args ...any) *Error {
	return newError(DomainProtocol, CodeUnexpectedFrame, fmt.Sprintf(format, args...), nil, false)
}
