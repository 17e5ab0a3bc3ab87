// Package peer implements the passive side of a replication: it answers the
// frames sent by a replicator on behalf of a local store.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhive-replicator/internal/store"
	"github.com/stacklok/toolhive-replicator/internal/transport"
	"github.com/stacklok/toolhive-replicator/internal/versions"
)

const (
	// DefaultBatchSize is used when a subscription does not ask for one
	DefaultBatchSize = 100

	// DefaultPollInterval is used for continuous subscriptions on stores that cannot notify
	DefaultPollInterval = time.Second
)

// Option configures Serve
type Option func(*server)

// WithPollInterval sets how often a store without change notifications is polled
func WithPollInterval(interval time.Duration) Option {
	return func(s *server) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithLogger sets the logger used by the peer
func WithLogger(logger *slog.Logger) Option {
	return func(s *server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type server struct {
	conn         transport.Connection
	store        store.Store
	pollInterval time.Duration
	logger       *slog.Logger
}

// Serve answers replication frames received on conn until the remote side
// closes the connection or ctx is cancelled. Serve does not close conn.
func Serve(ctx context.Context, conn transport.Connection, st store.Store, opts ...Option) error {
	s := &server{
		conn:         conn,
		store:        st,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.receiveLoop(gctx, g)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *server) receiveLoop(ctx context.Context, g *errgroup.Group) error {
	subscribed := false
	for {
		frame, err := s.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrMalformedFrame) {
				return s.protocolError(ctx, err.Error())
			}
			return fmt.Errorf("failed to receive frame: %w", err)
		}

		switch frame.Type {
		case transport.TypeHello:
			if !versions.ProtocolCompatible(frame.Protocol) {
				msg := fmt.Sprintf("unsupported protocol %s", frame.Protocol)
				_ = s.conn.Send(ctx, &transport.Frame{
					Type:  transport.TypeError,
					Error: &transport.RemoteError{Code: transport.CodeUnsupportedProtocol, Message: msg},
				})
				return errors.New(msg)
			}
			if versions.IsNewerVersion(frame.Protocol, versions.ProtocolVersion) {
				s.logger.Debug("Remote speaks a newer protocol", "protocol", frame.Protocol)
			}
			s.logger.Debug("Replication session opened", "session_id", frame.SessionID)
			if err := s.conn.Send(ctx, &transport.Frame{
				Type:      transport.TypeHelloAck,
				SessionID: frame.SessionID,
				StoreID:   s.store.ID(),
				Protocol:  versions.ProtocolVersion,
			}); err != nil {
				return err
			}

		case transport.TypeSubChanges:
			if subscribed {
				return s.protocolError(ctx, "duplicate subChanges")
			}
			subscribed = true
			sub := *frame
			g.Go(func() error {
				return s.streamChanges(ctx, &sub)
			})

		case transport.TypeRev:
			if err := s.applyRev(ctx, frame); err != nil {
				return err
			}

		default:
			return s.protocolError(ctx, fmt.Sprintf("unexpected frame %q", frame.Type))
		}
	}
}

func (s *server) protocolError(ctx context.Context, msg string) error {
	_ = s.conn.Send(ctx, &transport.Frame{
		Type:  transport.TypeError,
		Error: &transport.RemoteError{Code: transport.CodeUnexpectedFrame, Message: msg},
	})
	return errors.New(msg)
}

// applyRev applies a pushed batch and acknowledges it. Store failures are
// reported to the remote side, which decides how to proceed.
func (s *server) applyRev(ctx context.Context, frame *transport.Frame) error {
	for _, change := range frame.Changes {
		if err := s.store.ApplyChange(ctx, change); err != nil {
			code := transport.CodeStoreFailure
			if errors.Is(err, store.ErrStorageFull) {
				code = transport.CodeStorageFull
			}
			s.logger.Warn("Failed to apply pushed change", "doc_id", change.DocID, "error", err)
			return s.conn.Send(ctx, &transport.Frame{
				Type: transport.TypeError,
				Error: &transport.RemoteError{
					Code:    code,
					Message: err.Error(),
					Batch:   frame.Batch,
				},
			})
		}
	}
	return s.conn.Send(ctx, &transport.Frame{Type: transport.TypeAck, Batch: frame.Batch})
}

// streamChanges sends the changes after sub.Since in batches followed by caughtUp.
// Continuous subscriptions keep streaming as the store changes.
func (s *server) streamChanges(ctx context.Context, sub *transport.Frame) error {
	batchSize := sub.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	// Subscribe before the first read so no change can slip between the read and the wait
	var notify <-chan struct{}
	var tick <-chan time.Time
	if sub.Continuous {
		if notifier, ok := s.store.(store.Notifier); ok {
			ch, release := notifier.Notify()
			defer release()
			notify = ch
		} else {
			ticker := time.NewTicker(s.pollInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
	}

	since := sub.Since
	for first := true; ; first = false {
		next, err := s.sendBatches(ctx, since, batchSize)
		if err != nil {
			return err
		}
		if first || next != since {
			if err := s.conn.Send(ctx, &transport.Frame{Type: transport.TypeCaughtUp, Sequence: next}); err != nil {
				return err
			}
		}
		since = next

		if !sub.Continuous {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		case <-tick:
		}
	}
}

// sendBatches streams every change after since and returns the last sequence sent
func (s *server) sendBatches(ctx context.Context, since uint64, batchSize int) (uint64, error) {
	for {
		batch, err := store.Collect(s.store.ReadChanges(ctx, since), batchSize)
		if err != nil {
			code := transport.CodeStoreFailure
			if errors.Is(err, store.ErrStorageFull) {
				code = transport.CodeStorageFull
			}
			_ = s.conn.Send(ctx, &transport.Frame{
				Type:  transport.TypeError,
				Error: &transport.RemoteError{Code: code, Message: err.Error()},
			})
			return since, fmt.Errorf("failed to read changes: %w", err)
		}
		if len(batch) == 0 {
			return since, nil
		}

		since = batch[len(batch)-1].Sequence
		if err := s.conn.Send(ctx, &transport.Frame{
			Type:     transport.TypeChanges,
			Sequence: since,
			Changes:  batch,
		}); err != nil {
			return since, err
		}
		if len(batch) < batchSize {
			return since, nil
		}
	}
}
