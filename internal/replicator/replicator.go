// Package replicator moves document changes between a local store and a
// target endpoint, in one-shot or continuous mode, resuming from checkpoints
// and publishing a Status for every transition.
package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/toolhive-replicator/internal/checkpoint"
	"github.com/stacklok/toolhive-replicator/internal/telemetry"
	"github.com/stacklok/toolhive-replicator/internal/transport"
)

// Option configures a Replicator
type Option func(*Replicator)

// WithCheckpointStore sets where checkpoints are persisted. Defaults to an in-memory store.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(r *Replicator) {
		if store != nil {
			r.checkpoints = store
		}
	}
}

// WithDialer sets the dialer used for URL endpoints. Defaults to a websocket dialer.
func WithDialer(dialer transport.Dialer) Option {
	return func(r *Replicator) {
		if dialer != nil {
			r.dialer = dialer
		}
	}
}

// WithMetrics records activity, change counts and run durations
func WithMetrics(metrics *telemetry.ReplicationMetrics) Option {
	return func(r *Replicator) {
		r.metrics = metrics
	}
}

// WithTracer traces every run
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Replicator) {
		r.tracer = tracer
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replicator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Replicator replicates a local store with an endpoint. Each Start begins a
// run that ends with exactly one ActivityStopped status.
type Replicator struct {
	cfg         Configuration
	checkpoints checkpoint.Store
	dialer      transport.Dialer
	metrics     *telemetry.ReplicationMetrics
	tracer      trace.Tracer
	logger      *slog.Logger
	listeners   *listenerRegistry

	// mu orders status transitions. Each status gets the next seq and is
	// queued on outbox under mu; outbox fans it out after mu is released, so
	// every listener sees the same sequence.
	mu           sync.Mutex
	status       Status
	seq          uint64
	outbox       *SerialExecutor
	pendingReset bool
	run          *run
}

// New validates cfg and creates a stopped Replicator. The configuration is
// copied; later changes to cfg have no effect.
func New(cfg Configuration, opts ...Option) (*Replicator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r := &Replicator{
		cfg:         cfg.withDefaults(),
		checkpoints: checkpoint.NewMemoryStore(),
		dialer:      transport.NewWebsocketDialer(),
		logger:      slog.Default(),
		listeners:   newListenerRegistry(),
		outbox:      NewSerialExecutor(),
		status:      Status{Activity: ActivityStopped},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("replication", r.cfg.Name)
	return r, nil
}

// Config returns a copy of the configuration with defaults applied
func (r *Replicator) Config() Configuration {
	return r.cfg
}

// Status returns the current status
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.clone()
}

// Start begins a run in the background and publishes ActivityConnecting
// before returning. It returns ErrIllegalState while a run is active.
func (r *Replicator) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run != nil {
		return ErrIllegalState
	}

	run := newRun(r.cfg, r.pendingReset || r.cfg.ResetCheckpoint)
	r.pendingReset = false
	r.run = run
	r.setStatusLocked(Status{Activity: ActivityConnecting})

	r.logger.Info("Starting replication",
		"endpoint", r.cfg.Target.String(),
		"direction", r.cfg.Direction.String(),
		"continuous", r.cfg.Continuous,
		"reset_checkpoint", run.reset,
		"session_id", run.id,
	)
	go r.drive(run)
	return nil
}

// Stop asks the active run to finish. In-flight batches are given
// DrainTimeout to complete. Stop returns immediately; ActivityStopped is
// published once the run has ended. Stop is a no-op when no run is active.
func (r *Replicator) Stop() {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()

	if run != nil {
		run.requestStop()
	}
}

// ResetCheckpoint discards the stored checkpoints when the next run starts,
// so that run transfers every change again. Calling it during a run does not
// affect that run.
func (r *Replicator) ResetCheckpoint() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingReset = true
}

// DiscardCheckpoints deletes the stored checkpoints right away. It returns
// ErrIllegalState while a run is active, and a store error when another
// process holds one of the checkpoints.
func (r *Replicator) DiscardCheckpoints(ctx context.Context) error {
	r.mu.Lock()
	running := r.run != nil
	r.mu.Unlock()
	if running {
		return ErrIllegalState
	}

	for _, f := range r.cfg.Direction.flows() {
		key := r.checkpointKey(f)
		unlock, err := r.checkpoints.Lock(ctx, key)
		if err != nil {
			return checkpointError("failed to claim checkpoint", err)
		}
		err = r.checkpoints.Reset(ctx, key)
		if unlockErr := unlock(); unlockErr != nil {
			r.logger.Warn("Failed to release checkpoint", "direction", string(f), "error", unlockErr)
		}
		if err != nil {
			return checkpointError("failed to reset checkpoint", err)
		}
	}
	r.logger.Info("Discarded checkpoints")
	return nil
}

// AddChangeListener subscribes listener to every status published from now on.
// A listener run inline by its executor may call the Replicator, but must not
// block waiting for a later status.
func (r *Replicator) AddChangeListener(listener ChangeListener, opts ...ListenerOption) ListenerToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners.add(listener, r.seq+1, opts...)
}

// RemoveChangeListener unsubscribes token. No delivery to it starts after
// RemoveChangeListener returns; one already running may complete.
func (r *Replicator) RemoveChangeListener(token ListenerToken) {
	r.listeners.remove(token)
}

// Await blocks until the current or a later status satisfies cond. It returns
// the matching status, or ErrTimeout with the current status when ctx is done first.
func (r *Replicator) Await(ctx context.Context, cond func(Status) bool) (Status, error) {
	matched, cancel := r.watch(cond, true)
	defer cancel()
	return r.wait(ctx, matched)
}

// WaitForStopped blocks until the replicator is stopped. It returns
// immediately when no run is active.
func (r *Replicator) WaitForStopped(ctx context.Context) (Status, error) {
	return r.Await(ctx, func(s Status) bool {
		return s.Activity == ActivityStopped
	})
}

// watch subscribes to statuses matching cond. With current set, the current
// status is checked too.
func (r *Replicator) watch(cond func(Status) bool, current bool) (<-chan Status, func()) {
	matched := make(chan Status, 1)
	offer := func(s Status) {
		select {
		case matched <- s:
		default:
		}
	}

	// subscribe under mu so no transition falls between the check and the subscription
	r.mu.Lock()
	defer r.mu.Unlock()
	if current && cond(r.status) {
		offer(r.status.clone())
		return matched, func() {}
	}
	token := r.listeners.add(func(s Status) {
		if cond(s) {
			offer(s)
		}
	}, r.seq+1)
	return matched, func() { r.listeners.remove(token) }
}

func (r *Replicator) wait(ctx context.Context, matched <-chan Status) (Status, error) {
	select {
	case s := <-matched:
		return s, nil
	case <-ctx.Done():
		return r.Status(), fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// setStatusLocked publishes s unless it equals the current status
func (r *Replicator) setStatusLocked(s Status) {
	if s.equal(r.status) {
		return
	}
	s = s.clone()
	r.status = s
	r.seq++
	seq := r.seq
	r.outbox.Execute(func() {
		r.listeners.publish(seq, s)
	})
	r.metrics.RecordActivity(context.Background(), r.cfg.Name, int64(s.Activity))
	r.logger.Debug("Replication status changed", "status", s.String())
}
