package replicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhive-replicator/internal/checkpoint"
	"github.com/stacklok/toolhive-replicator/internal/otel"
	"github.com/stacklok/toolhive-replicator/internal/store"
	"github.com/stacklok/toolhive-replicator/internal/transport"
	"github.com/stacklok/toolhive-replicator/internal/versions"
)

// errSessionDone ends a session whose workers have all returned
var errSessionDone = errors.New("session done")

// cursor is the checkpointed position of one direction. Only the worker of
// that direction touches it.
type cursor struct {
	key checkpoint.Key
	seq uint64
}

// run is the state of one Start..Stopped cycle
type run struct {
	id    string
	reset bool

	// stopCtx is cancelled by Stop and asks the run to wind down.
	// runCtx is cancelled once the drain timeout has passed and aborts it.
	stopCtx context.Context
	stop    context.CancelFunc
	runCtx  context.Context
	cancel  context.CancelFunc
	drain   time.Duration
	done    chan struct{}

	// guarded by Replicator.mu
	progress *progressTracker
	// advanced is set when the current connection completed a batch or caught up
	advanced bool

	cursors map[flow]*cursor
}

func newRun(cfg Configuration, reset bool) *run {
	runCtx, cancel := context.WithCancel(context.Background())
	stopCtx, stop := context.WithCancel(runCtx)
	return &run{
		id:       uuid.NewString(),
		reset:    reset,
		stopCtx:  stopCtx,
		stop:     stop,
		runCtx:   runCtx,
		cancel:   cancel,
		drain:    cfg.DrainTimeout,
		done:     make(chan struct{}),
		progress: newProgressTracker(cfg.Direction),
		cursors:  make(map[flow]*cursor),
	}
}

func (run *run) requestStop() {
	run.stop()
}

func (run *run) stopping() bool {
	return run.stopCtx.Err() != nil
}

// enforceDrain aborts the run when it has not wound down DrainTimeout after Stop
func (run *run) enforceDrain() {
	select {
	case <-run.stopCtx.Done():
	case <-run.done:
		return
	}
	timer := time.NewTimer(run.drain)
	defer timer.Stop()
	select {
	case <-timer.C:
		run.cancel()
	case <-run.done:
	}
}

// drive runs on its own goroutine for the lifetime of a run
func (r *Replicator) drive(run *run) {
	go run.enforceDrain()

	started := time.Now()
	ctx, span := otel.StartSpan(run.runCtx, r.tracer, "replicator.run",
		trace.WithAttributes(
			otel.AttrReplication.String(r.cfg.Name),
			otel.AttrEndpoint.String(r.cfg.Target.String()),
			otel.AttrDirection.String(r.cfg.Direction.String()),
			otel.AttrContinuous.Bool(r.cfg.Continuous),
			otel.AttrSessionID.String(run.id),
		),
	)

	replErr := r.execute(ctx, run)

	if replErr != nil {
		otel.RecordError(span, replErr)
		r.logger.Error("Replication stopped with error",
			"code", replErr.Code, "domain", string(replErr.Domain), "error", replErr)
	} else {
		r.logger.Info("Replication stopped", "duration", time.Since(started))
	}
	span.End()
	r.metrics.RecordRunDuration(context.Background(), r.cfg.Name, time.Since(started), replErr == nil)

	r.mu.Lock()
	status := Status{Activity: ActivityStopped, Progress: run.progress.progress()}
	if replErr != nil {
		status.Error = replErr
	}
	r.run = nil
	r.setStatusLocked(status)
	r.mu.Unlock()

	run.cancel()
	close(run.done)
}

func (r *Replicator) checkpointKey(f flow) checkpoint.Key {
	return checkpoint.NewKey(r.cfg.Store.ID(), r.cfg.Target.ID(), string(f))
}

// execute claims the checkpoints of the run and connects until the run
// completes, is stopped or fails. A nil result is a clean stop.
func (r *Replicator) execute(ctx context.Context, run *run) *Error {
	for f := range run.progress.flows {
		key := r.checkpointKey(f)
		unlock, err := r.checkpoints.Lock(ctx, key)
		if err != nil {
			return checkpointError("failed to claim checkpoint", err)
		}
		defer func() {
			if err := unlock(); err != nil {
				r.logger.Warn("Failed to release checkpoint", "direction", string(f), "error", err)
			}
		}()

		if run.reset {
			if err := r.checkpoints.Reset(ctx, key); err != nil {
				return checkpointError("failed to reset checkpoint", err)
			}
		}

		cur := &cursor{key: key}
		cp, err := r.checkpoints.Load(ctx, key)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
		case err != nil:
			return checkpointError("failed to load checkpoint", err)
		default:
			cur.seq = cp.Sequence
		}
		run.cursors[f] = cur
		r.logger.Debug("Loaded checkpoint", "direction", string(f), "sequence", cur.seq)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.Retry.InitialInterval
	bo.MaxInterval = r.cfg.Retry.MaxInterval
	bo.Multiplier = r.cfg.Retry.Multiplier
	bo.Reset()

	attempts := 0
	for {
		if run.stopping() {
			return nil
		}
		r.mu.Lock()
		run.advanced = false
		r.mu.Unlock()
		r.publish(run, ActivityConnecting, nil)

		err := r.session(ctx, run)
		if err == nil {
			return nil
		}

		r.mu.Lock()
		run.progress.disconnect()
		advanced := run.advanced
		r.mu.Unlock()

		// a connection that drops before moving anything counts against the budget
		if advanced {
			attempts = 0
			bo.Reset()
		}
		attempts++

		switch {
		case !err.Transient():
			return err
		case run.stopping():
			return nil
		case r.cfg.Retry.MaxAttempts > 0 && attempts >= r.cfg.Retry.MaxAttempts:
			r.logger.Warn("Giving up after repeated connection failures", "attempts", attempts)
			return err
		}

		delay := bo.NextBackOff()
		r.logger.Warn("Replication offline, retrying",
			"attempt", attempts, "retry_in", delay, "code", err.Code, "error", err)
		r.publish(run, ActivityOffline, err)

		timer := time.NewTimer(delay)
		select {
		case <-run.stopCtx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// publish sets the activity of the run with its current progress
func (r *Replicator) publish(run *run, activity ActivityLevel, err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := Status{Activity: activity, Progress: run.progress.progress()}
	if err != nil {
		status.Error = err
	}
	r.setStatusLocked(status)
}

// activityLocked is Busy while anything is in flight. One-shot runs never go idle.
func (r *Replicator) activityLocked(run *run) ActivityLevel {
	if r.cfg.Continuous && run.progress.idle() {
		return ActivityIdle
	}
	return ActivityBusy
}

func (r *Replicator) discover(run *run, f flow, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.progress.flow(f).discover(uint64(n))
	r.setStatusLocked(Status{Activity: ActivityBusy, Progress: run.progress.progress()})
}

func (r *Replicator) complete(run *run, f flow, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.progress.flow(f).complete(uint64(n))
	run.advanced = true
	r.setStatusLocked(Status{Activity: r.activityLocked(run), Progress: run.progress.progress()})
	r.metrics.RecordChanges(context.Background(), r.cfg.Name, string(f), n)
}

// catchUp marks a direction as having nothing left to transfer. A continuous
// session stays CONNECTING until it finds changes or every direction is idle.
func (r *Replicator) catchUp(run *run, f flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.progress.flow(f).catchUp()
	run.advanced = true
	activity := r.activityLocked(run)
	if activity == ActivityBusy && r.status.Activity == ActivityConnecting {
		return
	}
	r.setStatusLocked(Status{Activity: activity, Progress: run.progress.progress()})
}

// saveCheckpoint persists the position of a direction. It happens before
// the batch is counted as completed.
func (r *Replicator) saveCheckpoint(ctx context.Context, run *run, cur *cursor, seq uint64) *Error {
	err := r.checkpoints.Save(ctx, &checkpoint.Checkpoint{
		Key:       cur.key,
		Sequence:  seq,
		SessionID: run.id,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return checkpointError("failed to save checkpoint", err)
	}
	cur.seq = seq
	return nil
}

// session is a single connection to the endpoint. A nil error from
// Replicator.session means the run is complete or stopping.
type session struct {
	r    *Replicator
	run  *run
	conn transport.Connection

	pullCh chan *transport.Frame
	ackCh  chan *transport.Frame
	batch  uint64

	// pullDone is closed when the pull worker returns; later pull frames are dropped
	pullDone chan struct{}
}

func (r *Replicator) session(ctx context.Context, run *run) *Error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stop aborts connecting; once connected it drains instead
	abort := context.AfterFunc(run.stopCtx, cancel)

	conn, err := r.cfg.Target.connect(ctx, r.dialer, r.cfg.Authenticator)
	if err != nil {
		abort()
		if run.stopping() {
			return nil
		}
		return transportError(err)
	}
	defer func() { _ = conn.Close() }()

	remoteID, replErr := handshake(ctx, conn, run.id)
	if !abort() || run.stopping() {
		return nil
	}
	if replErr != nil {
		return replErr
	}
	r.logger.Info("Connected", "endpoint", r.cfg.Target.String(), "remote_store", remoteID)
	if !r.cfg.Continuous {
		r.publish(run, ActivityBusy, nil)
	}

	s := &session{
		r:     r,
		run:   run,
		conn:  conn,
		ackCh: make(chan *transport.Frame),
	}
	if r.cfg.Direction.pulls() {
		s.pullCh = make(chan *transport.Frame)
		s.pullDone = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.read(gctx)
	})
	g.Go(func() error {
		workers, wctx := errgroup.WithContext(gctx)
		if r.cfg.Direction.pushes() {
			workers.Go(func() error { return s.push(wctx) })
		}
		if r.cfg.Direction.pulls() {
			workers.Go(func() error { return s.pull(wctx) })
		}
		if err := workers.Wait(); err != nil {
			return err
		}
		return errSessionDone
	})

	err = g.Wait()
	var sessionErr *Error
	switch {
	case errors.Is(err, errSessionDone):
		return nil
	case errors.As(err, &sessionErr):
		return sessionErr
	case run.stopping():
		return nil
	default:
		return linkError(err)
	}
}

// handshake opens the replication session and returns the remote store ID
func handshake(ctx context.Context, conn transport.Connection, sessionID string) (string, *Error) {
	hello := &transport.Frame{
		Type:      transport.TypeHello,
		SessionID: sessionID,
		Protocol:  versions.ProtocolVersion,
	}
	if err := conn.Send(ctx, hello); err != nil {
		return "", linkError(err)
	}
	frame, err := conn.Receive(ctx)
	if err != nil {
		return "", linkError(err)
	}
	switch frame.Type {
	case transport.TypeHelloAck:
		if !versions.ProtocolCompatible(frame.Protocol) {
			return "", newError(DomainProtocol, CodeUnsupportedProtocol,
				fmt.Sprintf("remote speaks protocol %s, want %s", frame.Protocol, versions.ProtocolVersion), nil, false)
		}
		return frame.StoreID, nil
	case transport.TypeError:
		return "", remoteError(frame.Error)
	default:
		return "", protocolError("expected %s, received %q", transport.TypeHelloAck, frame.Type)
	}
}

// read routes incoming frames to the workers
func (s *session) read(ctx context.Context) error {
	for {
		frame, err := s.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return linkError(err)
		}

		var dest chan *transport.Frame
		var discard <-chan struct{}
		switch frame.Type {
		case transport.TypeChanges, transport.TypeCaughtUp:
			dest, discard = s.pullCh, s.pullDone
		case transport.TypeAck:
			dest = s.ackCh
		case transport.TypeError:
			return remoteError(frame.Error)
		}
		if dest == nil {
			return protocolError("unexpected %q frame", frame.Type)
		}

		select {
		case dest <- frame:
		case <-discard:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// push sends local changes in batches, one batch in flight at a time
func (s *session) push(ctx context.Context) error {
	r, run := s.r, s.run
	cur := run.cursors[flowPush]

	// subscribe before the first read so no change slips between the read and the wait
	var wake <-chan struct{}
	var tick <-chan time.Time
	if r.cfg.Continuous {
		if notifier, ok := r.cfg.Store.(store.Notifier); ok {
			ch, release := notifier.Notify()
			defer release()
			wake = ch
		} else {
			ticker := time.NewTicker(r.cfg.PollInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
	}

	for !run.stopping() {
		batch, err := store.Collect(r.cfg.Store.ReadChanges(ctx, cur.seq), r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return storeError("failed to read local changes", err)
		}

		if len(batch) == 0 {
			r.catchUp(run, flowPush)
			if !r.cfg.Continuous {
				return nil
			}
			select {
			case <-run.stopCtx.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			case <-tick:
			}
			continue
		}

		if err := s.pushBatch(ctx, cur, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) pushBatch(ctx context.Context, cur *cursor, batch []store.Change) error {
	r, run := s.r, s.run
	r.discover(run, flowPush, len(batch))

	s.batch++
	if err := s.conn.Send(ctx, &transport.Frame{
		Type:    transport.TypeRev,
		Batch:   s.batch,
		Changes: batch,
	}); err != nil {
		return err
	}

	var ack *transport.Frame
	select {
	case ack = <-s.ackCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if ack.Batch != s.batch {
		return protocolError("ack for batch %d while waiting for %d", ack.Batch, s.batch)
	}

	if err := r.saveCheckpoint(ctx, run, cur, batch[len(batch)-1].Sequence); err != nil {
		return err
	}
	r.complete(run, flowPush, len(batch))
	return nil
}

// pull subscribes to remote changes and applies them to the local store
func (s *session) pull(ctx context.Context) error {
	r, run := s.r, s.run
	cur := run.cursors[flowPull]
	defer close(s.pullDone)

	if err := s.conn.Send(ctx, &transport.Frame{
		Type:       transport.TypeSubChanges,
		Since:      cur.seq,
		Continuous: r.cfg.Continuous,
		BatchSize:  r.cfg.BatchSize,
	}); err != nil {
		return err
	}

	for {
		var frame *transport.Frame
		select {
		case <-run.stopCtx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case frame = <-s.pullCh:
		}

		if frame.Type == transport.TypeCaughtUp {
			r.catchUp(run, flowPull)
			if !r.cfg.Continuous {
				return nil
			}
			continue
		}

		if len(frame.Changes) == 0 {
			continue
		}
		r.discover(run, flowPull, len(frame.Changes))
		for _, change := range frame.Changes {
			if err := r.cfg.Store.ApplyChange(ctx, change); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return storeError(fmt.Sprintf("failed to apply change to %q", change.DocID), err)
			}
		}
		if err := r.saveCheckpoint(ctx, run, cur, frame.Sequence); err != nil {
			return err
		}
		r.complete(run, flowPull, len(frame.Changes))
	}
}
