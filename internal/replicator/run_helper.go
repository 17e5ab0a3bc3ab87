package replicator

import "context"

// RunOptions configures Run
type RunOptions struct {
	// ResetCheckpoint discards stored checkpoints before starting
	ResetCheckpoint bool

	// Until overrides the status that ends Run. By default a one-shot
	// replication runs until stopped and a continuous one until it is idle
	// with every change completed, offline with an error, or stopped.
	Until func(Status) bool
}

// Run starts r and blocks until the run reaches the status selected by
// opts. It returns that status, or ErrTimeout when ctx is done first.
// A continuous replication keeps running after Run returns.
func Run(ctx context.Context, r *Replicator, opts RunOptions) (Status, error) {
	until := opts.Until
	if until == nil {
		until = settled(r.cfg.Continuous)
	}

	if opts.ResetCheckpoint {
		r.ResetCheckpoint()
	}

	// the current status is ignored: it is the stopped status of the previous run
	matched, cancel := r.watch(until, false)
	defer cancel()

	if err := r.Start(); err != nil {
		return r.Status(), err
	}
	return r.wait(ctx, matched)
}

// StopAndWait stops r and blocks until it has stopped
func StopAndWait(ctx context.Context, r *Replicator) (Status, error) {
	r.Stop()
	return r.WaitForStopped(ctx)
}

func settled(continuous bool) func(Status) bool {
	if !continuous {
		return func(s Status) bool {
			return s.Activity == ActivityStopped
		}
	}
	return func(s Status) bool {
		switch s.Activity {
		case ActivityIdle:
			return s.Progress.Done()
		case ActivityOffline:
			return s.Error != nil
		case ActivityStopped:
			return true
		default:
			return false
		}
	}
}
