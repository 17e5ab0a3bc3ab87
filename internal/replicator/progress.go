package replicator

// flow names a replication direction in checkpoint keys, metrics and logs
type flow string

const (
	flowPush flow = "push"
	flowPull flow = "pull"
)

// flowProgress tracks one direction of a run
type flowProgress struct {
	completed uint64
	total     uint64

	// carry counts changes discovered by a previous connection that were not
	// completed. They are sent again after reconnecting and must not be
	// counted twice.
	carry uint64

	caughtUp bool
	inFlight bool
}

// discover records n changes about to be transferred
func (f *flowProgress) discover(n uint64) {
	f.inFlight = true
	f.caughtUp = false
	if f.carry >= n {
		f.carry -= n
		return
	}
	f.total += n - f.carry
	f.carry = 0
}

// complete records that n discovered changes have been transferred and checkpointed
func (f *flowProgress) complete(n uint64) {
	f.inFlight = false
	f.completed = min(f.completed+n, f.total)
}

// catchUp records that the direction has nothing left to transfer
func (f *flowProgress) catchUp() {
	f.caughtUp = true
	if !f.inFlight {
		f.completed = f.total
		f.carry = 0
	}
}

// disconnect resets the per-connection state, keeping counts for the next connection
func (f *flowProgress) disconnect() {
	f.carry = f.total - f.completed
	f.caughtUp = false
	f.inFlight = false
}

func (f *flowProgress) idle() bool {
	return f.caughtUp && !f.inFlight
}

// progressTracker aggregates the directions of a run. It is guarded by the Replicator mutex.
type progressTracker struct {
	flows map[flow]*flowProgress
}

func newProgressTracker(direction Direction) *progressTracker {
	t := &progressTracker{flows: make(map[flow]*flowProgress)}
	for _, f := range direction.flows() {
		t.flows[f] = &flowProgress{}
	}
	return t
}

func (t *progressTracker) flow(f flow) *flowProgress {
	return t.flows[f]
}

func (t *progressTracker) progress() Progress {
	var p Progress
	for _, f := range t.flows {
		p.Completed += f.completed
		p.Total += f.total
	}
	return p
}

func (t *progressTracker) idle() bool {
	for _, f := range t.flows {
		if !f.idle() {
			return false
		}
	}
	return true
}

func (t *progressTracker) disconnect() {
	for _, f := range t.flows {
		f.disconnect()
	}
}
