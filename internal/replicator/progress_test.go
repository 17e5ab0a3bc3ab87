package replicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowProgress(t *testing.T) {
	t.Parallel()

	var f flowProgress
	f.discover(4)
	assert.Equal(t, uint64(4), f.total)
	assert.False(t, f.idle())

	f.complete(4)
	assert.Equal(t, uint64(4), f.completed)
	f.catchUp()
	assert.True(t, f.idle())

	// new work leaves the caught up state
	f.discover(2)
	assert.False(t, f.idle())

	// the connection drops with the batch in flight
	f.disconnect()
	assert.Equal(t, uint64(2), f.carry)

	// the same batch is discovered again after reconnecting
	f.discover(2)
	assert.Equal(t, uint64(6), f.total)
	f.discover(1)
	assert.Equal(t, uint64(7), f.total)
	f.complete(3)
	assert.Equal(t, uint64(7), f.completed)

	// completed never passes total
	f.complete(10)
	assert.Equal(t, f.total, f.completed)
}

func TestFlowProgressCatchUpClearsCarry(t *testing.T) {
	t.Parallel()

	var f flowProgress
	f.discover(5)
	f.disconnect()
	// the remote side had already applied the batch, nothing is resent
	f.catchUp()
	assert.Equal(t, Progress{Completed: 5, Total: 5}, Progress{Completed: f.completed, Total: f.total})
	assert.Zero(t, f.carry)
}

func TestProgressTracker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		direction Direction
		flows     []flow
	}{
		{name: "push", direction: DirectionPush, flows: []flow{flowPush}},
		{name: "pull", direction: DirectionPull, flows: []flow{flowPull}},
		{name: "both", direction: DirectionPushAndPull, flows: []flow{flowPush, flowPull}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tracker := newProgressTracker(tt.direction)
			assert.Len(t, tracker.flows, len(tt.flows))
			assert.False(t, tracker.idle())

			for i, f := range tt.flows {
				tracker.flow(f).discover(uint64(i + 1))
				tracker.flow(f).complete(uint64(i + 1))
				tracker.flow(f).catchUp()
			}
			p := tracker.progress()
			assert.True(t, p.Done())
			assert.Equal(t, uint64(len(tt.flows)*(len(tt.flows)+1)/2), p.Total)
			assert.True(t, tracker.idle())

			tracker.disconnect()
			assert.False(t, tracker.idle())
			assert.Equal(t, p, tracker.progress())
		})
	}
}
