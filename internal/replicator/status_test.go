package replicator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityLevelString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level ActivityLevel
		want  string
	}{
		{ActivityStopped, "stopped"},
		{ActivityOffline, "offline"},
		{ActivityConnecting, "connecting"},
		{ActivityIdle, "idle"},
		{ActivityBusy, "busy"},
		{ActivityLevel(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
	assert.False(t, ActivityStopped.active())
	assert.True(t, ActivityOffline.active())
}

func TestStatus(t *testing.T) {
	t.Parallel()

	replErr := newError(DomainTransport, CodeConnectionRefused, "connection refused", nil, true)
	s := Status{Activity: ActivityOffline, Progress: Progress{Completed: 1, Total: 3}, Error: replErr}

	assert.Equal(t, "offline 1/3 (transport error 2: connection refused)", s.String())
	assert.Equal(t, "busy 0/0", Status{Activity: ActivityBusy}.String())
	assert.False(t, s.Progress.Done())

	assert.True(t, s.equal(s))
	other := s
	other.Error = newError(DomainTransport, CodeConnectionRefused, "connection refused", nil, true)
	assert.True(t, s.equal(other))
	other.Error = newError(DomainTransport, CodeTimeout, "timed out", nil, true)
	assert.False(t, s.equal(other))
	assert.False(t, s.equal(Status{Activity: ActivityOffline, Progress: s.Progress}))

	copied := s.clone()
	copied.Error.Code = CodeTimeout
	assert.Equal(t, CodeConnectionRefused, s.Error.Code)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"activity": "offline",
		"progress": {"completed": 1, "total": 3},
		"error": {"code": 2, "domain": "transport", "message": "connection refused"}
	}`, string(data))
}
