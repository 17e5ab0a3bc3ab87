package replicator

// ActivityLevel is the coarse state of a replication
type ActivityLevel int

const (
	// ActivityStopped is the initial and terminal state of a run
	ActivityStopped ActivityLevel = iota
	// ActivityOffline means the endpoint is unreachable and a retry is pending
	ActivityOffline
	// ActivityConnecting means a connection to the endpoint is being opened
	ActivityConnecting
	// ActivityIdle means every direction is caught up and nothing is in flight
	ActivityIdle
	// ActivityBusy means changes are being transferred
	ActivityBusy
)

// String returns the lowercase label of the level
func (a ActivityLevel) String() string {
	switch a {
	case ActivityStopped:
		return "stopped"
	case ActivityOffline:
		return "offline"
	case ActivityConnecting:
		return "connecting"
	case ActivityIdle:
		return "idle"
	case ActivityBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// active reports whether a run is in progress at this level
func (a ActivityLevel) active() bool {
	return a != ActivityStopped
}

// MarshalText encodes the level as its label
func (a ActivityLevel) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}
