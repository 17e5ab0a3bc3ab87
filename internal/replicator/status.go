package replicator

import "fmt"

// Progress counts the changes of a run. Completed never exceeds Total and
// neither decreases until the next run starts.
type Progress struct {
	Completed uint64 `json:"completed"`
	Total     uint64 `json:"total"`
}

// Done reports whether every discovered change has been completed
func (p Progress) Done() bool {
	return p.Completed == p.Total
}

// Status is a snapshot of a replication. A new value is published for every
// transition; each caller and listener receives its own copy.
type Status struct {
	Activity ActivityLevel `json:"activity"`
	Progress Progress      `json:"progress"`

	// Error is only set when Activity is ActivityOffline or ActivityStopped
	Error *Error `json:"error,omitempty"`
}

// String implements fmt.Stringer
func (s Status) String() string {
	if s.Error != nil {
		return fmt.Sprintf("%s %d/%d (%v)", s.Activity, s.Progress.Completed, s.Progress.Total, s.Error)
	}
	return fmt.Sprintf("%s %d/%d", s.Activity, s.Progress.Completed, s.Progress.Total)
}

func (s Status) equal(other Status) bool {
	if s.Activity != other.Activity || s.Progress != other.Progress {
		return false
	}
	if s.Error == nil || other.Error == nil {
		return s.Error == other.Error
	}
	return s.Error.Domain == other.Error.Domain &&
		s.Error.Code == other.Error.Code &&
		s.Error.Error() == other.Error.Error()
}

// clone copies the error so the snapshot does not share it
func (s Status) clone() Status {
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	return s
}
