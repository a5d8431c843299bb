package supervisor

import "time"

// State is the lifecycle state of the resident worker.
type State int

// Lifecycle states.
const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateBusy
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Health is a snapshot of the worker handle.
type Health struct {
	Ready     bool      `json:"ready"`
	PID       *int      `json:"pid"`
	State     string    `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Restarts  int       `json:"restarts"`
}
