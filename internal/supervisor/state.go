// Package supervisor keeps the proxy process in line with the user's intent.
package supervisor

// State is the observed lifecycle state of the supervised proxy.
type State int

const (
	// StateStopped means no proxy process exists.
	StateStopped State = iota

	// StateStarting means the config is being rendered and the process spawned.
	StateStarting

	// StateRunning means a process exists and its last probe, if any, passed.
	StateRunning

	// StateUnhealthy means the process failed a probe and is being recycled.
	StateUnhealthy

	// StateStopping means the process is being terminated.
	StateStopping
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateUnhealthy:
		return "unhealthy"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsActive returns true if a process exists or is being brought up.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateUnhealthy
}
