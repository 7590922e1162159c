package subscriber

import "time"

// State is the bus connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed means the attempt ceiling was passed. Reconnection continues.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// StateChange is passed to OnStateChange listeners.
type StateChange struct {
	From     State
	To       State
	Attempts int
	At       time.Time
	Err      error
}
