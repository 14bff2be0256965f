package worker

import "fmt"

// RelayState is the state of the relay session owned by a RelayWorker.
type RelayState int

const (
	// RelayStateDisconnected indicates no session exists.
	RelayStateDisconnected RelayState = iota

	// RelayStateConnecting indicates a session was opened and awaits allocation.
	RelayStateConnecting

	// RelayStateAllocated indicates the relay granted an allocation.
	RelayStateAllocated
)

// String returns the string representation of the state.
func (s RelayState) String() string {
	switch s {
	case RelayStateDisconnected:
		return "disconnected"
	case RelayStateConnecting:
		return "connecting"
	case RelayStateAllocated:
		return "allocated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CanTransitionTo returns true if a transition to the target state is valid.
func (s RelayState) CanTransitionTo(target RelayState) bool {
	switch s {
	case RelayStateDisconnected:
		return target == RelayStateConnecting

	case RelayStateConnecting:
		// Allocation granted, or the session failed before it
		return target == RelayStateAllocated || target == RelayStateDisconnected

	case RelayStateAllocated:
		return target == RelayStateDisconnected

	default:
		return false
	}
}

// TransitionError is returned when an invalid state transition is attempted.
type TransitionError struct {
	From RelayState
	To   RelayState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid relay state transition: %s -> %s", e.From, e.To)
}
