// Package status keeps the operator-facing view of the relay and its peer
// tunnels. Every view is a plain value with a total transition function: each
// (state, message) pair is either applied, explicitly ignored or invalid.
package status

import (
	"fmt"
	"net/netip"
)

// Outcome is the result of feeding a message to a state.
type Outcome int

const (
	// Applied means the message changed the state.
	Applied Outcome = iota
	// Ignored means the message is expected but has no effect in this state.
	Ignored
	// Invalid means the message must not arrive in this state.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// RelayPhase is the relay connection phase shown to the operator.
type RelayPhase int

const (
	RelayDisconnected RelayPhase = iota
	RelayConnecting
	RelayConnectionFailed
	RelayConnected
)

func (p RelayPhase) String() string {
	switch p {
	case RelayDisconnected:
		return "disconnected"
	case RelayConnecting:
		return "connecting"
	case RelayConnectionFailed:
		return "connection_failed"
	case RelayConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p RelayPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *RelayPhase) UnmarshalText(text []byte) error {
	for c := RelayDisconnected; c <= RelayConnected; c++ {
		if c.String() == string(text) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown relay phase %q", text)
}

// RelayState is the relay view. Server is what the operator asked for,
// Relayed the allocated public address and Reason the last failure.
type RelayState struct {
	Phase   RelayPhase     `json:"phase"`
	Server  string         `json:"server,omitempty"`
	Relayed netip.AddrPort `json:"relayed,omitzero"`
	Reason  string         `json:"reason,omitempty"`
}

// RelayMsgKind enumerates relay view messages.
type RelayMsgKind int

const (
	ToConnecting RelayMsgKind = iota
	OnAllocated
	OnConnectionFailed
	OnDisconnected
	OnRedirect
	ToDisconnected
)

func (k RelayMsgKind) String() string {
	switch k {
	case ToConnecting:
		return "to_connecting"
	case OnAllocated:
		return "on_allocated"
	case OnConnectionFailed:
		return "on_connection_failed"
	case OnDisconnected:
		return "on_disconnected"
	case OnRedirect:
		return "on_redirect"
	case ToDisconnected:
		return "to_disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// RelayMsg drives the relay view. Server is set for ToConnecting, Addr for
// OnAllocated and OnRedirect, Reason for OnConnectionFailed.
type RelayMsg struct {
	Kind   RelayMsgKind
	Server string
	Addr   netip.AddrPort
	Reason string
}

// Apply returns the state that follows s on m.
func (s RelayState) Apply(m RelayMsg) (RelayState, Outcome) {
	switch m.Kind {
	case ToConnecting:
		switch s.Phase {
		case RelayDisconnected, RelayConnectionFailed:
			return RelayState{Phase: RelayConnecting, Server: m.Server}, Applied
		default:
			return s, Invalid
		}

	case OnAllocated:
		switch s.Phase {
		case RelayConnecting:
			return RelayState{Phase: RelayConnected, Server: s.Server, Relayed: m.Addr}, Applied
		default:
			return s, Ignored
		}

	case OnConnectionFailed:
		switch s.Phase {
		case RelayConnecting, RelayConnected:
			return RelayState{Phase: RelayConnectionFailed, Server: s.Server, Reason: m.Reason}, Applied
		default:
			return s, Ignored
		}

	case OnDisconnected:
		switch s.Phase {
		case RelayConnecting, RelayConnected:
			return RelayState{Phase: RelayDisconnected, Server: s.Server}, Applied
		default:
			return s, Ignored
		}

	case OnRedirect:
		switch s.Phase {
		case RelayConnecting:
			// The operator reconnects to the alternate server
			return RelayState{Phase: RelayDisconnected, Server: m.Addr.String()}, Applied
		default:
			return s, Ignored
		}

	case ToDisconnected:
		switch s.Phase {
		case RelayDisconnected:
			return s, Ignored
		default:
			return RelayState{Phase: RelayDisconnected, Server: s.Server}, Applied
		}

	default:
		return s, Invalid
	}
}
