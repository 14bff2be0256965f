package worker

import (
	"net"
	"net/netip"
)

// SessionEventKind enumerates what a relay session reports.
type SessionEventKind int

const (
	SessionAllocationGranted SessionEventKind = iota + 1
	SessionData
	SessionRedirected
	SessionPermissionCreated
	SessionPermissionDenied
	SessionDisconnected
	SessionError
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionAllocationGranted:
		return "allocation_granted"
	case SessionData:
		return "data"
	case SessionRedirected:
		return "redirected"
	case SessionPermissionCreated:
		return "permission_created"
	case SessionPermissionDenied:
		return "permission_denied"
	case SessionDisconnected:
		return "disconnected"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionEvent is one item of a relay session's event stream.
//
// Addr is the relayed address for SessionAllocationGranted, the alternate
// server for SessionRedirected and the remote peer otherwise.
type SessionEvent struct {
	Kind    SessionEventKind
	Addr    netip.AddrPort
	Payload []byte
	Err     error
}

// Session is an open relay-protocol session. The session owns the packet
// connection it was opened with and releases it when its event stream ends.
type Session interface {
	// Events returns the event stream. The channel is closed when the session
	// has ended; no further events follow a SessionDisconnected.
	Events() <-chan SessionEvent

	// AddPermission asks the relay to accept traffic for peer. The outcome is
	// reported later as SessionPermissionCreated or SessionPermissionDenied.
	AddPermission(peer netip.AddrPort) error

	// SendTo relays payload to peer.
	SendTo(peer netip.AddrPort, payload []byte) error

	// Disconnect starts tearing the session down. The end is reported on the
	// event stream.
	Disconnect() error
}

// Dialer opens relay sessions. Open returns at once; allocation progress is
// reported on the session's event stream.
type Dialer interface {
	Open(conn net.PacketConn, server netip.AddrPort, username, password string) Session
}
