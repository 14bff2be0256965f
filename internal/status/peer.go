package status

import (
	"fmt"
	"net/netip"
)

// PeerPhase is the tunnel phase shown to the operator.
type PeerPhase int

const (
	// PeerWaiting awaits both the local bind and the relay permission.
	PeerWaiting PeerPhase = iota
	// PeerReady is bound and granted.
	PeerReady
	// PeerFailed could not bind, was denied or hit a forward loop.
	PeerFailed
	// PeerUnbound released its socket.
	PeerUnbound
)

func (p PeerPhase) String() string {
	switch p {
	case PeerWaiting:
		return "waiting"
	case PeerReady:
		return "ready"
	case PeerFailed:
		return "failed"
	case PeerUnbound:
		return "unbound"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p PeerPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PeerPhase) UnmarshalText(text []byte) error {
	for c := PeerWaiting; c <= PeerUnbound; c++ {
		if c.String() == string(text) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown peer phase %q", text)
}

// Failure says why a tunnel is in PeerFailed.
type Failure string

const (
	FailureNone   Failure = ""
	FailureBind   Failure = "bind_failed"
	FailureDenied Failure = "permission_denied"
	FailureLoop   Failure = "forward_loop"
)

// PeerState is the view of one tunnel.
type PeerState struct {
	Peer    netip.AddrPort `json:"peer"`
	Pinned  netip.AddrPort `json:"pinned,omitzero"`
	Local   netip.AddrPort `json:"local,omitzero"`
	Phase   PeerPhase      `json:"phase"`
	Bound   bool           `json:"bound"`
	Granted bool           `json:"granted"`
	Failure Failure        `json:"failure,omitempty"`
}

// WorkerGone reports whether the tunnel's worker has already exited, so the
// entry can be retried or dropped without waiting for PeerUnbound.
func (s PeerState) WorkerGone() bool {
	switch s.Phase {
	case PeerUnbound:
		return true
	case PeerFailed:
		return s.Failure == FailureBind || s.Failure == FailureLoop
	default:
		return false
	}
}

// PeerMsgKind enumerates peer view messages.
type PeerMsgKind int

const (
	ToWaiting PeerMsgKind = iota
	OnBound
	OnBindFailed
	OnGranted
	OnDenied
	OnUnbound
	OnGrantLost
	OnForwardLoop
	ToUnbound
)

func (k PeerMsgKind) String() string {
	switch k {
	case ToWaiting:
		return "to_waiting"
	case OnBound:
		return "on_bound"
	case OnBindFailed:
		return "on_bind_failed"
	case OnGranted:
		return "on_granted"
	case OnDenied:
		return "on_denied"
	case OnUnbound:
		return "on_unbound"
	case OnGrantLost:
		return "on_grant_lost"
	case OnForwardLoop:
		return "on_forward_loop"
	case ToUnbound:
		return "to_unbound"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// PeerMsg drives a peer view. Pinned is set for ToWaiting, Local for OnBound.
type PeerMsg struct {
	Kind   PeerMsgKind
	Pinned netip.AddrPort
	Local  netip.AddrPort
}

func (s PeerState) failed(f Failure) PeerState {
	return PeerState{Peer: s.Peer, Pinned: s.Pinned, Local: s.Local, Phase: PeerFailed, Bound: s.Bound, Failure: f}
}

// ready promotes a waiting tunnel once both halves are in place.
func (s PeerState) ready() PeerState {
	if s.Bound && s.Granted {
		s.Phase = PeerReady
	}
	return s
}

// Apply returns the state that follows s on m.
func (s PeerState) Apply(m PeerMsg) (PeerState, Outcome) {
	switch m.Kind {
	case ToWaiting:
		if !s.WorkerGone() {
			return s, Invalid
		}
		return PeerState{Peer: s.Peer, Pinned: m.Pinned, Phase: PeerWaiting}, Applied

	case OnBound:
		switch s.Phase {
		case PeerWaiting:
			s.Local, s.Bound = m.Local, true
			return s.ready(), Applied
		case PeerReady:
			s.Local = m.Local
			return s, Applied
		default:
			return s, Ignored
		}

	case OnBindFailed:
		switch s.Phase {
		case PeerWaiting, PeerReady, PeerFailed:
			return s.failed(FailureBind), Applied
		default:
			return s, Ignored
		}

	case OnGranted:
		switch s.Phase {
		case PeerWaiting:
			s.Granted = true
			return s.ready(), Applied
		default:
			return s, Ignored
		}

	case OnDenied:
		switch s.Phase {
		case PeerWaiting, PeerReady:
			return s.failed(FailureDenied), Applied
		case PeerFailed:
			if s.Failure == FailureDenied {
				return s, Ignored
			}
			return s.failed(FailureDenied), Applied
		default:
			return s, Ignored
		}

	case OnUnbound:
		switch s.Phase {
		case PeerUnbound:
			return s, Ignored
		default:
			return PeerState{Peer: s.Peer, Pinned: s.Pinned, Phase: PeerUnbound}, Applied
		}

	case OnGrantLost:
		switch s.Phase {
		case PeerReady:
			s.Phase, s.Granted = PeerWaiting, false
			return s, Applied
		case PeerWaiting:
			if !s.Granted {
				return s, Ignored
			}
			s.Granted = false
			return s, Applied
		default:
			return s, Ignored
		}

	case OnForwardLoop:
		switch s.Phase {
		case PeerWaiting, PeerReady:
			if !s.Bound {
				return s, Ignored
			}
			return s.failed(FailureLoop), Applied
		default:
			return s, Ignored
		}

	case ToUnbound:
		switch s.Phase {
		case PeerUnbound:
			return s, Ignored
		case PeerFailed:
			if !s.WorkerGone() {
				return s, Invalid
			}
			return PeerState{Peer: s.Peer, Pinned: s.Pinned, Phase: PeerUnbound}, Applied
		default:
			return s, Invalid
		}

	default:
		return s, Invalid
	}
}
