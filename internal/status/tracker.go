package status

import (
	"net/netip"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/relaytun/internal/worker"
)

// Snapshot is a consistent copy of the tracked state.
type Snapshot struct {
	Relay   RelayState     `json:"relay"`
	Forward netip.AddrPort `json:"forward"`
	Peers   []PeerState    `json:"peers"`
}

// Tracker folds service events and operator intents into the relay and peer
// views. It is safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	relay RelayState
	fwd   netip.AddrPort
	peers map[netip.AddrPort]PeerState
	order []netip.AddrPort
	log   zerolog.Logger
}

// NewTracker returns a tracker with a disconnected relay and no peers.
func NewTracker(fwd netip.AddrPort) *Tracker {
	fwd = worker.Normalize(fwd)
	if !fwd.IsValid() {
		fwd = worker.DefaultForward()
	}
	return &Tracker{
		fwd:   fwd,
		peers: make(map[netip.AddrPort]PeerState),
		log:   log.With().Str("component", "status").Logger(),
	}
}

// ApplyEvent routes a service event to the view it concerns.
func (t *Tracker) ApplyEvent(ev worker.ServiceEvent) Outcome {
	switch ev.Kind {
	case worker.KindRelayAllocated:
		return t.ApplyRelay(RelayMsg{Kind: OnAllocated, Addr: ev.Addr})
	case worker.KindRelayConnectionFailed:
		return t.ApplyRelay(RelayMsg{Kind: OnConnectionFailed, Reason: ev.Reason})
	case worker.KindRelayRedirected:
		return t.ApplyRelay(RelayMsg{Kind: OnRedirect, Addr: ev.Addr})
	case worker.KindRelayDisconnected:
		t.mu.Lock()
		defer t.mu.Unlock()
		out := t.applyRelayLocked(RelayMsg{Kind: OnDisconnected})
		// Permissions die with the session
		for _, p := range t.order {
			t.applyPeerLocked(p, PeerMsg{Kind: OnGrantLost})
		}
		return out
	case worker.KindRelayPeerGranted:
		return t.ApplyPeer(ev.Addr, PeerMsg{Kind: OnGranted})
	case worker.KindRelayPeerDenied:
		return t.ApplyPeer(ev.Addr, PeerMsg{Kind: OnDenied})
	case worker.KindPeerBound:
		return t.ApplyPeer(ev.Addr, PeerMsg{Kind: OnBound, Local: ev.Local})
	case worker.KindPeerBindFailed:
		return t.ApplyPeer(ev.Addr, PeerMsg{Kind: OnBindFailed})
	case worker.KindPeerUnbound:
		return t.ApplyPeer(ev.Addr, PeerMsg{Kind: OnUnbound})
	default:
		t.log.Warn().Stringer("event", ev).Msg("unknown service event")
		return Invalid
	}
}

// ApplyRelay feeds m to the relay view.
func (t *Tracker) ApplyRelay(m RelayMsg) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyRelayLocked(m)
}

func (t *Tracker) applyRelayLocked(m RelayMsg) Outcome {
	next, out := t.relay.Apply(m)
	t.relay = next
	t.trace("relay", m.Kind.String(), out)
	return out
}

// ApplyPeer feeds m to the view of peer. ToWaiting creates the entry when it
// does not exist; any other message for an unknown peer is ignored.
func (t *Tracker) ApplyPeer(peer netip.AddrPort, m PeerMsg) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyPeerLocked(worker.Normalize(peer), m)
}

func (t *Tracker) applyPeerLocked(peer netip.AddrPort, m PeerMsg) Outcome {
	cur, ok := t.peers[peer]
	if !ok {
		if m.Kind != ToWaiting {
			t.log.Debug().Str("peer", peer.String()).Stringer("msg", m.Kind).Msg("message for untracked peer")
			return Ignored
		}
		cur = PeerState{Peer: peer, Phase: PeerUnbound}
		t.order = append(t.order, peer)
	}
	next, out := cur.Apply(m)
	t.peers[peer] = next
	t.trace(peer.String(), m.Kind.String(), out)
	return out
}

// SetForward records a new forward target. Tunnels bound on that very address
// are marked failed, mirroring the workers that stop on a forward loop. The
// affected peers are returned.
func (t *Tracker) SetForward(addr netip.AddrPort) []netip.AddrPort {
	addr = worker.Normalize(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fwd = addr

	var looped []netip.AddrPort
	for _, p := range t.order {
		if t.peers[p].Local != addr {
			continue
		}
		if t.applyPeerLocked(p, PeerMsg{Kind: OnForwardLoop}) == Applied {
			looped = append(looped, p)
		}
	}
	return looped
}

// Forget drops the entry of an unbound peer.
func (t *Tracker) Forget(peer netip.AddrPort) bool {
	peer = worker.Normalize(peer)
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.peers[peer]; !ok || s.Phase != PeerUnbound {
		return false
	}
	delete(t.peers, peer)
	for i, p := range t.order {
		if p == peer {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Relay returns the relay view.
func (t *Tracker) Relay() RelayState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.relay
}

// Forward returns the current forward target.
func (t *Tracker) Forward() netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fwd
}

// Peer returns the view of one peer.
func (t *Tracker) Peer(peer netip.AddrPort) (PeerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.peers[worker.Normalize(peer)]
	return s, ok
}

// Snapshot returns a copy of everything, peers in the order they were added.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]PeerState, 0, len(t.order))
	for _, p := range t.order {
		peers = append(peers, t.peers[p])
	}
	return Snapshot{Relay: t.relay, Forward: t.fwd, Peers: peers}
}

// PeerPhaseCounts counts tracked peers per phase.
func (t *Tracker) PeerPhaseCounts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[string]int, 4)
	for _, s := range t.peers {
		counts[s.Phase.String()]++
	}
	return counts
}

func (t *Tracker) trace(subject, msg string, out Outcome) {
	switch out {
	case Invalid:
		t.log.Warn().Str("subject", subject).Str("msg", msg).Msg("invalid transition")
	default:
		t.log.Trace().Str("subject", subject).Str("msg", msg).Stringer("outcome", out).Send()
	}
}
