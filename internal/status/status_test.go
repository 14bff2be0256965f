package status

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/relaytun/internal/worker"
)

var (
	peerA   = netip.MustParseAddrPort("203.0.113.5:40000")
	peerB   = netip.MustParseAddrPort("203.0.113.6:40001")
	localA  = netip.MustParseAddrPort("127.0.0.1:51000")
	relayed = netip.MustParseAddrPort("198.51.100.1:49152")
)

func TestRelayState_Table(t *testing.T) {
	tests := []struct {
		name string
		from RelayPhase
		msg  RelayMsgKind
		want RelayPhase
		out  Outcome
	}{
		{"connect from disconnected", RelayDisconnected, ToConnecting, RelayConnecting, Applied},
		{"retry after failure", RelayConnectionFailed, ToConnecting, RelayConnecting, Applied},
		{"connect while connecting", RelayConnecting, ToConnecting, RelayConnecting, Invalid},
		{"connect while connected", RelayConnected, ToConnecting, RelayConnected, Invalid},

		{"allocated while connecting", RelayConnecting, OnAllocated, RelayConnected, Applied},
		{"allocated while disconnected", RelayDisconnected, OnAllocated, RelayDisconnected, Ignored},
		{"allocated after failure", RelayConnectionFailed, OnAllocated, RelayConnectionFailed, Ignored},
		{"allocated twice", RelayConnected, OnAllocated, RelayConnected, Ignored},

		{"failed while connecting", RelayConnecting, OnConnectionFailed, RelayConnectionFailed, Applied},
		{"failed while connected", RelayConnected, OnConnectionFailed, RelayConnectionFailed, Applied},
		{"failed while disconnected", RelayDisconnected, OnConnectionFailed, RelayDisconnected, Ignored},
		{"failed twice", RelayConnectionFailed, OnConnectionFailed, RelayConnectionFailed, Ignored},

		{"disconnected while connecting", RelayConnecting, OnDisconnected, RelayDisconnected, Applied},
		{"disconnected while connected", RelayConnected, OnDisconnected, RelayDisconnected, Applied},
		{"disconnected keeps failure", RelayConnectionFailed, OnDisconnected, RelayConnectionFailed, Ignored},
		{"disconnected twice", RelayDisconnected, OnDisconnected, RelayDisconnected, Ignored},

		{"redirect while connecting", RelayConnecting, OnRedirect, RelayDisconnected, Applied},
		{"redirect while connected", RelayConnected, OnRedirect, RelayConnected, Ignored},
		{"redirect while disconnected", RelayDisconnected, OnRedirect, RelayDisconnected, Ignored},

		{"operator disconnect", RelayConnected, ToDisconnected, RelayDisconnected, Applied},
		{"operator dismisses failure", RelayConnectionFailed, ToDisconnected, RelayDisconnected, Applied},
		{"operator disconnect idle", RelayDisconnected, ToDisconnected, RelayDisconnected, Ignored},

		{"unknown message", RelayConnected, RelayMsgKind(99), RelayConnected, Invalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, out := RelayState{Phase: tt.from}.Apply(RelayMsg{Kind: tt.msg})
			assert.Equal(t, tt.out, out)
			assert.Equal(t, tt.want, got.Phase)
		})
	}
}

func TestRelayState_CarriesDetails(t *testing.T) {
	s, _ := RelayState{}.Apply(RelayMsg{Kind: ToConnecting, Server: "turn.example.com"})
	s, _ = s.Apply(RelayMsg{Kind: OnAllocated, Addr: relayed})
	assert.Equal(t, RelayState{Phase: RelayConnected, Server: "turn.example.com", Relayed: relayed}, s)

	s, _ = s.Apply(RelayMsg{Kind: OnConnectionFailed, Reason: "refresh failed"})
	assert.Equal(t, "refresh failed", s.Reason)
	assert.False(t, s.Relayed.IsValid())

	s, _ = s.Apply(RelayMsg{Kind: ToConnecting, Server: "other"})
	assert.Empty(t, s.Reason)

	alt := netip.MustParseAddrPort("192.0.2.20:3478")
	s, _ = s.Apply(RelayMsg{Kind: OnRedirect, Addr: alt})
	assert.Equal(t, RelayState{Phase: RelayDisconnected, Server: alt.String()}, s)
}

func TestPeerState_Table(t *testing.T) {
	waiting := PeerState{Peer: peerA, Phase: PeerWaiting}
	bound := PeerState{Peer: peerA, Phase: PeerWaiting, Local: localA, Bound: true}
	granted := PeerState{Peer: peerA, Phase: PeerWaiting, Granted: true}
	ready := PeerState{Peer: peerA, Phase: PeerReady, Local: localA, Bound: true, Granted: true}
	bindFailed := PeerState{Peer: peerA, Phase: PeerFailed, Failure: FailureBind}
	denied := PeerState{Peer: peerA, Phase: PeerFailed, Local: localA, Bound: true, Failure: FailureDenied}
	unbound := PeerState{Peer: peerA, Phase: PeerUnbound}

	tests := []struct {
		name string
		from PeerState
		msg  PeerMsg
		want PeerPhase
		out  Outcome
	}{
		{"start from unbound", unbound, PeerMsg{Kind: ToWaiting}, PeerWaiting, Applied},
		{"retry after bind failure", bindFailed, PeerMsg{Kind: ToWaiting}, PeerWaiting, Applied},
		{"retry while denied worker lives", denied, PeerMsg{Kind: ToWaiting}, PeerFailed, Invalid},
		{"start while waiting", waiting, PeerMsg{Kind: ToWaiting}, PeerWaiting, Invalid},
		{"start while ready", ready, PeerMsg{Kind: ToWaiting}, PeerReady, Invalid},

		{"bound first", waiting, PeerMsg{Kind: OnBound, Local: localA}, PeerWaiting, Applied},
		{"bound after grant", granted, PeerMsg{Kind: OnBound, Local: localA}, PeerReady, Applied},
		{"bound while ready", ready, PeerMsg{Kind: OnBound, Local: localA}, PeerReady, Applied},
		{"bound after failure", bindFailed, PeerMsg{Kind: OnBound, Local: localA}, PeerFailed, Ignored},
		{"bound while unbound", unbound, PeerMsg{Kind: OnBound, Local: localA}, PeerUnbound, Ignored},

		{"granted first", waiting, PeerMsg{Kind: OnGranted}, PeerWaiting, Applied},
		{"granted after bind", bound, PeerMsg{Kind: OnGranted}, PeerReady, Applied},
		{"granted while ready", ready, PeerMsg{Kind: OnGranted}, PeerReady, Ignored},
		{"granted after failure", denied, PeerMsg{Kind: OnGranted}, PeerFailed, Ignored},

		{"bind failed while waiting", waiting, PeerMsg{Kind: OnBindFailed}, PeerFailed, Applied},
		{"bind failed while unbound", unbound, PeerMsg{Kind: OnBindFailed}, PeerUnbound, Ignored},

		{"denied while waiting", bound, PeerMsg{Kind: OnDenied}, PeerFailed, Applied},
		{"denied while ready", ready, PeerMsg{Kind: OnDenied}, PeerFailed, Applied},
		{"denied twice", denied, PeerMsg{Kind: OnDenied}, PeerFailed, Ignored},

		{"unbound while waiting", waiting, PeerMsg{Kind: OnUnbound}, PeerUnbound, Applied},
		{"unbound while ready", ready, PeerMsg{Kind: OnUnbound}, PeerUnbound, Applied},
		{"unbound after denial", denied, PeerMsg{Kind: OnUnbound}, PeerUnbound, Applied},
		{"unbound twice", unbound, PeerMsg{Kind: OnUnbound}, PeerUnbound, Ignored},

		{"grant lost while ready", ready, PeerMsg{Kind: OnGrantLost}, PeerWaiting, Applied},
		{"grant lost before grant", bound, PeerMsg{Kind: OnGrantLost}, PeerWaiting, Ignored},
		{"grant lost after failure", denied, PeerMsg{Kind: OnGrantLost}, PeerFailed, Ignored},

		{"loop while ready", ready, PeerMsg{Kind: OnForwardLoop}, PeerFailed, Applied},
		{"loop before bind", waiting, PeerMsg{Kind: OnForwardLoop}, PeerWaiting, Ignored},

		{"drop failed entry", bindFailed, PeerMsg{Kind: ToUnbound}, PeerUnbound, Applied},
		{"drop denied entry", denied, PeerMsg{Kind: ToUnbound}, PeerFailed, Invalid},
		{"drop live entry", ready, PeerMsg{Kind: ToUnbound}, PeerReady, Invalid},

		{"unknown message", ready, PeerMsg{Kind: PeerMsgKind(99)}, PeerReady, Invalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, out := tt.from.Apply(tt.msg)
			assert.Equal(t, tt.out, out)
			assert.Equal(t, tt.want, got.Phase)
			assert.Equal(t, peerA, got.Peer)
			if out != Applied {
				assert.Equal(t, tt.from, got)
			}
		})
	}
}

func TestPeerState_FailureReasons(t *testing.T) {
	s := PeerState{Peer: peerA, Phase: PeerWaiting}

	failed, _ := s.Apply(PeerMsg{Kind: OnBindFailed})
	assert.Equal(t, FailureBind, failed.Failure)
	assert.True(t, failed.WorkerGone())

	bound, _ := s.Apply(PeerMsg{Kind: OnBound, Local: localA})
	denied, _ := bound.Apply(PeerMsg{Kind: OnDenied})
	assert.Equal(t, FailureDenied, denied.Failure)
	assert.False(t, denied.WorkerGone())
	assert.Equal(t, localA, denied.Local)

	looped, _ := bound.Apply(PeerMsg{Kind: OnForwardLoop})
	assert.Equal(t, FailureLoop, looped.Failure)
	assert.True(t, looped.WorkerGone())

	retry, out := looped.Apply(PeerMsg{Kind: ToWaiting, Pinned: localA})
	require.Equal(t, Applied, out)
	assert.Equal(t, PeerState{Peer: peerA, Pinned: localA, Phase: PeerWaiting}, retry)
}

func TestTracker_PeerLifecycle(t *testing.T) {
	tr := NewTracker(netip.AddrPort{})
	assert.Equal(t, worker.DefaultForward(), tr.Forward())

	assert.Equal(t, Applied, tr.ApplyRelay(RelayMsg{Kind: ToConnecting, Server: "turn.example.com"}))
	assert.Equal(t, Applied, tr.ApplyEvent(worker.RelayAllocated(relayed)))
	assert.Equal(t, RelayConnected, tr.Relay().Phase)

	assert.Equal(t, Applied, tr.ApplyPeer(peerA, PeerMsg{Kind: ToWaiting}))
	assert.Equal(t, Applied, tr.ApplyEvent(worker.PeerBound(peerA, localA)))
	assert.Equal(t, Applied, tr.ApplyEvent(worker.RelayPeerGranted(peerA)))

	s, ok := tr.Peer(peerA)
	require.True(t, ok)
	assert.Equal(t, PeerReady, s.Phase)

	assert.Equal(t, Applied, tr.ApplyEvent(worker.PeerUnbound(peerA)))
	s, _ = tr.Peer(peerA)
	assert.Equal(t, PeerUnbound, s.Phase)

	assert.True(t, tr.Forget(peerA))
	_, ok = tr.Peer(peerA)
	assert.False(t, ok)
	assert.False(t, tr.Forget(peerA))
}

func TestTracker_EventsForUntrackedPeerAreIgnored(t *testing.T) {
	tr := NewTracker(worker.DefaultForward())

	assert.Equal(t, Ignored, tr.ApplyEvent(worker.PeerBound(peerB, localA)))
	_, ok := tr.Peer(peerB)
	assert.False(t, ok)
	assert.Equal(t, Invalid, tr.ApplyEvent(worker.ServiceEvent{}))
}

func TestTracker_RelayDisconnectRevokesGrants(t *testing.T) {
	tr := NewTracker(worker.DefaultForward())
	tr.ApplyRelay(RelayMsg{Kind: ToConnecting})
	tr.ApplyEvent(worker.RelayAllocated(relayed))
	tr.ApplyPeer(peerA, PeerMsg{Kind: ToWaiting})
	tr.ApplyEvent(worker.PeerBound(peerA, localA))
	tr.ApplyEvent(worker.RelayPeerGranted(peerA))

	assert.Equal(t, Applied, tr.ApplyEvent(worker.RelayDisconnected()))

	s, _ := tr.Peer(peerA)
	assert.Equal(t, PeerWaiting, s.Phase)
	assert.False(t, s.Granted)
	assert.True(t, s.Bound)
	assert.Equal(t, RelayDisconnected, tr.Relay().Phase)
}

func TestTracker_SetForwardMarksLoops(t *testing.T) {
	tr := NewTracker(worker.DefaultForward())
	tr.ApplyPeer(peerA, PeerMsg{Kind: ToWaiting})
	tr.ApplyPeer(peerB, PeerMsg{Kind: ToWaiting})
	tr.ApplyEvent(worker.PeerBound(peerA, localA))
	tr.ApplyEvent(worker.PeerBound(peerB, netip.MustParseAddrPort("127.0.0.1:51001")))

	looped := tr.SetForward(netip.MustParseAddrPort("[::ffff:127.0.0.1]:51000"))

	assert.Equal(t, []netip.AddrPort{peerA}, looped)
	assert.Equal(t, localA, tr.Forward())
	a, _ := tr.Peer(peerA)
	b, _ := tr.Peer(peerB)
	assert.Equal(t, FailureLoop, a.Failure)
	assert.Equal(t, PeerWaiting, b.Phase)
}

func TestTracker_SnapshotAndCounts(t *testing.T) {
	tr := NewTracker(worker.DefaultForward())
	tr.ApplyPeer(peerB, PeerMsg{Kind: ToWaiting})
	tr.ApplyPeer(peerA, PeerMsg{Kind: ToWaiting})
	tr.ApplyEvent(worker.PeerBindFailed(peerA))

	snap := tr.Snapshot()
	require.Len(t, snap.Peers, 2)
	assert.Equal(t, peerB, snap.Peers[0].Peer)
	assert.Equal(t, peerA, snap.Peers[1].Peer)
	assert.Equal(t, map[string]int{"waiting": 1, "failed": 1}, tr.PeerPhaseCounts())

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"phase":"disconnected"`)
	assert.Contains(t, string(data), `"failure":"bind_failed"`)
	assert.Contains(t, string(data), `"forward":"127.0.0.1:34197"`)

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, snap, back)
}

func TestPhaseText(t *testing.T) {
	var r RelayPhase
	require.NoError(t, r.UnmarshalText([]byte("connection_failed")))
	assert.Equal(t, RelayConnectionFailed, r)
	assert.Error(t, r.UnmarshalText([]byte("bogus")))

	var p PeerPhase
	require.NoError(t, p.UnmarshalText([]byte("ready")))
	assert.Equal(t, PeerReady, p)
	assert.Error(t, p.UnmarshalText([]byte("bogus")))

	assert.Equal(t, "invalid", Invalid.String())
}
