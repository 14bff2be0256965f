package worker

import (
	"cmp"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/relaytun/testutil"
)

func newTestCoordinator(h *harness) *Coordinator {
	return NewCoordinator(Config{
		Commands: h.commands,
		Events:   h.events,
		Dialer:   h.dialer,
		Metrics:  h.metrics,
		ListenPacket: func(string, string) (net.PacketConn, error) {
			return &testutil.MockPacketConn{}, nil
		},
	})
}

// runCoordinator runs c.Run in the background and returns its result channel.
func runCoordinator(t *testing.T, c *Coordinator) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run() }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("coordinator did not exit")
		return nil
	}
}

// eventLog consumes service events in the background.
type eventLog struct {
	mu     sync.Mutex
	events []ServiceEvent
	stop   chan struct{}
	done   chan struct{}
}

func collectEvents(events *Events) *eventLog {
	l := &eventLog{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for {
			select {
			case ev := <-events.C():
				l.mu.Lock()
				l.events = append(l.events, ev)
				l.mu.Unlock()
			case <-l.stop:
				return
			}
		}
	}()
	return l
}

func (l *eventLog) close() {
	close(l.stop)
	<-l.done
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) has(want ServiceEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.events, want)
}

func peerKeys(c *Coordinator) []netip.AddrPort {
	keys := make([]netip.AddrPort, 0, len(c.peers))
	for k := range c.peers {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b netip.AddrPort) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return cmp.Compare(a.Port(), b.Port())
	})
	return keys
}

func TestCoordinator_PeerMapTracksUnmatchedConnects(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	log := collectEvents(h.events)
	defer log.close()
	c.start()

	addrs := make([]netip.AddrPort, 4)
	for i := range addrs {
		addrs[i] = netip.MustParseAddrPort(fmt.Sprintf("203.0.113.%d:4000%d", i+1, i))
	}

	step := func(cmd Command) {
		h.send(cmd)
		done, err := c.step()
		require.NoError(t, err)
		require.False(t, done)
	}

	rng := rand.New(rand.NewSource(7))
	model := make(map[netip.AddrPort]bool)
	for i := 0; i < 60; i++ {
		addr := addrs[rng.Intn(len(addrs))]
		if model[addr] {
			step(DisconnectPeer{PeerAddr: addr})
			delete(model, addr)
		} else {
			step(ConnectPeer{PeerAddr: addr})
			model[addr] = true
		}

		var want []netip.AddrPort
		for _, a := range addrs {
			if model[a] {
				want = append(want, a)
			}
		}
		if want == nil {
			want = []netip.AddrPort{}
		}
		require.Equal(t, want, peerKeys(c), "after step %d", i)
	}

	h.send(TerminateAll{})
	done, err := c.step()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, c.peers)
	assert.True(t, c.relay.Finished())
}

func TestCoordinator_NewPeerReplaysCommandsFromItsConnect(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	log := collectEvents(h.events)
	defer log.close()
	c.start()

	// Both are published before the coordinator spawns the worker
	h.send(ConnectPeer{PeerAddr: peerA})
	h.send(DisconnectPeer{PeerAddr: peerA})

	for i := 0; i < 2; i++ {
		done, err := c.step()
		require.NoError(t, err)
		require.False(t, done)
	}

	assert.Empty(t, c.peers)
	assert.Eventually(t, func() bool { return log.count(KindPeerUnbound) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, log.count(KindPeerBound))

	h.send(TerminateAll{})
	_, err := c.step()
	require.NoError(t, err)
}

func TestCoordinator_DuplicateConnectRejected(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	log := collectEvents(h.events)
	defer log.close()
	c.start()

	h.send(ConnectPeer{PeerAddr: peerA})
	_, err := c.step()
	require.NoError(t, err)
	first := c.peers[peerA]

	h.send(ConnectPeer{PeerAddr: peerA})
	_, err = c.step()
	require.NoError(t, err)

	assert.Same(t, first, c.peers[peerA])
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.RejectedDuplicate))

	h.send(TerminateAll{})
	done, err := c.step()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCoordinator_FinishedPeerIsReaped(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	log := collectEvents(h.events)
	defer log.close()
	c.start()

	busy := testutil.ListenUDP(t)
	pinned := testutil.LocalAddrPort(busy)

	h.send(ConnectPeer{PeerAddr: peerA, LocalAddr: pinned})
	_, err := c.step()
	require.NoError(t, err)
	failed := c.peers[peerA]
	waitDone(t, failed)
	require.Eventually(t, func() bool { return log.has(PeerBindFailed(peerA)) }, waitTimeout, 5*time.Millisecond)

	h.send(ConnectPeer{PeerAddr: peerA})
	_, err = c.step()
	require.NoError(t, err)

	assert.NotSame(t, failed, c.peers[peerA])
	assert.Zero(t, promtest.ToFloat64(h.metrics.RejectedDuplicate))
	assert.Eventually(t, func() bool { return log.count(KindPeerBound) == 1 }, waitTimeout, 5*time.Millisecond)

	h.send(TerminateAll{})
	_, err = c.step()
	require.NoError(t, err)
}

func TestCoordinator_ReconnectAfterForwardLoopReplacesWorker(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	log := collectEvents(h.events)
	defer log.close()
	c.start()

	step := func() {
		t.Helper()
		done, err := c.step()
		require.NoError(t, err)
		require.False(t, done)
	}

	local := testutil.FreeUDPAddr(t)
	h.send(ConnectPeer{PeerAddr: peerA, LocalAddr: local})
	step()
	require.Eventually(t, func() bool { return log.has(PeerBound(peerA, local)) }, waitTimeout, 5*time.Millisecond)

	const rounds = 10
	for i := 0; i < rounds; i++ {
		prev := c.peers[peerA]
		next := testutil.FreeUDPAddr(t)

		// The old worker may still be running when the connect is handled.
		h.send(ChangeFwdAddr{Addr: local})
		h.send(ConnectPeer{PeerAddr: peerA, LocalAddr: next})
		step()
		step()

		require.NotSame(t, prev, c.peers[peerA], "round %d", i)
		require.True(t, prev.Finished(), "round %d", i)
		require.Eventually(t, func() bool { return log.has(PeerBound(peerA, next)) }, waitTimeout, 5*time.Millisecond,
			"round %d", i)
		local = next
	}

	assert.Zero(t, promtest.ToFloat64(h.metrics.RejectedDuplicate))
	assert.Equal(t, rounds+1, log.count(KindPeerBound))

	h.send(TerminateAll{})
	_, err := c.step()
	require.NoError(t, err)
}

func TestCoordinator_DuplicateWaitsForEarlierCommands(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	log := collectEvents(h.events)
	defer log.close()
	c.start()

	h.send(ConnectPeer{PeerAddr: peerA})
	_, err := c.step()
	require.NoError(t, err)
	first := c.peers[peerA]

	fwd := testutil.FreeUDPAddr(t)
	h.send(ChangeFwdAddr{Addr: fwd})
	h.send(ConnectPeer{PeerAddr: peerA})
	for i := 0; i < 2; i++ {
		_, err = c.step()
		require.NoError(t, err)
	}

	assert.Same(t, first, c.peers[peerA])
	assert.False(t, first.Finished())
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.RejectedDuplicate))

	h.send(TerminateAll{})
	_, err = c.step()
	require.NoError(t, err)
}

func TestCoordinator_DisconnectGivesUpOnStuckWorker(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	c.joinTimeout = 20 * time.Millisecond
	c.start()

	release := make(chan struct{})
	stuck := Spawn("stuck", func() { <-release })
	c.peers[peerA] = stuck
	defer func() {
		close(release)
		waitDone(t, stuck)
		h.commands.Close()
		waitDone(t, c.relay)
	}()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		done, err := c.handle(1, DisconnectPeer{PeerAddr: peerA})
		assert.NoError(t, err)
		assert.False(t, done)
	}()

	select {
	case <-finished:
	case <-time.After(waitTimeout):
		t.Fatal("disconnect blocked on a worker that never exits")
	}
	assert.Same(t, stuck, c.peers[peerA], "a running tunnel stays tracked")
}

func TestCoordinator_ForwardAddressAppliesToNewPeers(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	log := collectEvents(h.events)
	defer log.close()
	c.start()

	fwd := testutil.ListenUDP(t)
	h.send(ChangeFwdAddr{Addr: testutil.LocalAddrPort(fwd)})
	_, err := c.step()
	require.NoError(t, err)
	assert.Equal(t, testutil.LocalAddrPort(fwd), c.fwd)

	h.send(ConnectPeer{PeerAddr: peerA})
	_, err = c.step()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return log.count(KindPeerBound) == 1 }, waitTimeout, 5*time.Millisecond)

	_, _ = c.Downstream().Publish(DataEnvelope{Peer: peerA, Payload: []byte("relayed")})
	got, ok := readUDP(t, fwd, waitTimeout)
	require.True(t, ok)
	assert.Equal(t, "relayed", got)

	h.send(TerminateAll{})
	_, err = c.step()
	require.NoError(t, err)
}

func TestCoordinator_SelfLoopPeerFailsToBind(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	log := collectEvents(h.events)
	defer log.close()
	c.start()

	addr := testutil.FreeUDPAddr(t)
	h.send(ChangeFwdAddr{Addr: addr})
	h.send(ConnectPeer{PeerAddr: peerA, LocalAddr: addr})
	for i := 0; i < 2; i++ {
		_, err := c.step()
		require.NoError(t, err)
	}

	waitDone(t, c.peers[peerA])
	require.Eventually(t, func() bool { return log.has(PeerBindFailed(peerA)) }, waitTimeout, 5*time.Millisecond)
	assert.Zero(t, log.count(KindPeerBound))

	h.send(TerminateAll{})
	_, err := c.step()
	require.NoError(t, err)
}

func TestCoordinator_TerminateAllDrainsPeersAndRelay(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	done := runCoordinator(t, c)

	h.send(ConnectRelay{Server: "192.0.2.10:3478", Username: "alice", Password: "secret"})
	s := h.opened()
	relayed := netip.MustParseAddrPort("198.51.100.1:50000")
	s.push(SessionEvent{Kind: SessionAllocationGranted, Addr: relayed})
	h.expectEvent(RelayAllocated(relayed))

	h.send(ConnectPeer{PeerAddr: peerA})
	h.send(ConnectPeer{PeerAddr: peerB})
	require.Eventually(t, func() bool { return len(s.permissions()) == 2 }, waitTimeout, 5*time.Millisecond)
	s.push(SessionEvent{Kind: SessionPermissionCreated, Addr: peerA})
	s.push(SessionEvent{Kind: SessionPermissionCreated, Addr: peerB})

	seen := make(map[EventKind]int)
	for seen[KindPeerBound] < 2 || seen[KindRelayPeerGranted] < 2 {
		seen[h.nextEvent().Kind]++
	}

	log := collectEvents(h.events)
	h.send(TerminateAll{})
	require.NoError(t, waitRun(t, done))
	log.close()
	for len(h.events.C()) > 0 {
		ev := <-h.events.C()
		log.events = append(log.events, ev)
	}

	assert.True(t, log.has(PeerUnbound(peerA)))
	assert.True(t, log.has(PeerUnbound(peerB)))
	assert.Equal(t, 2, log.count(KindPeerUnbound))
	assert.Equal(t, 1, log.count(KindRelayDisconnected))
	assert.True(t, c.relay.Finished())
	assert.Empty(t, c.peers)
	assert.Zero(t, promtest.ToFloat64(h.metrics.ActivePeers))
}

func TestCoordinator_DisconnectAllKeepsRelayWorker(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	done := runCoordinator(t, c)

	h.send(ConnectRelay{Server: "192.0.2.10:3478"})
	first := h.opened()
	first.push(SessionEvent{Kind: SessionAllocationGranted, Addr: netip.MustParseAddrPort("198.51.100.1:50000")})
	h.send(ConnectPeer{PeerAddr: peerA})

	seen := make(map[EventKind]int)
	for seen[KindRelayAllocated] < 1 || seen[KindPeerBound] < 1 {
		seen[h.nextEvent().Kind]++
	}

	h.send(DisconnectAll{})
	for seen[KindPeerUnbound] < 1 || seen[KindRelayDisconnected] < 1 {
		seen[h.nextEvent().Kind]++
	}

	h.send(ConnectRelay{Server: "192.0.2.10:3478"})
	second := h.opened()
	assert.NotSame(t, first, second)

	h.send(TerminateAll{})
	require.NoError(t, waitRun(t, done))
}

func TestCoordinator_ClosedCommandBusTerminates(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	done := runCoordinator(t, c)

	h.commands.Close()

	require.NoError(t, waitRun(t, done))
	assert.True(t, c.relay.Finished())
}

func TestCoordinator_JoinFailureFatalOnlyWhileDraining(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	c.start()
	defer func() {
		h.commands.Close()
		waitDone(t, c.relay)
	}()

	c.peers[peerA] = Spawn("broken", func() { panic("boom") })
	done, err := c.handle(1, DisconnectPeer{PeerAddr: peerA})
	assert.NoError(t, err)
	assert.False(t, done)
	assert.Empty(t, c.peers)

	c.peers[peerB] = Spawn("broken", func() { panic("boom") })
	done, err = c.handle(2, DisconnectAll{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.True(t, done)
}

func TestCoordinator_DisconnectUnknownPeerIsLogged(t *testing.T) {
	h := newHarness(t)
	c := newTestCoordinator(h)
	c.start()
	defer func() {
		h.commands.Close()
		waitDone(t, c.relay)
	}()

	done, err := c.handle(1, DisconnectPeer{PeerAddr: peerA})
	assert.NoError(t, err)
	assert.False(t, done)
}
