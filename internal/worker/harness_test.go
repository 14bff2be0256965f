package worker

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/relaytun/internal/bus"
	"github.com/tunnelmesh/relaytun/internal/metrics"
	"github.com/tunnelmesh/relaytun/testutil"
)

const waitTimeout = 2 * time.Second

type fakeSession struct {
	server   netip.AddrPort
	username string
	password string
	conn     net.PacketConn
	events   chan SessionEvent

	mu          sync.Mutex
	perms       []netip.AddrPort
	sent        []DataEnvelope
	disconnects int
	permErr     error
	closed      bool
}

func (s *fakeSession) Events() <-chan SessionEvent {
	return s.events
}

func (s *fakeSession) AddPermission(peer netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permErr != nil {
		return s.permErr
	}
	s.perms = append(s.perms, peer)
	return nil
}

func (s *fakeSession) SendTo(peer netip.AddrPort, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, DataEnvelope{Peer: peer, Payload: append([]byte(nil), payload...)})
	return nil
}

// Disconnect ends the event stream the way a real session does once its
// teardown completes.
func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	if !s.closed {
		s.closed = true
		close(s.events)
		_ = s.conn.Close()
	}
	return nil
}

func (s *fakeSession) push(ev SessionEvent) {
	s.events <- ev
}

func (s *fakeSession) permissions() []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]netip.AddrPort(nil), s.perms...)
}

func (s *fakeSession) sentData() []DataEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DataEnvelope(nil), s.sent...)
}

type fakeDialer struct {
	opened  chan *fakeSession
	permErr error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeSession, 4)}
}

func (d *fakeDialer) Open(conn net.PacketConn, server netip.AddrPort, username, password string) Session {
	s := &fakeSession{
		server:   server,
		username: username,
		password: password,
		conn:     conn,
		events:   make(chan SessionEvent, 16),
		permErr:  d.permErr,
	}
	d.opened <- s
	return s
}

type harness struct {
	t        *testing.T
	commands *bus.Bus[Command]
	events   *Events
	dialer   *fakeDialer
	metrics  *metrics.RelayMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		commands: bus.New[Command]("command", 64),
		events:   NewEvents(64),
		dialer:   newFakeDialer(),
		metrics:  metrics.New(prometheus.NewRegistry(), "test"),
	}
	t.Cleanup(h.events.Detach)
	return h
}

func (h *harness) send(cmd Command) {
	h.t.Helper()
	_, err := h.commands.Publish(cmd)
	require.NoError(h.t, err)
}

func (h *harness) nextEvent() ServiceEvent {
	h.t.Helper()
	select {
	case ev := <-h.events.C():
		return ev
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for service event")
		return ServiceEvent{}
	}
}

func (h *harness) expectEvent(want ServiceEvent) {
	h.t.Helper()
	require.Equal(h.t, want, h.nextEvent())
}

func (h *harness) expectNoEvent(d time.Duration) {
	h.t.Helper()
	select {
	case ev := <-h.events.C():
		h.t.Fatalf("unexpected service event %s", ev)
	case <-time.After(d):
	}
}

func (h *harness) opened() *fakeSession {
	h.t.Helper()
	select {
	case s := <-h.dialer.opened:
		return s
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for relay session")
		return nil
	}
}

// relayHarness runs a RelayWorker against the fake dialer.
type relayHarness struct {
	*harness
	upstream   chan DataEnvelope
	downstream *bus.Bus[DataEnvelope]
	task       *Task
}

func startRelay(t *testing.T, listen ListenPacketFunc) *relayHarness {
	t.Helper()
	h := newHarness(t)
	if listen == nil {
		listen = func(string, string) (net.PacketConn, error) {
			return &testutil.MockPacketConn{}, nil
		}
	}
	r := &relayHarness{
		harness:    h,
		upstream:   make(chan DataEnvelope, 16),
		downstream: bus.New[DataEnvelope]("downstream", 16),
	}
	w := NewRelayWorker(RelayConfig{
		Dialer:       h.dialer,
		Commands:     h.commands.Subscribe(),
		Upstream:     r.upstream,
		Downstream:   r.downstream,
		Events:       h.events,
		Metrics:      h.metrics,
		ListenPacket: listen,
	})
	r.task = Spawn("relay", w.Run)
	t.Cleanup(func() {
		h.commands.Close()
		select {
		case <-r.task.Done():
		case <-time.After(waitTimeout):
			t.Error("relay worker did not exit")
		}
	})
	return r
}

// allocate opens a session and completes its allocation.
func (r *relayHarness) allocate() *fakeSession {
	r.t.Helper()
	r.send(ConnectRelay{Server: "192.0.2.10:3478", Username: "alice", Password: "secret"})
	s := r.opened()
	relayed := netip.MustParseAddrPort("198.51.100.1:50000")
	s.push(SessionEvent{Kind: SessionAllocationGranted, Addr: relayed})
	r.expectEvent(RelayAllocated(relayed))
	return s
}

// grant requests and completes a permission for peer.
func (r *relayHarness) grant(s *fakeSession, peer netip.AddrPort) {
	r.t.Helper()
	before := len(s.permissions())
	r.send(ConnectPeer{PeerAddr: peer})
	require.Eventually(r.t, func() bool { return len(s.permissions()) == before+1 }, waitTimeout, 5*time.Millisecond)
	s.push(SessionEvent{Kind: SessionPermissionCreated, Addr: peer})
	r.expectEvent(RelayPeerGranted(peer))
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("task %s did not exit", task.Name())
	}
}
