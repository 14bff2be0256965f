package turn

import (
	"net"
	"net/netip"
	"testing"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/relaytun/internal/worker"
)

// startRedirector answers every Allocate with 300 Try Alternate pointing at
// alt. An invalid alt points back at the redirector itself.
func startRedirector(t *testing.T, alt netip.AddrPort) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	self := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	if !alt.IsValid() {
		alt = self
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if req.Decode() != nil || req.Type.Method != stun.MethodAllocate {
				continue
			}
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse),
				stun.CodeTryAlternate,
				&stun.AlternateServer{IP: alt.Addr().AsSlice(), Port: int(alt.Port())},
				stun.Fingerprint,
			)
			if err != nil {
				return
			}
			_, _ = conn.WriteTo(res.Raw, from)
		}
	}()
	return self
}

func countKind(events []worker.SessionEvent, kind worker.SessionEventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestSession_FollowsTryAlternate(t *testing.T) {
	server := startServer(t)
	front := startRedirector(t, server)
	s := open(t, front, testPassword)

	ev := await(t, s, worker.SessionRedirected)
	assert.Equal(t, server, ev.Addr)

	alloc := await(t, s, worker.SessionAllocationGranted)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), alloc.Addr.Addr())
}

func TestSession_RedirectChainIsBounded(t *testing.T) {
	next := startServer(t)
	for i := 0; i <= maxRedirects; i++ {
		next = startRedirector(t, next)
	}
	s := open(t, next, testPassword)

	events := drain(t, s)
	assert.Equal(t, maxRedirects, countKind(events, worker.SessionRedirected))
	assert.Zero(t, countKind(events, worker.SessionAllocationGranted))

	var failed *worker.SessionEvent
	for i := range events {
		if events[i].Kind == worker.SessionError {
			failed = &events[i]
		}
	}
	require.NotNil(t, failed)
	assert.ErrorIs(t, failed.Err, ErrTooManyRedirects)
}

func TestSession_RedirectToSelfFails(t *testing.T) {
	loop := startRedirector(t, netip.AddrPort{})
	s := open(t, loop, testPassword)

	events := drain(t, s)
	assert.Zero(t, countKind(events, worker.SessionRedirected))
	require.NotEmpty(t, events)
	assert.Equal(t, worker.SessionError, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, ErrTooManyRedirects)
}

func TestTryAlternate(t *testing.T) {
	build := func(t *testing.T, setters ...stun.Setter) *stun.Message {
		t.Helper()
		m, err := stun.Build(append([]stun.Setter{stun.TransactionID}, setters...)...)
		require.NoError(t, err)
		return m
	}
	errorType := stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse)

	alt, err := tryAlternate(build(t, errorType, stun.CodeTryAlternate,
		&stun.AlternateServer{IP: net.ParseIP("192.0.2.20"), Port: 3479}))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.20:3479"), alt)

	alt, err = tryAlternate(build(t, errorType, stun.CodeUnauthorized))
	require.NoError(t, err)
	assert.False(t, alt.IsValid(), "401 is the normal first answer")

	alt, err = tryAlternate(build(t, stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse)))
	require.NoError(t, err)
	assert.False(t, alt.IsValid())

	_, err = tryAlternate(build(t, errorType, stun.CodeTryAlternate))
	assert.Error(t, err)
}
