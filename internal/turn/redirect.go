package turn

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"
)

const (
	// maxRedirects bounds how many 300 Try Alternate answers are followed.
	maxRedirects = 3

	defaultRTO      = 200 * time.Millisecond
	maxRTO          = 1600 * time.Millisecond
	allocateRetries = 7
)

var (
	// ErrTooManyRedirects ends a session whose server keeps redirecting.
	ErrTooManyRedirects = errors.New("too many TURN redirects")
	errNoAnswer         = errors.New("no answer to allocate request")
)

// protoUDP is the REQUESTED-TRANSPORT value for UDP (RFC 5766 section 14.7).
var protoUDP = stun.RawAttribute{Type: stun.AttrRequestedTransport, Value: []byte{17, 0, 0, 0}}

// alternateServer sends an unauthenticated Allocate to server over conn and
// returns the ALTERNATE-SERVER of a 300 Try Alternate answer. Any other answer,
// the usual 401 included, returns an invalid address. The read deadline of
// conn is cleared before returning.
func alternateServer(conn net.PacketConn, server netip.AddrPort, rto time.Duration) (netip.AddrPort, error) {
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	req, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodAllocate, stun.ClassRequest),
		protoUDP,
		stun.Fingerprint,
	)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("build allocate request: %w", err)
	}
	if rto <= 0 {
		rto = defaultRTO
	}

	to := net.UDPAddrFromAddrPort(server)
	buf := make([]byte, maxDatagram)
	for attempt := 0; attempt < allocateRetries; attempt++ {
		if _, err := conn.WriteTo(req.Raw, to); err != nil {
			return netip.AddrPort{}, fmt.Errorf("send allocate request: %w", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(rto)); err != nil {
			return netip.AddrPort{}, err
		}

		res, err := readResponse(conn, buf, req.TransactionID)
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			rto = min(2*rto, maxRTO)
			continue
		case err != nil:
			return netip.AddrPort{}, err
		}
		return tryAlternate(res)
	}
	return netip.AddrPort{}, fmt.Errorf("%w from %s", errNoAnswer, server)
}

// readResponse reads until the answer to transaction id arrives. Unrelated
// datagrams are skipped.
func readResponse(conn net.PacketConn, buf []byte, id [stun.TransactionIDSize]byte) (*stun.Message, error) {
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		msg := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := msg.Decode(); err != nil || msg.TransactionID != id {
			continue
		}
		return msg, nil
	}
}

func tryAlternate(res *stun.Message) (netip.AddrPort, error) {
	if res.Type.Class != stun.ClassErrorResponse {
		return netip.AddrPort{}, nil
	}
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(res); err != nil || code.Code != stun.CodeTryAlternate {
		return netip.AddrPort{}, nil
	}

	var alt stun.AlternateServer
	if err := alt.GetFrom(res); err != nil {
		return netip.AddrPort{}, fmt.Errorf("try alternate without alternate server: %w", err)
	}
	ip, ok := netip.AddrFromSlice(alt.IP)
	if !ok || alt.Port <= 0 || alt.Port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("invalid alternate server %v:%d", alt.IP, alt.Port)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(alt.Port)), nil
}
