// Package worker implements the relay tunnel core: a Coordinator that owns the
// set of peer tunnels, a RelayWorker that owns the single relay session and one
// PeerWorker per tunnel. The three only talk through the command bus, the
// downstream data bus, the upstream queue and the service event channel.
package worker

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const (
	// DefaultForwardAddr is the forward target used until ChangeFwdAddr is issued.
	DefaultForwardAddr = "127.0.0.1:34197"

	// DefaultRelayPort is assumed when a relay server is given without a port.
	DefaultRelayPort = 3478

	// DefaultCapacity is the buffer size of every channel in the core.
	DefaultCapacity = 255

	relayBindAddr  = "0.0.0.0:0"
	relayBindAddr6 = "[::]:0"
)

// Ephemeral local bind for peers without a pinned address.
var peerBindAddr = netip.MustParseAddrPort("127.0.0.1:0")

// DefaultForward returns DefaultForwardAddr as an address.
func DefaultForward() netip.AddrPort {
	return netip.MustParseAddrPort(DefaultForwardAddr)
}

// Normalize unmaps IPv4-mapped IPv6 addresses so that equal endpoints compare
// equal as map keys.
func Normalize(ap netip.AddrPort) netip.AddrPort {
	if !ap.IsValid() {
		return ap
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// ParseAddr parses "ip:port" and normalizes the result.
func ParseAddr(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return Normalize(ap), nil
}

// ParseForward parses a forward target. A bare port means loopback.
func ParseForward(s string) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	if port, err := strconv.ParseUint(s, 10, 16); err == nil {
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(port)), nil
	}
	return ParseAddr(s)
}

// Command is a directive broadcast to the coordinator and every worker. Each
// receiver acts on the subset relevant to it and ignores the rest.
type Command interface {
	// Name identifies the command kind in logs and metrics.
	Name() string
	isCommand()
}

// ConnectRelay opens the relay session.
type ConnectRelay struct {
	Server   string
	Username string
	Password string
}

// ConnectPeer creates a tunnel for PeerAddr and asks the relay for a
// permission. LocalAddr pins the local bind address; the zero value means an
// ephemeral address.
type ConnectPeer struct {
	PeerAddr  netip.AddrPort
	LocalAddr netip.AddrPort
}

// ChangeFwdAddr replaces the forward target of new and existing tunnels.
type ChangeFwdAddr struct {
	Addr netip.AddrPort
}

// DisconnectPeer tears down the tunnel for PeerAddr.
type DisconnectPeer struct {
	PeerAddr netip.AddrPort
}

// DisconnectAll tears down every tunnel and the relay session. Workers other
// than peers stay alive.
type DisconnectAll struct{}

// TerminateAll shuts the whole core down.
type TerminateAll struct{}

func (ConnectRelay) Name() string   { return "connect_relay" }
func (ConnectPeer) Name() string    { return "connect_peer" }
func (ChangeFwdAddr) Name() string  { return "change_fwd_addr" }
func (DisconnectPeer) Name() string { return "disconnect_peer" }
func (DisconnectAll) Name() string  { return "disconnect_all" }
func (TerminateAll) Name() string   { return "terminate_all" }

func (ConnectRelay) isCommand()   {}
func (ConnectPeer) isCommand()    {}
func (ChangeFwdAddr) isCommand()  {}
func (DisconnectPeer) isCommand() {}
func (DisconnectAll) isCommand()  {}
func (TerminateAll) isCommand()   {}

// EventKind enumerates the service events.
type EventKind int

const (
	KindRelayAllocated EventKind = iota + 1
	KindRelayDisconnected
	KindRelayConnectionFailed
	KindRelayRedirected
	KindRelayPeerGranted
	KindRelayPeerDenied
	KindPeerBound
	KindPeerBindFailed
	KindPeerUnbound
)

var kindNames = map[EventKind]string{
	KindRelayAllocated:        "relay_allocated",
	KindRelayDisconnected:     "relay_disconnected",
	KindRelayConnectionFailed: "relay_connection_failed",
	KindRelayRedirected:       "relay_redirected",
	KindRelayPeerGranted:      "relay_peer_granted",
	KindRelayPeerDenied:       "relay_peer_denied",
	KindPeerBound:             "peer_bound",
	KindPeerBindFailed:        "peer_bind_failed",
	KindPeerUnbound:           "peer_unbound",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", text)
}

// ServiceEvent is an outward status report. Addr is the relay or peer
// address, Local the bound address of PeerBound and Reason the failure text of
// RelayConnectionFailed.
type ServiceEvent struct {
	Kind   EventKind      `json:"kind"`
	Addr   netip.AddrPort `json:"addr,omitzero"`
	Local  netip.AddrPort `json:"local,omitzero"`
	Reason string         `json:"reason,omitempty"`
}

func (e ServiceEvent) String() string {
	switch e.Kind {
	case KindRelayDisconnected:
		return e.Kind.String()
	case KindRelayConnectionFailed:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	case KindPeerBound:
		return fmt.Sprintf("%s(%s <> %s)", e.Kind, e.Addr, e.Local)
	default:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Addr)
	}
}

func RelayAllocated(addr netip.AddrPort) ServiceEvent {
	return ServiceEvent{Kind: KindRelayAllocated, Addr: addr}
}

func RelayDisconnected() ServiceEvent {
	return ServiceEvent{Kind: KindRelayDisconnected}
}

func RelayConnectionFailed(reason string) ServiceEvent {
	return ServiceEvent{Kind: KindRelayConnectionFailed, Reason: reason}
}

func RelayRedirected(addr netip.AddrPort) ServiceEvent {
	return ServiceEvent{Kind: KindRelayRedirected, Addr: addr}
}

func RelayPeerGranted(peer netip.AddrPort) ServiceEvent {
	return ServiceEvent{Kind: KindRelayPeerGranted, Addr: peer}
}

func RelayPeerDenied(peer netip.AddrPort) ServiceEvent {
	return ServiceEvent{Kind: KindRelayPeerDenied, Addr: peer}
}

func PeerBound(peer, local netip.AddrPort) ServiceEvent {
	return ServiceEvent{Kind: KindPeerBound, Addr: peer, Local: local}
}

func PeerBindFailed(peer netip.AddrPort) ServiceEvent {
	return ServiceEvent{Kind: KindPeerBindFailed, Addr: peer}
}

func PeerUnbound(peer netip.AddrPort) ServiceEvent {
	return ServiceEvent{Kind: KindPeerUnbound, Addr: peer}
}

// DataEnvelope is one datagram on the upstream queue or downstream bus, tagged
// with the remote peer it came from or goes to.
type DataEnvelope struct {
	Peer    netip.AddrPort
	Payload []byte
}
