package worker

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/relaytun/internal/bus"
	"github.com/tunnelmesh/relaytun/internal/metrics"
)

// ListenPacketFunc binds a local packet socket.
type ListenPacketFunc func(network, address string) (net.PacketConn, error)

// RelayConfig holds the collaborators of a RelayWorker.
type RelayConfig struct {
	Dialer     Dialer
	Commands   *bus.Subscription[Command]
	Upstream   <-chan DataEnvelope
	Downstream *bus.Bus[DataEnvelope]
	Events     *Events
	Metrics    *metrics.RelayMetrics

	// ListenPacket binds the session socket. Defaults to net.ListenPacket.
	ListenPacket ListenPacketFunc
}

// RelayWorker owns the single relay session. It maps session events to
// service events, publishes inbound data on the downstream bus and relays
// upstream data for granted peers.
type RelayWorker struct {
	dialer     Dialer
	commands   *bus.Subscription[Command]
	cmdC       <-chan bus.Envelope[Command]
	upstream   <-chan DataEnvelope
	downstream *bus.Bus[DataEnvelope]
	events     *Events
	metrics    *metrics.RelayMetrics
	listen     ListenPacketFunc
	log        zerolog.Logger

	state         RelayState
	server        netip.AddrPort
	session       Session
	sessionC      <-chan SessionEvent
	granted       map[netip.AddrPort]struct{}
	willTerminate bool
	disconnecting bool
	failure       string
	lagged        uint64
}

// NewRelayWorker creates a relay worker. The command subscription must be
// taken before any command the worker has to see is published.
func NewRelayWorker(cfg RelayConfig) *RelayWorker {
	listen := cfg.ListenPacket
	if listen == nil {
		listen = net.ListenPacket
	}
	return &RelayWorker{
		dialer:     cfg.Dialer,
		commands:   cfg.Commands,
		cmdC:       cfg.Commands.C(),
		upstream:   cfg.Upstream,
		downstream: cfg.Downstream,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		listen:     listen,
		log:        log.With().Str("worker", "relay").Logger(),
		granted:    make(map[netip.AddrPort]struct{}),
	}
}

// Run is the worker body. It returns after TerminateAll has been honoured or
// an unrecoverable error occurred.
func (w *RelayWorker) Run() {
	w.log.Info().Msg("relay worker started")
	defer w.cleanup()
	loop(w.log, w.metrics, "relay", w.step)
	w.log.Info().Msg("relay worker stopped")
}

func (w *RelayWorker) cleanup() {
	if w.session != nil {
		if err := w.session.Disconnect(); err != nil {
			w.log.Debug().Err(err).Msg("disconnect on exit failed")
		}
		w.session, w.sessionC = nil, nil
	}
	w.commands.Close()
	w.metrics.RelayState.Set(float64(RelayStateDisconnected))
	w.metrics.GrantedPeers.Set(0)
}

func (w *RelayWorker) step() (Outcome, error) {
	select {
	case env, ok := <-w.cmdC:
		if !ok {
			w.cmdC = nil
			w.log.Warn().Msg("command bus closed, terminating")
			return w.handleCommand(TerminateAll{})
		}
		w.lagged = checkLag(w.log, "command", w.commands.Dropped(), w.lagged)
		return w.handleCommand(env.Msg)

	case ev, ok := <-w.sessionC:
		if !ok {
			return w.endSession()
		}
		return w.handleSessionEvent(ev)

	case env, ok := <-w.upstream:
		if !ok {
			w.upstream = nil
			return Continue, nil
		}
		return w.forward(env)
	}
}

func (w *RelayWorker) handleCommand(cmd Command) (Outcome, error) {
	switch c := cmd.(type) {
	case ConnectRelay:
		return w.connect(c)

	case ConnectPeer:
		return w.permit(Normalize(c.PeerAddr))

	case DisconnectAll:
		if w.session == nil {
			return Continue, nil
		}
		w.log.Info().Msg("disconnecting relay session")
		w.disconnecting = true
		if err := w.session.Disconnect(); err != nil {
			return Continue, Recoverable(fmt.Errorf("disconnect relay session: %w", err))
		}
		return Continue, nil

	case TerminateAll:
		w.willTerminate = true
		if w.session == nil {
			return Terminate, nil
		}
		w.disconnecting = true
		w.log.Info().Msg("terminating relay session")
		if err := w.session.Disconnect(); err != nil {
			return Terminate, Unrecoverable(fmt.Errorf("disconnect relay session: %w", err))
		}
		return Continue, nil

	default:
		return Continue, nil
	}
}

func (w *RelayWorker) connect(c ConnectRelay) (Outcome, error) {
	if w.session != nil {
		return Terminate, Unrecoverable(fmt.Errorf("connect to %s while a relay session is %s", c.Server, w.state))
	}

	server, err := ResolveServer(c.Server)
	if err != nil {
		return w.connectFailed(err)
	}

	network, bind := relaySocket(server)
	conn, err := w.listen(network, bind)
	if err != nil {
		return w.connectFailed(fmt.Errorf("bind relay socket: %w", err))
	}

	if err := w.transition(RelayStateConnecting); err != nil {
		_ = conn.Close()
		return Continue, Recoverable(err)
	}
	w.server = server
	w.session = w.dialer.Open(conn, server, c.Username, c.Password)
	w.sessionC = w.session.Events()

	w.log.Info().
		Str("server", server.String()).
		Str("local", conn.LocalAddr().String()).
		Str("username", c.Username).
		Msg("opening relay session")
	return Continue, nil
}

func (w *RelayWorker) connectFailed(err error) (Outcome, error) {
	if emitErr := w.emit(RelayConnectionFailed(err.Error())); emitErr != nil {
		return Terminate, emitErr
	}
	return Continue, Recoverable(err)
}

func (w *RelayWorker) permit(peer netip.AddrPort) (Outcome, error) {
	if w.session == nil {
		return Continue, w.emit(RelayDisconnected())
	}

	if _, ok := w.granted[peer]; ok {
		return Continue, w.emit(RelayPeerGranted(peer))
	}

	if err := w.session.AddPermission(peer); err != nil {
		if emitErr := w.emit(RelayPeerDenied(peer)); emitErr != nil {
			return Terminate, emitErr
		}
		return Continue, Recoverable(fmt.Errorf("request permission for %s: %w", peer, err))
	}
	w.log.Debug().Str("peer", peer.String()).Msg("permission requested")
	return Continue, nil
}

func (w *RelayWorker) handleSessionEvent(ev SessionEvent) (Outcome, error) {
	switch ev.Kind {
	case SessionAllocationGranted:
		if err := w.transition(RelayStateAllocated); err != nil {
			return Continue, Recoverable(err)
		}
		w.log.Info().Str("relayed", ev.Addr.String()).Msg("relay allocation granted")
		return Continue, w.emit(RelayAllocated(ev.Addr))

	case SessionData:
		peer := Normalize(ev.Addr)
		n, err := w.downstream.Publish(DataEnvelope{Peer: peer, Payload: ev.Payload})
		if err != nil {
			return Continue, Recoverable(fmt.Errorf("publish downstream data from %s: %w", peer, err))
		}
		if n == 0 {
			w.log.Debug().Str("peer", peer.String()).Int("len", len(ev.Payload)).Msg("no tunnel for inbound data")
		}
		return Continue, nil

	case SessionRedirected:
		w.log.Info().Str("from", w.server.String()).Str("server", ev.Addr.String()).Msg("relay redirected")
		w.server = Normalize(ev.Addr)
		return Continue, w.emit(RelayRedirected(ev.Addr))

	case SessionPermissionCreated:
		peer := Normalize(ev.Addr)
		w.granted[peer] = struct{}{}
		w.metrics.GrantedPeers.Set(float64(len(w.granted)))
		w.log.Info().Str("peer", peer.String()).Msg("permission granted")
		return Continue, w.emit(RelayPeerGranted(peer))

	case SessionPermissionDenied:
		peer := Normalize(ev.Addr)
		delete(w.granted, peer)
		w.metrics.GrantedPeers.Set(float64(len(w.granted)))
		w.log.Warn().Str("peer", peer.String()).Msg("permission denied")
		return Continue, w.emit(RelayPeerDenied(peer))

	case SessionDisconnected:
		return w.endSession()

	case SessionError:
		err := ev.Err
		if err == nil {
			err = errors.New("unspecified relay error")
		}
		if w.state == RelayStateConnecting && w.failure == "" {
			w.failure = err.Error()
			if dErr := w.session.Disconnect(); dErr != nil {
				w.log.Debug().Err(dErr).Msg("disconnect after failed allocation")
			}
		}
		return Continue, Recoverable(fmt.Errorf("relay session: %w", err))

	default:
		return Continue, Recoverable(fmt.Errorf("unknown session event %d", ev.Kind))
	}
}

// endSession handles both an explicit disconnect event and the end of the
// event stream. The session handle is dropped before anything is emitted so a
// ConnectRelay issued in reaction is accepted. A session the operator closed
// while connecting ends without a failure.
func (w *RelayWorker) endSession() (Outcome, error) {
	failure := w.failure
	if failure == "" && w.state == RelayStateConnecting && !w.disconnecting {
		failure = "relay session closed before allocation"
	}

	w.session, w.sessionC, w.failure, w.disconnecting = nil, nil, "", false
	clear(w.granted)
	w.metrics.GrantedPeers.Set(0)
	if err := w.transition(RelayStateDisconnected); err != nil {
		w.log.Debug().Err(err).Msg("session ended")
	}
	w.log.Info().Str("server", w.server.String()).Bool("terminating", w.willTerminate).Msg("relay session ended")

	if failure != "" {
		if err := w.emit(RelayConnectionFailed(failure)); err != nil {
			return Terminate, err
		}
	}
	if err := w.emit(RelayDisconnected()); err != nil {
		return Terminate, err
	}
	if w.willTerminate {
		return Terminate, nil
	}
	return Continue, nil
}

func (w *RelayWorker) forward(env DataEnvelope) (Outcome, error) {
	if w.session == nil {
		w.metrics.DroppedNoSession.Inc()
		w.log.Trace().Str("peer", env.Peer.String()).Msg("no relay session, dropping packet")
		return Continue, nil
	}
	if _, ok := w.granted[env.Peer]; !ok {
		w.metrics.DroppedUngranted.Inc()
		w.log.Trace().Str("peer", env.Peer.String()).Msg("peer not granted, dropping packet")
		return Continue, nil
	}
	if err := w.session.SendTo(env.Peer, env.Payload); err != nil {
		return Continue, Recoverable(fmt.Errorf("send to %s: %w", env.Peer, err))
	}
	return Continue, nil
}

func (w *RelayWorker) transition(to RelayState) error {
	from := w.state
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return &TransitionError{From: from, To: to}
	}
	w.state = to
	w.metrics.RelayState.Set(float64(to))
	w.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("relay state transition")
	return nil
}

func (w *RelayWorker) emit(ev ServiceEvent) error {
	if err := w.events.Emit(ev); err != nil {
		return Unrecoverable(fmt.Errorf("emit %s: %w", ev.Kind, err))
	}
	return nil
}

// relaySocket returns the network and bind address of a session socket for
// server.
func relaySocket(server netip.AddrPort) (network, bind string) {
	if server.Addr().Is6() {
		return "udp6", relayBindAddr6
	}
	return "udp4", relayBindAddr
}

// ResolveServer turns a relay server name into an address. A missing port
// defaults to DefaultRelayPort.
func ResolveServer(server string) (netip.AddrPort, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return netip.AddrPort{}, errors.New("empty relay server address")
	}
	if ap, err := netip.ParseAddrPort(server); err == nil {
		return Normalize(ap), nil
	}
	if addr, err := netip.ParseAddr(strings.Trim(server, "[]")); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), DefaultRelayPort), nil
	}

	host, port, err := net.SplitHostPort(server)
	if err != nil {
		host, port = server, strconv.Itoa(DefaultRelayPort)
	}
	if host == "" {
		return netip.AddrPort{}, fmt.Errorf("relay server %q has no host", server)
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve relay server %q: %w", server, err)
	}
	return Normalize(udpAddr.AddrPort()), nil
}
