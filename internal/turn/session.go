package turn

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/pion/turn/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/relaytun/internal/worker"
)

var (
	// ErrNotAllocated is returned by SendTo before the allocation exists.
	ErrNotAllocated = errors.New("relay allocation not ready")
	// ErrSessionClosed is returned once Disconnect was called.
	ErrSessionClosed = errors.New("relay session closed")
)

// permitter is implemented by relay connections that install permissions
// explicitly. Without it, the permission is installed by the first send.
type permitter interface {
	CreatePermissions(addrs ...net.Addr) error
}

type session struct {
	cfg      Config
	conn     net.PacketConn
	server   netip.AddrPort
	username string
	password string
	log      zerolog.Logger

	events  chan worker.SessionEvent
	done    chan struct{}
	stopped sync.Once

	mu      sync.Mutex
	relay   net.PacketConn
	closing bool
	pending []netip.AddrPort
	perms   sync.WaitGroup
}

func newSession(cfg Config, conn net.PacketConn, server netip.AddrPort, username, password string) *session {
	return &session{
		cfg:      cfg,
		conn:     conn,
		server:   server,
		username: username,
		password: password,
		log:      log.With().Str("component", "turn").Str("server", server.String()).Logger(),
		events:   make(chan worker.SessionEvent, eventBuffer),
		done:     make(chan struct{}),
	}
}

func (s *session) Events() <-chan worker.SessionEvent {
	return s.events
}

func (s *session) AddPermission(peer netip.AddrPort) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	relay := s.relay
	if relay == nil {
		s.pending = append(s.pending, peer)
		s.mu.Unlock()
		return nil
	}
	s.perms.Add(1)
	s.mu.Unlock()

	go s.createPermission(relay, peer)
	return nil
}

func (s *session) SendTo(peer netip.AddrPort, payload []byte) error {
	s.mu.Lock()
	relay, closing := s.relay, s.closing
	s.mu.Unlock()

	switch {
	case closing:
		return ErrSessionClosed
	case relay == nil:
		return ErrNotAllocated
	}
	if _, err := relay.WriteTo(payload, net.UDPAddrFromAddrPort(peer)); err != nil {
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	return nil
}

func (s *session) Disconnect() error {
	s.stop()
	return nil
}

func (s *session) stop() {
	s.stopped.Do(func() { close(s.done) })
}

// emit delivers ev unless the session is being torn down.
func (s *session) emit(ev worker.SessionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *session) run() {
	released := make(chan struct{})
	go s.release(released)

	var client *turn.Client
	defer func() {
		s.stop()
		<-released
		if client != nil {
			client.Close()
		}
		s.perms.Wait()
		s.log.Debug().Msg("relay session ended")
		select {
		case s.events <- worker.SessionEvent{Kind: worker.SessionDisconnected}:
		default:
		}
		close(s.events)
	}()

	server, err := s.follow()
	if err != nil {
		select {
		case <-s.done:
		default:
			s.fail(err)
		}
		return
	}

	client, err = turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: server.String(),
		TURNServerAddr: server.String(),
		Username:       s.username,
		Password:       s.password,
		Realm:          s.cfg.Realm,
		Software:       s.cfg.Software,
		RTO:            s.cfg.RTO,
		Conn:           s.conn,
		LoggerFactory:  s.cfg.LoggerFactory,
	})
	if err != nil {
		s.fail(fmt.Errorf("create turn client: %w", err))
		return
	}
	if err := client.Listen(); err != nil {
		s.fail(fmt.Errorf("listen: %w", err))
		return
	}

	relay, err := client.Allocate()
	if err != nil {
		s.fail(fmt.Errorf("allocate: %w", err))
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = relay.Close()
		return
	}
	s.relay = relay
	pending := s.pending
	s.pending = nil
	s.perms.Add(len(pending))
	s.mu.Unlock()

	relayed := relayedAddr(relay.LocalAddr())
	s.log.Info().Str("relayed", relayed.String()).Msg("relay allocation granted")
	s.emit(worker.SessionEvent{Kind: worker.SessionAllocationGranted, Addr: relayed})

	for _, peer := range pending {
		go s.createPermission(relay, peer)
	}

	s.read(relay)
}

// follow resolves 300 Try Alternate answers before allocating. pion's
// Allocate does not surface them. Each redirect is reported as
// SessionRedirected and the returned server is where the allocation goes.
func (s *session) follow() (netip.AddrPort, error) {
	server := s.server
	for redirects := 0; ; redirects++ {
		alt, err := alternateServer(s.conn, server, s.cfg.RTO)
		if err != nil {
			return server, fmt.Errorf("allocate on %s: %w", server, err)
		}
		if !alt.IsValid() {
			return server, nil
		}
		if redirects == maxRedirects || alt == server {
			return server, fmt.Errorf("%w: %s points to %s", ErrTooManyRedirects, server, alt)
		}
		s.log.Info().Str("from", server.String()).Str("alternate", alt.String()).Msg("relay server redirected")
		s.emit(worker.SessionEvent{Kind: worker.SessionRedirected, Addr: alt})
		server = alt
	}
}

// release closes the allocation and the socket once the session stops, which
// also unblocks a pending Allocate or ReadFrom.
func (s *session) release(released chan<- struct{}) {
	defer close(released)
	<-s.done

	s.mu.Lock()
	s.closing = true
	relay := s.relay
	s.mu.Unlock()

	if relay != nil {
		if err := relay.Close(); err != nil {
			s.log.Debug().Err(err).Msg("release allocation failed")
		}
	}
	_ = s.conn.Close()
}

func (s *session) read(relay net.PacketConn) {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := relay.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(fmt.Errorf("read relay: %w", err))
			}
			return
		}
		peer := relayedAddr(from)
		if !peer.IsValid() {
			s.log.Debug().Stringer("from", from).Msg("dropping data from unknown address type")
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.emit(worker.SessionEvent{Kind: worker.SessionData, Addr: peer, Payload: payload})
	}
}

func (s *session) createPermission(relay net.PacketConn, peer netip.AddrPort) {
	defer s.perms.Done()
	p, ok := relay.(permitter)
	if !ok {
		s.emit(worker.SessionEvent{Kind: worker.SessionPermissionCreated, Addr: peer})
		return
	}
	if err := p.CreatePermissions(net.UDPAddrFromAddrPort(peer)); err != nil {
		s.log.Warn().Err(err).Str("peer", peer.String()).Msg("create permission failed")
		s.emit(worker.SessionEvent{Kind: worker.SessionPermissionDenied, Addr: peer, Err: err})
		return
	}
	s.emit(worker.SessionEvent{Kind: worker.SessionPermissionCreated, Addr: peer})
}

func (s *session) fail(err error) {
	s.log.Warn().Err(err).Msg("relay session failed")
	s.emit(worker.SessionEvent{Kind: worker.SessionError, Err: err})
}

func relayedAddr(addr net.Addr) netip.AddrPort {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return worker.Normalize(ua.AddrPort())
	}
	return netip.AddrPort{}
}
