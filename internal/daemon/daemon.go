// Package daemon wires the worker core to its outer surfaces: the control
// socket, the status tracker, the TURN dialer and the metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/relaytun/internal/admin"
	"github.com/tunnelmesh/relaytun/internal/bus"
	"github.com/tunnelmesh/relaytun/internal/config"
	"github.com/tunnelmesh/relaytun/internal/control"
	"github.com/tunnelmesh/relaytun/internal/metrics"
	"github.com/tunnelmesh/relaytun/internal/netmon"
	"github.com/tunnelmesh/relaytun/internal/status"
	"github.com/tunnelmesh/relaytun/internal/turn"
	"github.com/tunnelmesh/relaytun/internal/worker"
)

var (
	ErrRelayBusy         = errors.New("relay session already active")
	ErrRelayNotConnected = errors.New("relay is not connected")
	ErrPeerActive        = errors.New("peer tunnel already active")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrNoRelayServer     = errors.New("no relay server given or configured")
	ErrStopped           = errors.New("daemon stopped")
)

// Options overrides collaborators of a Daemon. The zero value is the
// production setup.
type Options struct {
	// Dialer opens relay sessions. Defaults to a TURN dialer.
	Dialer worker.Dialer

	// Registry receives the daemon's metrics. Defaults to metrics.Registry.
	Registry *prometheus.Registry

	// Instance labels every metric. Defaults to the host name.
	Instance string

	ListenPacket worker.ListenPacketFunc

	// Network reports host network changes when
	// relay.reconnect_on_network_change is set. Defaults to netmon.New.
	Network netmon.Watcher

	// Discoverer resolves bare relay host names through SRV records when
	// relay.srv_discovery is set. Defaults to a turn.Discoverer.
	Discoverer Discoverer
}

// Discoverer maps a domain to the "host:port" of its TURN server.
type Discoverer interface {
	Discover(ctx context.Context, domain string) (string, error)
}

const discoverTimeout = 3 * time.Second

// Daemon runs one worker core and serves it over the control socket.
type Daemon struct {
	cfg      *config.Config
	commands *bus.Bus[worker.Command]
	events   *worker.Events
	coord    *worker.Coordinator
	tracker  *status.Tracker
	metrics  *metrics.RelayMetrics
	control  *control.Server
	admin    *admin.Server
	network  netmon.Watcher
	discover Discoverer
	log      zerolog.Logger

	// mu orders operator intents against applied events.
	mu          sync.Mutex
	sessionLive bool
	stopped     bool
	wantRelay   bool                 // operator asked for a session and has not dropped it
	lastRelay   *worker.ConnectRelay // last accepted relay connect

	watchMu        sync.Mutex
	watchers       map[string]chan worker.ServiceEvent
	watchersClosed bool

	autoconnected bool // pump goroutine only
	coordDone     chan struct{}
}

// New builds a daemon from a validated configuration. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	fwd, err := cfg.ForwardAddr()
	if err != nil {
		return nil, fmt.Errorf("invalid forward: %w", err)
	}

	reg := opts.Registry
	if reg == nil {
		reg = metrics.Registry
	}
	instance := opts.Instance
	if instance == "" {
		instance, _ = os.Hostname()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = turn.NewDialer(turn.Config{Realm: cfg.Relay.Realm})
	}

	d := &Daemon{
		cfg:       cfg,
		commands:  bus.New[worker.Command]("commands", cfg.Channels.Command),
		events:    worker.NewEvents(cfg.Channels.Service),
		tracker:   status.NewTracker(fwd),
		metrics:   metrics.New(reg, instance),
		log:       log.With().Str("component", "daemon").Logger(),
		watchers:  make(map[string]chan worker.ServiceEvent),
		coordDone: make(chan struct{}),
	}
	d.coord = worker.NewCoordinator(worker.Config{
		Commands:           d.commands,
		Events:             d.events,
		Dialer:             dialer,
		Metrics:            d.metrics,
		FwdAddr:            fwd,
		UpstreamCapacity:   cfg.Channels.Data,
		DownstreamCapacity: cfg.Channels.Data,
		ListenPacket:       opts.ListenPacket,
	})
	d.control = control.NewServer(cfg.Control.Socket, d)
	if cfg.IsMetricsEnabled() {
		d.admin = admin.NewServer(reg, d.health)
		d.admin.HandleEvents(d)
	}
	if cfg.Relay.SRVDiscovery {
		d.discover = opts.Discoverer
		if d.discover == nil {
			disc, err := turn.NewDiscoverer(cfg.Relay.NameServer)
			if err != nil {
				d.log.Warn().Err(err).Msg("SRV discovery unavailable")
			} else {
				d.discover = disc
			}
		}
	}
	if cfg.Relay.ReconnectOnNetworkChange {
		d.network = opts.Network
		if d.network == nil {
			if d.network, err = netmon.New(netmon.DefaultConfig()); err != nil {
				d.log.Warn().Err(err).Msg("network watcher unavailable, reconnect on network change disabled")
				d.network = nil
			}
		}
	}
	return d, nil
}

// Run serves until ctx is cancelled or a terminate command has drained the
// core. It returns the coordinator's join error, if any.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.control.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	if d.admin != nil {
		if err := d.admin.Start(d.cfg.Metrics.Listen); err != nil {
			_ = d.control.Stop()
			return fmt.Errorf("start metrics endpoint: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(d.coordDone)
		defer cancel()
		if err := d.coord.Run(); err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		d.pump()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.shutdown()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.control.Stop()
	})

	if d.network != nil {
		g.Go(func() error {
			d.watchNetwork(gctx)
			return nil
		})
	}

	if d.admin != nil {
		collector := metrics.NewCollector(d.metrics, metrics.CollectorConfig{
			Buses:  []metrics.BusStats{d.commands, d.coord.Downstream()},
			Phases: d.tracker,
		})
		g.Go(func() error {
			collector.Run(gctx, d.cfg.MetricsInterval())
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return d.admin.Stop()
		})
	}

	d.log.Info().
		Str("socket", d.control.SocketPath()).
		Str("fwd", d.tracker.Forward().String()).
		Int("peers", len(d.cfg.Peers)).
		Msg("daemon started")

	if d.cfg.Relay.ConnectOnStart {
		if err := d.ConnectRelay(control.RelayConnectRequest{}); err != nil {
			d.log.Warn().Err(err).Msg("connect on start failed")
		}
	}

	err := g.Wait()
	d.log.Info().Msg("daemon stopped")
	return err
}

// shutdown asks the core to terminate unless a terminate is already under way.
func (d *Daemon) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if err := d.publish(worker.TerminateAll{}); err != nil {
		d.log.Warn().Err(err).Msg("failed to request termination")
	}
}

// watchNetwork reopens a lost relay session whenever the host network settles
// after a change.
func (d *Daemon) watchNetwork(ctx context.Context) {
	defer func() { _ = d.network.Close() }()

	changes, err := d.network.Watch(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to watch network changes")
		return
	}
	for c := range changes {
		d.log.Debug().Stringer("kind", c.Kind).Str("interface", c.Interface).Msg("network changed")
		d.onNetworkChange()
	}
}

func (d *Daemon) onNetworkChange() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || !d.wantRelay || d.sessionLive || d.lastRelay == nil {
		return
	}
	cmd := *d.lastRelay
	if err := d.openRelay(cmd); err != nil {
		d.log.Warn().Err(err).Msg("relay reconnect after network change failed")
		return
	}
	d.log.Info().Str("server", cmd.Server).Msg("network changed, reconnecting relay")
}

// pump consumes the service event channel until the coordinator has exited
// and the buffer is drained.
func (d *Daemon) pump() {
	defer d.closeWatchers()
	defer d.events.Detach()

	for {
		select {
		case ev := <-d.events.C():
			d.handleEvent(ev)
		case <-d.coordDone:
			for {
				select {
				case ev := <-d.events.C():
					d.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Daemon) handleEvent(ev worker.ServiceEvent) {
	d.metrics.EventsTotal.WithLabelValues(ev.Kind.String()).Inc()

	d.mu.Lock()
	out := d.tracker.ApplyEvent(ev)
	switch ev.Kind {
	case worker.KindRelayDisconnected, worker.KindRelayConnectionFailed:
		d.sessionLive = false
	}
	d.mu.Unlock()

	d.log.Debug().Stringer("event", ev).Stringer("outcome", out).Msg("service event")
	d.broadcast(ev)

	if ev.Kind == worker.KindRelayAllocated {
		d.onAllocated()
	}
}

// onAllocated connects the configured peers after the first allocation and
// asks again for permissions that died with an earlier session.
func (d *Daemon) onAllocated() {
	if !d.autoconnected {
		d.autoconnected = true
		for _, p := range d.cfg.Peers {
			peer, local, err := p.Parse()
			if err != nil {
				continue
			}
			if err := d.connectPeer(peer, local); err != nil {
				d.log.Warn().Err(err).Str("peer", peer.String()).Msg("autoconnect failed")
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	for _, st := range d.tracker.Snapshot().Peers {
		if st.Phase == status.PeerWaiting && st.Bound && !st.Granted {
			if err := d.publish(worker.ConnectPeer{PeerAddr: st.Peer, LocalAddr: st.Pinned}); err != nil {
				d.log.Warn().Err(err).Str("peer", st.Peer.String()).Msg("failed to renew permission")
			}
		}
	}
}

// publish sends cmd on the command bus. Callers hold d.mu.
func (d *Daemon) publish(cmd worker.Command) error {
	if _, err := d.commands.Publish(cmd); err != nil {
		return fmt.Errorf("publish %s: %w", cmd.Name(), err)
	}
	d.metrics.CommandsTotal.WithLabelValues(cmd.Name()).Inc()
	d.log.Debug().Str("command", cmd.Name()).Msg("command published")
	return nil
}

// ConnectRelay opens the relay session. Empty request fields fall back to the
// configured relay.
func (d *Daemon) ConnectRelay(req control.RelayConnectRequest) error {
	cmd := worker.ConnectRelay{
		Server:   firstNonEmpty(req.Server, d.cfg.Relay.Server),
		Username: firstNonEmpty(req.Username, d.cfg.Relay.Username),
		Password: firstNonEmpty(req.Password, d.cfg.Relay.Password),
	}
	if cmd.Server == "" {
		return ErrNoRelayServer
	}
	if d.discover != nil && turn.NeedsDiscovery(cmd.Server) {
		ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
		target, err := d.discover.Discover(ctx, cmd.Server)
		cancel()
		if err != nil {
			d.log.Debug().Err(err).Str("server", cmd.Server).Msg("SRV discovery failed, using host name")
		} else {
			d.log.Info().Str("domain", cmd.Server).Str("server", target).Msg("relay server discovered")
			cmd.Server = target
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if err := d.openRelay(cmd); err != nil {
		return err
	}
	d.wantRelay = true
	d.lastRelay = &cmd
	d.log.Info().Str("server", cmd.Server).Str("username", cmd.Username).Msg("relay connect requested")
	return nil
}

// openRelay publishes cmd unless a session is already live. Callers hold d.mu.
func (d *Daemon) openRelay(cmd worker.ConnectRelay) error {
	if d.sessionLive {
		return ErrRelayBusy
	}
	if out := d.tracker.ApplyRelay(status.RelayMsg{Kind: status.ToConnecting, Server: cmd.Server}); out == status.Invalid {
		return fmt.Errorf("%w: relay is %s", ErrRelayBusy, d.tracker.Relay().Phase)
	}
	if err := d.publish(cmd); err != nil {
		return err
	}
	d.sessionLive = true
	return nil
}

// ConnectPeer opens a tunnel for req.Peer.
func (d *Daemon) ConnectPeer(req control.PeerConnectRequest) error {
	peer, err := worker.ParseAddr(req.Peer)
	if err != nil {
		return fmt.Errorf("invalid peer %q: %w", req.Peer, err)
	}
	var local netip.AddrPort
	if req.Local != "" {
		if local, err = worker.ParseAddr(req.Local); err != nil {
			return fmt.Errorf("invalid local address %q: %w", req.Local, err)
		}
	}
	return d.connectPeer(peer, local)
}

func (d *Daemon) connectPeer(peer, local netip.AddrPort) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.tracker.Relay().Phase != status.RelayConnected {
		return ErrRelayNotConnected
	}

	st, ok := d.tracker.Peer(peer)
	switch {
	case !ok || st.WorkerGone():
		if err := d.publish(worker.ConnectPeer{PeerAddr: peer, LocalAddr: local}); err != nil {
			return err
		}
		d.tracker.ApplyPeer(peer, status.PeerMsg{Kind: status.ToWaiting, Pinned: local})
		d.log.Info().Str("peer", peer.String()).Str("pinned", local.String()).Msg("peer connect requested")
		return nil

	case st.Phase == status.PeerWaiting && st.Bound && !st.Granted:
		// Tunnel is up but its permission was lost with a previous session
		return d.publish(worker.ConnectPeer{PeerAddr: peer, LocalAddr: st.Pinned})

	default:
		return fmt.Errorf("%w: %s is %s", ErrPeerActive, peer, st.Phase)
	}
}

// DisconnectPeer tears down the tunnel for req.Peer.
func (d *Daemon) DisconnectPeer(req control.PeerDisconnectRequest) error {
	peer, err := worker.ParseAddr(req.Peer)
	if err != nil {
		return fmt.Errorf("invalid peer %q: %w", req.Peer, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	st, ok := d.tracker.Peer(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	if st.Phase == status.PeerUnbound {
		// A second disconnect clears the entry from the status
		d.tracker.Forget(peer)
		return nil
	}
	if err := d.publish(worker.DisconnectPeer{PeerAddr: peer}); err != nil {
		return err
	}
	// A dead worker reports nothing more, so settle the entry here
	if st.WorkerGone() {
		d.tracker.ApplyPeer(peer, status.PeerMsg{Kind: status.ToUnbound})
	}
	return nil
}

// SetForward changes the forward target of new and existing tunnels.
func (d *Daemon) SetForward(req control.ForwardRequest) error {
	addr, err := worker.ParseForward(req.Addr)
	if err != nil {
		return fmt.Errorf("invalid forward address %q: %w", req.Addr, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if err := d.publish(worker.ChangeFwdAddr{Addr: addr}); err != nil {
		return err
	}
	for _, peer := range d.tracker.SetForward(addr) {
		d.log.Warn().Str("peer", peer.String()).Str("fwd", addr.String()).Msg("tunnel is bound on the forward address and stops")
	}
	return nil
}

// Disconnect tears down every tunnel and the relay session.
func (d *Daemon) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	d.wantRelay = false
	return d.publish(worker.DisconnectAll{})
}

// Terminate shuts the core down. Run returns once it has drained.
func (d *Daemon) Terminate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	d.stopped = true
	return d.publish(worker.TerminateAll{})
}

// Status returns the current relay and tunnel views.
func (d *Daemon) Status() status.Snapshot {
	return d.tracker.Snapshot()
}

// Watch subscribes to service events. The channel is closed by cancel or when
// the daemon stops. A watcher that falls behind loses events.
func (d *Daemon) Watch(id string) (<-chan worker.ServiceEvent, func()) {
	ch := make(chan worker.ServiceEvent, d.cfg.Channels.Service)

	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if d.watchersClosed {
		close(ch)
		return ch, func() {}
	}
	d.watchers[id] = ch
	d.log.Debug().Str("watcher", id).Msg("event watcher added")

	return ch, func() {
		d.watchMu.Lock()
		defer d.watchMu.Unlock()
		if c, ok := d.watchers[id]; ok && c == ch {
			delete(d.watchers, id)
			close(c)
			d.log.Debug().Str("watcher", id).Msg("event watcher removed")
		}
	}
}

func (d *Daemon) broadcast(ev worker.ServiceEvent) {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	for id, ch := range d.watchers {
		select {
		case ch <- ev:
		default:
			d.log.Warn().Str("watcher", id).Stringer("event", ev).Msg("event watcher lagging, dropping event")
		}
	}
}

func (d *Daemon) closeWatchers() {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	d.watchersClosed = true
	for id, ch := range d.watchers {
		close(ch)
		delete(d.watchers, id)
	}
}

func (d *Daemon) health() (map[string]any, error) {
	relay := d.tracker.Relay()
	body := map[string]any{
		"relay":   relay.Phase.String(),
		"forward": d.tracker.Forward().String(),
		"peers":   d.tracker.PeerPhaseCounts(),
	}
	if relay.Server != "" {
		body["server"] = relay.Server
	}
	select {
	case <-d.coordDone:
		return body, errors.New("worker core stopped")
	default:
		return body, nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ control.Handler = (*Daemon)(nil)
