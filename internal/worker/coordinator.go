package worker

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/relaytun/internal/bus"
	"github.com/tunnelmesh/relaytun/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Config holds the shared fabric and settings of a Coordinator.
type Config struct {
	Commands *bus.Bus[Command]
	Events   *Events
	Dialer   Dialer
	Metrics  *metrics.RelayMetrics

	// FwdAddr is the initial forward target. Defaults to DefaultForwardAddr.
	FwdAddr netip.AddrPort

	// Capacities of the upstream queue and downstream bus. Default to
	// DefaultCapacity.
	UpstreamCapacity   int
	DownstreamCapacity int

	ListenPacket ListenPacketFunc
}

const (
	// peerSettleTimeout bounds how long a connect waits for a running peer
	// worker to handle the commands published before it.
	peerSettleTimeout = time.Second

	// peerJoinTimeout bounds the wait for a worker after DisconnectPeer.
	peerJoinTimeout = 5 * time.Second
)

// Coordinator is the only component that spawns and awaits workers. It owns
// the peer task map and the default forward target.
//
// DisconnectPeer is delivered to workers over the lossy command bus. A worker
// whose subscription dropped it keeps running; the coordinator gives up
// waiting after peerJoinTimeout and leaves the task in the map.
type Coordinator struct {
	commands   *bus.Bus[Command]
	sub        *bus.Subscription[Command]
	upstream   chan DataEnvelope
	downstream *bus.Bus[DataEnvelope]
	events     *Events
	metrics    *metrics.RelayMetrics
	log        zerolog.Logger

	fwd         netip.AddrPort
	peers       map[netip.AddrPort]*Task
	progress    map[netip.AddrPort]*peerProgress
	joinTimeout time.Duration
	relayWorker *RelayWorker
	relay       *Task
	lagged      uint64
}

// NewCoordinator creates a coordinator and its relay worker. Both subscribe
// to the command bus here, so every command published after NewCoordinator
// returns is observed.
func NewCoordinator(cfg Config) *Coordinator {
	fwd := Normalize(cfg.FwdAddr)
	if !fwd.IsValid() {
		fwd = DefaultForward()
	}
	upCap := cfg.UpstreamCapacity
	if upCap <= 0 {
		upCap = DefaultCapacity
	}
	downCap := cfg.DownstreamCapacity
	if downCap <= 0 {
		downCap = DefaultCapacity
	}

	c := &Coordinator{
		commands:    cfg.Commands,
		sub:         cfg.Commands.Subscribe(),
		upstream:    make(chan DataEnvelope, upCap),
		downstream:  bus.New[DataEnvelope]("downstream", downCap),
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		log:         log.With().Str("worker", "coordinator").Logger(),
		fwd:         fwd,
		peers:       make(map[netip.AddrPort]*Task),
		progress:    make(map[netip.AddrPort]*peerProgress),
		joinTimeout: peerJoinTimeout,
	}
	c.relayWorker = NewRelayWorker(RelayConfig{
		Dialer:       cfg.Dialer,
		Commands:     cfg.Commands.Subscribe(),
		Upstream:     c.upstream,
		Downstream:   c.downstream,
		Events:       cfg.Events,
		Metrics:      cfg.Metrics,
		ListenPacket: cfg.ListenPacket,
	})
	return c
}

// Downstream returns the downstream data bus, for metrics sampling.
func (c *Coordinator) Downstream() *bus.Bus[DataEnvelope] {
	return c.downstream
}

// Run spawns the relay worker and processes commands until TerminateAll has
// drained every task. It returns a non-nil error only when a task failed to
// join during DisconnectAll or TerminateAll.
func (c *Coordinator) Run() error {
	c.start()
	defer c.sub.Close()
	defer c.downstream.Close()

	c.log.Info().Str("fwd", c.fwd.String()).Msg("coordinator started")
	for {
		done, err := c.step()
		if err != nil {
			c.log.Error().Err(err).Msg("coordinator stopped")
			return err
		}
		if done {
			c.log.Info().Msg("coordinator stopped")
			return nil
		}
	}
}

func (c *Coordinator) start() {
	c.relay = Spawn("relay", c.relayWorker.Run)
}

// step receives and handles one command.
func (c *Coordinator) step() (bool, error) {
	env, ok := <-c.sub.C()
	if !ok {
		c.log.Warn().Msg("command bus closed, terminating")
		return true, c.terminate()
	}
	c.lagged = checkLag(c.log, "command", c.sub.Dropped(), c.lagged)
	return c.handle(env.Seq, env.Msg)
}

func (c *Coordinator) handle(seq uint64, cmd Command) (bool, error) {
	switch m := cmd.(type) {
	case ConnectPeer:
		c.connectPeer(seq, m)

	case ChangeFwdAddr:
		c.fwd = Normalize(m.Addr)
		c.log.Info().Str("fwd", c.fwd.String()).Msg("default forward address changed")

	case DisconnectPeer:
		c.disconnectPeer(Normalize(m.PeerAddr))

	case DisconnectAll:
		if err := c.drainPeers(); err != nil {
			return true, fmt.Errorf("disconnect all: %w", err)
		}

	case TerminateAll:
		return true, c.terminate()
	}
	return false, nil
}

func (c *Coordinator) connectPeer(seq uint64, m ConnectPeer) {
	peer := Normalize(m.PeerAddr)
	logger := c.log.With().Str("peer", peer.String()).Logger()

	if t, ok := c.peers[peer]; ok {
		if !c.replaceable(peer, t, seq) {
			c.metrics.RejectedDuplicate.Inc()
			logger.Warn().Msg("tunnel already running, ignoring connect")
			return
		}
		if err := t.Wait(); err != nil {
			logger.Error().Err(err).Msg("previous tunnel failed")
		}
		c.forget(peer)
	}

	progress := &peerProgress{since: seq}
	w := NewPeerWorker(PeerConfig{
		PeerAddr:   peer,
		LocalAddr:  m.LocalAddr,
		FwdAddr:    c.fwd,
		Commands:   c.commands.SubscribeSince(seq),
		Downstream: c.downstream.Subscribe(),
		Upstream:   c.upstream,
		RelayDone:  c.relay.Done(),
		Events:     c.events,
		Metrics:    c.metrics,
		progress:   progress,
	})
	c.peers[peer] = Spawn("peer "+peer.String(), w.Run)
	c.progress[peer] = progress
	c.metrics.ActivePeers.Set(float64(len(c.peers)))
	logger.Debug().Str("fwd", c.fwd.String()).Msg("spawned peer worker")
}

// replaceable reports whether the worker behind t is gone or on its way out,
// so the connect at seq may replace it. A worker that has handled every
// earlier command and is not exiting is a live duplicate.
func (c *Coordinator) replaceable(peer netip.AddrPort, t *Task, seq uint64) bool {
	p := c.progress[peer]
	deadline := time.NewTimer(peerSettleTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for {
		if t.Finished() {
			return true
		}
		if p == nil {
			return false
		}
		// exiting is stored before handled, so it is read after.
		caughtUp := p.caughtUp(seq)
		if p.exiting.Load() {
			return true
		}
		if caughtUp {
			return false
		}
		select {
		case <-t.Done():
			return true
		case <-deadline.C:
			c.log.Warn().Str("peer", peer.String()).Uint64("seq", seq).
				Msg("peer worker did not catch up with earlier commands")
			return false
		case <-tick.C:
		}
	}
}

func (c *Coordinator) disconnectPeer(peer netip.AddrPort) {
	t, ok := c.peers[peer]
	if !ok {
		c.log.Warn().Str("peer", peer.String()).Msg("no tunnel to disconnect")
		return
	}

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()
	select {
	case <-t.Done():
	case <-timer.C:
		c.log.Error().Str("peer", peer.String()).Dur("timeout", c.joinTimeout).
			Msg("tunnel did not stop after disconnect, leaving it running")
		return
	}
	if err := t.Wait(); err != nil {
		c.log.Error().Err(err).Str("peer", peer.String()).Msg("tunnel failed")
	}
	c.forget(peer)
}

func (c *Coordinator) forget(peer netip.AddrPort) {
	delete(c.peers, peer)
	delete(c.progress, peer)
	c.metrics.ActivePeers.Set(float64(len(c.peers)))
}

// drainPeers waits for every peer task and clears the map.
func (c *Coordinator) drainPeers() error {
	tasks := make([]*Task, 0, len(c.peers))
	for _, t := range c.peers {
		tasks = append(tasks, t)
	}
	clear(c.peers)
	clear(c.progress)
	c.metrics.ActivePeers.Set(0)
	return drain(tasks)
}

// terminate drains the peers first and the relay last, so tunnels can still
// report PeerUnbound while the relay session winds down.
func (c *Coordinator) terminate() error {
	var errs []error
	if err := c.drainPeers(); err != nil {
		errs = append(errs, fmt.Errorf("drain peers: %w", err))
	}
	if err := c.relay.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("join relay: %w", err))
	}
	return errors.Join(errs...)
}

func drain(tasks []*Task) error {
	var g errgroup.Group
	for _, t := range tasks {
		g.Go(t.Wait)
	}
	return g.Wait()
}
