package worker

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/relaytun/internal/bus"
	"github.com/tunnelmesh/relaytun/internal/metrics"
)

// ErrRelayGone is returned when upstream data cannot be queued because the
// relay worker has exited.
var ErrRelayGone = errors.New("relay worker exited")

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// datagramPool pools socket read buffers to reduce GC pressure.
var datagramPool = sync.Pool{
	New: func() any {
		buf := make([]byte, maxDatagram)
		return &buf
	},
}

// PeerConfig holds the state and collaborators of a PeerWorker.
type PeerConfig struct {
	PeerAddr netip.AddrPort
	// LocalAddr pins the local bind address. The zero value binds 127.0.0.1:0.
	LocalAddr netip.AddrPort
	FwdAddr   netip.AddrPort

	Commands   *bus.Subscription[Command]
	Downstream *bus.Subscription[DataEnvelope]
	Upstream   chan<- DataEnvelope
	// RelayDone is closed when the relay worker exits. May be nil.
	RelayDone <-chan struct{}
	Events    *Events
	Metrics   *metrics.RelayMetrics

	progress *peerProgress
}

// peerProgress is shared between a peer worker and the coordinator. It lets
// a connect tell a worker on its way out from one still serving its peer.
type peerProgress struct {
	// since is the sequence number of the connect that spawned the worker.
	since   uint64
	handled atomic.Uint64
	exiting atomic.Bool
}

// caughtUp reports whether the worker has handled every command published
// before seq.
func (p *peerProgress) caughtUp(seq uint64) bool {
	return max(p.since, p.handled.Load())+1 >= seq
}

// PeerWorker is one tunnel. It owns a UDP socket, queues datagrams read from
// it upstream and writes downstream data for its peer to the forward target.
type PeerWorker struct {
	peer   netip.AddrPort
	pinned netip.AddrPort
	fwd    netip.AddrPort
	local  netip.AddrPort
	conn   *net.UDPConn

	commands   *bus.Subscription[Command]
	downstream *bus.Subscription[DataEnvelope]
	cmdC       <-chan bus.Envelope[Command]
	downC      <-chan bus.Envelope[DataEnvelope]
	upstream   chan<- DataEnvelope
	relayDone  <-chan struct{}
	events     *Events
	metrics    *metrics.RelayMetrics
	log        zerolog.Logger

	progress   *peerProgress
	reads      chan []byte
	quit       chan struct{}
	cmdLagged  uint64
	downLagged uint64
}

// NewPeerWorker creates a peer worker. Both subscriptions must be taken
// before the worker is handed to its goroutine.
func NewPeerWorker(cfg PeerConfig) *PeerWorker {
	peer := Normalize(cfg.PeerAddr)
	progress := cfg.progress
	if progress == nil {
		progress = &peerProgress{}
	}
	return &PeerWorker{
		peer:       peer,
		pinned:     Normalize(cfg.LocalAddr),
		fwd:        Normalize(cfg.FwdAddr),
		commands:   cfg.Commands,
		downstream: cfg.Downstream,
		cmdC:       cfg.Commands.C(),
		downC:      cfg.Downstream.C(),
		upstream:   cfg.Upstream,
		relayDone:  cfg.RelayDone,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		log:        log.With().Str("worker", "peer").Str("peer", peer.String()).Logger(),
		progress:   progress,
		reads:      make(chan []byte),
		quit:       make(chan struct{}),
	}
}

// Run is the worker body. Bind failures are reported once as PeerBindFailed
// and the worker exits without entering its loop.
func (w *PeerWorker) Run() {
	defer w.cleanup()

	if err := w.bind(); err != nil {
		w.log.Warn().Err(err).Str("pinned", w.pinned.String()).Msg("failed to bind peer socket")
		w.progress.exiting.Store(true)
		if emitErr := w.events.Emit(PeerBindFailed(w.peer)); emitErr != nil {
			w.log.Error().Err(emitErr).Msg("failed to report bind failure")
		}
		return
	}
	w.log = w.log.With().Str("local", w.local.String()).Logger()

	if err := w.events.Emit(PeerBound(w.peer, w.local)); err != nil {
		w.progress.exiting.Store(true)
		w.log.Error().Err(err).Msg("failed to report bound tunnel")
		return
	}

	go w.pump(w.conn)

	w.log.Info().Str("fwd", w.fwd.String()).Msg("peer worker started")
	loop(w.log, w.metrics, "peer", w.step)
	w.log.Info().Msg("peer worker stopped")
}

func (w *PeerWorker) bind() error {
	addr := peerBindAddr
	if w.pinned.IsValid() {
		addr = w.pinned
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	local := Normalize(conn.LocalAddr().(*net.UDPAddr).AddrPort())
	if local == w.fwd {
		_ = conn.Close()
		return fmt.Errorf("local address %s is the forward address", local)
	}

	w.conn = conn
	w.local = local
	return nil
}

func (w *PeerWorker) cleanup() {
	close(w.quit)
	w.closeSocket()
	w.commands.Close()
	w.downstream.Close()
}

func (w *PeerWorker) closeSocket() {
	if w.conn == nil {
		return
	}
	if err := w.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		w.log.Debug().Err(err).Msg("close peer socket")
	}
}

// pump reads the socket and hands datagrams to the worker loop. It closes
// reads when the socket stops delivering.
func (w *PeerWorker) pump(conn *net.UDPConn) {
	defer close(w.reads)
	for {
		bufPtr := datagramPool.Get().(*[]byte)
		n, _, err := conn.ReadFromUDPAddrPort(*bufPtr)
		if err != nil {
			datagramPool.Put(bufPtr)
			if !errors.Is(err, net.ErrClosed) {
				w.log.Debug().Err(err).Msg("peer socket read failed")
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, (*bufPtr)[:n])
		datagramPool.Put(bufPtr)

		select {
		case w.reads <- payload:
		case <-w.quit:
			return
		}
	}
}

func (w *PeerWorker) step() (Outcome, error) {
	select {
	case payload, ok := <-w.reads:
		if !ok {
			w.log.Warn().Msg("peer socket closed")
			return w.unbind()
		}
		return w.sendUpstream(payload)

	case env, ok := <-w.downC:
		if !ok {
			w.downC = nil
			return Continue, nil
		}
		w.downLagged = checkLag(w.log, "downstream", w.downstream.Dropped(), w.downLagged)
		if env.Msg.Peer != w.peer {
			return Continue, nil
		}
		return w.sendLocal(env.Msg.Payload)

	case env, ok := <-w.cmdC:
		if !ok {
			w.cmdC = nil
			w.log.Warn().Msg("command bus closed, unbinding")
			return w.unbind()
		}
		w.cmdLagged = checkLag(w.log, "command", w.commands.Dropped(), w.cmdLagged)
		outcome, err := w.handleCommand(env.Msg)
		if outcome == Terminate || (err != nil && SeverityOf(err) == SeverityUnrecoverable) {
			w.progress.exiting.Store(true)
		}
		w.progress.handled.Store(env.Seq)
		return outcome, err
	}
}

func checkLag(logger zerolog.Logger, name string, dropped, seen uint64) uint64 {
	if dropped > seen {
		logger.Warn().Str("bus", name).Uint64("missed", dropped-seen).Msg("subscription lagged")
	}
	return dropped
}

func (w *PeerWorker) sendUpstream(payload []byte) (Outcome, error) {
	select {
	case w.upstream <- DataEnvelope{Peer: w.peer, Payload: payload}:
		w.metrics.UpstreamPackets.Inc()
		w.metrics.UpstreamBytes.Add(float64(len(payload)))
		w.log.Trace().Int("len", len(payload)).Msg("queued upstream")
		return Continue, nil
	case <-w.relayDone:
		return Continue, Recoverable(ErrRelayGone)
	}
}

func (w *PeerWorker) sendLocal(payload []byte) (Outcome, error) {
	if _, err := w.conn.WriteToUDPAddrPort(payload, w.fwd); err != nil {
		return Continue, Recoverable(fmt.Errorf("write to %s: %w", w.fwd, err))
	}
	w.metrics.DownstreamPackets.Inc()
	w.metrics.DownstreamBytes.Add(float64(len(payload)))
	w.log.Trace().Int("len", len(payload)).Str("fwd", w.fwd.String()).Msg("forwarded downstream")
	return Continue, nil
}

func (w *PeerWorker) handleCommand(cmd Command) (Outcome, error) {
	switch c := cmd.(type) {
	case ChangeFwdAddr:
		w.fwd = Normalize(c.Addr)
		if w.fwd == w.local {
			w.progress.exiting.Store(true)
			return Terminate, Unrecoverable(fmt.Errorf("forward address %s is the bound local address", w.fwd))
		}
		w.log.Info().Str("fwd", w.fwd.String()).Msg("forward address changed")
		return Continue, nil

	case DisconnectAll, TerminateAll:
		return w.unbind()

	case DisconnectPeer:
		if Normalize(c.PeerAddr) != w.peer {
			return Continue, nil
		}
		return w.unbind()

	default:
		return Continue, nil
	}
}

// unbind releases the socket and reports PeerUnbound. The worker is marked
// exiting first, so a connect prompted by the event replaces it.
func (w *PeerWorker) unbind() (Outcome, error) {
	w.progress.exiting.Store(true)
	w.closeSocket()
	w.conn = nil
	if err := w.events.Emit(PeerUnbound(w.peer)); err != nil {
		return Terminate, Unrecoverable(fmt.Errorf("emit %s: %w", KindPeerUnbound, err))
	}
	return Terminate, nil
}
