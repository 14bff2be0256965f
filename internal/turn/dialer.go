// Package turn opens relay sessions on a TURN server with pion/turn and
// presents them as worker.Session event streams.
package turn

import (
	"net"
	"net/netip"
	"time"

	"github.com/pion/logging"
	"github.com/tunnelmesh/relaytun/internal/worker"
)

const (
	// DefaultSoftware is sent in the SOFTWARE attribute.
	DefaultSoftware = "relaytun"

	eventBuffer = 64
	maxDatagram = 65535
)

// Config tunes the sessions a Dialer opens.
type Config struct {
	Realm    string
	Software string
	// RTO is the initial retransmission timeout of STUN transactions. Zero
	// keeps pion's default.
	RTO           time.Duration
	LoggerFactory logging.LoggerFactory
}

// Dialer implements worker.Dialer with pion/turn.
type Dialer struct {
	cfg Config
}

// NewDialer creates a dialer. Missing settings get defaults.
func NewDialer(cfg Config) *Dialer {
	if cfg.Software == "" {
		cfg.Software = DefaultSoftware
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = NewLoggerFactory()
	}
	return &Dialer{cfg: cfg}
}

// Open starts allocating on server over conn and returns at once.
func (d *Dialer) Open(conn net.PacketConn, server netip.AddrPort, username, password string) worker.Session {
	s := newSession(d.cfg, conn, server, username, password)
	go s.run()
	return s
}
