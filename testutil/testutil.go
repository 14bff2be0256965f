// Package testutil provides shared test utilities and mocks for relaytun tests.
package testutil

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "relaytun-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// FreeUDPAddr returns a loopback UDP address that was free a moment ago.
func FreeUDPAddr(t *testing.T) netip.AddrPort {
	t.Helper()

	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = conn.Close() }()

	return LocalAddrPort(conn)
}

// LocalAddrPort returns the unmapped local address of a UDP socket.
func LocalAddrPort(conn *net.UDPConn) netip.AddrPort {
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// ListenUDP binds a loopback UDP socket that is closed when the test ends.
func ListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// MockPacketConn is a mock net.PacketConn for testing. Reads block until the
// conn is closed.
type MockPacketConn struct {
	Addr netip.AddrPort

	mu       sync.Mutex
	written  [][]byte
	closed   bool
	closedCh chan struct{}
	once     sync.Once
}

func (m *MockPacketConn) init() {
	m.once.Do(func() { m.closedCh = make(chan struct{}) })
}

func (m *MockPacketConn) ReadFrom(_ []byte) (int, net.Addr, error) {
	m.init()
	<-m.closedCh
	return 0, nil, net.ErrClosed
}

func (m *MockPacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	m.written = append(m.written, append([]byte(nil), b...))
	return len(b), nil
}

func (m *MockPacketConn) Close() error {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

// Closed reports whether Close was called.
func (m *MockPacketConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Written returns copies of every payload passed to WriteTo.
func (m *MockPacketConn) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.written...)
}

func (m *MockPacketConn) LocalAddr() net.Addr {
	if m.Addr.IsValid() {
		return net.UDPAddrFromAddrPort(m.Addr)
	}
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *MockPacketConn) SetDeadline(_ time.Time) error      { return nil }
func (m *MockPacketConn) SetReadDeadline(_ time.Time) error  { return nil }
func (m *MockPacketConn) SetWriteDeadline(_ time.Time) error { return nil }
