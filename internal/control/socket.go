// Package control provides a Unix socket server for CLI-to-daemon communication.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/relaytun/internal/status"
	"github.com/tunnelmesh/relaytun/internal/worker"
)

// Request types for control commands.
const (
	CmdRelayConnect   = "relay.connect"
	CmdPeerConnect    = "peer.connect"
	CmdPeerDisconnect = "peer.disconnect"
	CmdForwardSet     = "forward.set"
	CmdDisconnect     = "disconnect"
	CmdTerminate      = "terminate"
	CmdStatus         = "status"
	CmdEvents         = "events"
)

// Timeouts for control socket operations.
const (
	// SocketDialTimeout is the timeout for connecting to the control socket.
	SocketDialTimeout = 5 * time.Second
	// SocketReadWriteTimeout is the timeout for reading/writing on the socket.
	SocketReadWriteTimeout = 5 * time.Second
)

// Request is a control command from the CLI.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a response to a control command.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RelayConnectRequest is the payload for relay.connect. Empty fields fall back
// to the daemon configuration.
type RelayConnectRequest struct {
	Server   string `json:"server,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// PeerConnectRequest is the payload for peer.connect.
type PeerConnectRequest struct {
	Peer  string `json:"peer"`
	Local string `json:"local,omitempty"` // Pinned local address (optional)
}

// PeerDisconnectRequest is the payload for peer.disconnect.
type PeerDisconnectRequest struct {
	Peer string `json:"peer"`
}

// ForwardRequest is the payload for forward.set.
type ForwardRequest struct {
	Addr string `json:"addr"` // ip:port or a bare port on loopback
}

// Handler executes control commands.
type Handler interface {
	ConnectRelay(req RelayConnectRequest) error
	ConnectPeer(req PeerConnectRequest) error
	DisconnectPeer(req PeerDisconnectRequest) error
	SetForward(req ForwardRequest) error
	Disconnect() error
	Terminate() error
	Status() status.Snapshot
	// Watch subscribes to service events under id. The channel is closed by
	// the handler after cancel is called or when the daemon stops.
	Watch(id string) (events <-chan worker.ServiceEvent, cancel func())
}

// Server is a Unix socket control server.
type Server struct {
	socketPath string
	handler    Handler
	listener   net.Listener
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer creates a new control server.
func NewServer(socketPath string, handler Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening on the control socket.
func (s *Server) Start() error {
	// Ensure parent directory exists
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Restrict socket permissions
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	log.Info().Str("path", s.socketPath).Msg("control socket listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the control server and every open event stream.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("control socket accept error")
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// Set read deadline
	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	// Read request
	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		s.sendError(conn, fmt.Errorf("decode request: %w", err))
		return
	}

	if req.Command == CmdEvents {
		s.streamEvents(conn)
		return
	}

	// Handle command
	resp := s.handleCommand(req)

	// Send response
	encoder := json.NewEncoder(conn)
	_ = encoder.Encode(resp)
}

func (s *Server) handleCommand(req Request) Response {
	switch req.Command {
	case CmdRelayConnect:
		var p RelayConnectRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return errorResponse(err)
		}
		return result(s.handler.ConnectRelay(p))

	case CmdPeerConnect:
		var p PeerConnectRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return errorResponse(err)
		}
		return result(s.handler.ConnectPeer(p))

	case CmdPeerDisconnect:
		var p PeerDisconnectRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return errorResponse(err)
		}
		return result(s.handler.DisconnectPeer(p))

	case CmdForwardSet:
		var p ForwardRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return errorResponse(err)
		}
		return result(s.handler.SetForward(p))

	case CmdDisconnect:
		return result(s.handler.Disconnect())

	case CmdTerminate:
		return result(s.handler.Terminate())

	case CmdStatus:
		data, err := json.Marshal(s.handler.Status())
		if err != nil {
			return errorResponse(fmt.Errorf("marshal status: %w", err))
		}
		return Response{Success: true, Data: data}

	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

// streamEvents acknowledges the subscription and then writes one event per
// line until the client hangs up or the server stops.
func (s *Server) streamEvents(conn net.Conn) {
	id := uuid.NewString()
	events, cancel := s.handler.Watch(id)
	defer cancel()

	logger := log.With().Str("watcher", id).Logger()
	logger.Debug().Msg("event stream opened")
	defer logger.Debug().Msg("event stream closed")

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(Response{Success: true}); err != nil {
		return
	}
	_ = conn.SetDeadline(time.Time{})

	// The client never writes again; a read returning means it hung up
	gone := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		close(gone)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(SocketReadWriteTimeout))
			if err := encoder.Encode(ev); err != nil {
				logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}

func (s *Server) sendError(conn net.Conn, err error) {
	resp := Response{Success: false, Error: err.Error()}
	_ = json.NewEncoder(conn).Encode(resp)
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func result(err error) Response {
	if err != nil {
		return errorResponse(err)
	}
	return Response{Success: true}
}

func errorResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

// Client is a control socket client for CLI commands.
type Client struct {
	socketPath string
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send sends a request and returns the response.
func (c *Client) Send(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, SocketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	// Send request
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	// Read response
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}

func (c *Client) call(command string, payload any) (*Response, error) {
	req := Request{Command: command}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		req.Payload = data
	}
	resp, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

// RelayConnect opens the relay session.
func (c *Client) RelayConnect(req RelayConnectRequest) error {
	_, err := c.call(CmdRelayConnect, req)
	return err
}

// PeerConnect opens a tunnel for a peer.
func (c *Client) PeerConnect(peer, local string) error {
	_, err := c.call(CmdPeerConnect, PeerConnectRequest{Peer: peer, Local: local})
	return err
}

// PeerDisconnect closes the tunnel for a peer.
func (c *Client) PeerDisconnect(peer string) error {
	_, err := c.call(CmdPeerDisconnect, PeerDisconnectRequest{Peer: peer})
	return err
}

// SetForward changes the forward target.
func (c *Client) SetForward(addr string) error {
	_, err := c.call(CmdForwardSet, ForwardRequest{Addr: addr})
	return err
}

// Disconnect tears down every tunnel and the relay session.
func (c *Client) Disconnect() error {
	_, err := c.call(CmdDisconnect, nil)
	return err
}

// Terminate stops the daemon core.
func (c *Client) Terminate() error {
	_, err := c.call(CmdTerminate, nil)
	return err
}

// Status retrieves the relay and tunnel status.
func (c *Client) Status() (*status.Snapshot, error) {
	resp, err := c.call(CmdStatus, nil)
	if err != nil {
		return nil, err
	}
	var snap status.Snapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &snap, nil
}

// Events streams service events to fn until ctx is done, the daemon closes
// the stream or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(worker.ServiceEvent) error) error {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, SocketDialTimeout)
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetWriteDeadline(time.Now().Add(SocketReadWriteTimeout))
	if err := json.NewEncoder(conn).Encode(Request{Command: CmdEvents}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	decoder := json.NewDecoder(conn)
	var ack Response
	if err := decoder.Decode(&ack); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if !ack.Success {
		return errors.New(ack.Error)
	}

	for {
		var ev worker.ServiceEvent
		if err := decoder.Decode(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
