// Package admin serves the daemon's HTTP endpoints: health, Prometheus
// metrics and a websocket stream of service events.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/relaytun/internal/metrics"
	"github.com/tunnelmesh/relaytun/internal/worker"
)

const (
	eventWriteWait = 10 * time.Second
	eventPongWait  = 60 * time.Second
	eventPingEvery = eventPongWait / 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// HealthFunc reports the daemon's current condition for /health. A non-nil
// error turns the response into 503.
type HealthFunc func() (map[string]any, error)

// Server is the HTTP admin interface. It listens on loopback by default and
// is not meant to be exposed.
type Server struct {
	server   *http.Server
	mux      *http.ServeMux
	listener net.Listener
}

// EventSource hands out service event subscriptions.
type EventSource interface {
	Watch(id string) (<-chan worker.ServiceEvent, func())
}

// NewServer creates an admin server exporting g on /metrics. health may be nil.
func NewServer(g prometheus.Gatherer, health HealthFunc) *Server {
	mux := http.NewServeMux()

	// Register handlers
	mux.HandleFunc("/health", healthHandler(health))
	mux.Handle("/metrics", metrics.HandlerFor(g))

	return &Server{
		mux: mux,
	}
}

// HandleEvents exposes src on /events as a websocket stream of JSON events.
// It must be called before Start.
func (s *Server) HandleEvents(src EventSource) {
	s.mux.HandleFunc("/events", eventsHandler(src))
}

// Start binds addr and serves in the background. Bind errors are returned.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("admin server stopped")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health == nil {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
			return
		}

		body, err := health()
		if body == nil {
			body = make(map[string]any)
		}
		code := http.StatusOK
		if err != nil {
			code = http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func eventsHandler(src EventSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("event stream upgrade failed")
			return
		}
		defer func() { _ = conn.Close() }()

		id := "ws-" + uuid.NewString()
		events, cancel := src.Watch(id)
		defer cancel()

		logger := log.With().Str("watcher", id).Str("remote", r.RemoteAddr).Logger()
		logger.Debug().Msg("websocket event stream opened")
		defer logger.Debug().Msg("websocket event stream closed")

		// Reads only serve pongs and notice the client going away
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(eventPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						logger.Debug().Err(err).Msg("websocket read error")
					}
					return
				}
			}
		}()

		ping := time.NewTicker(eventPingEvery)
		defer ping.Stop()

		for {
			select {
			case <-gone:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
					return
				}
			case ev, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "daemon stopped"),
						time.Now().Add(eventWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					logger.Debug().Err(err).Msg("websocket write failed")
					return
				}
			}
		}
	}
}
