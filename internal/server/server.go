// Package server is the relay: it hosts a transport.Hub and attaches participants to it over
// TCP and websocket connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/config"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/connection"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

type Options struct {
	MaxConnections int
	// KeepAlive is the read deadline for a participant that did not announce its own.
	KeepAlive    time.Duration
	QueueSize    int
	FirstPacket  time.Duration
	WatchTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxConnections: 10000,
		KeepAlive:      30 * time.Second,
		QueueSize:      256,
		FirstPacket:    time.Minute,
		WatchTimeout:   10 * time.Minute,
	}
}

func OptionsFromConfig(cfg config.RelayConfig) Options {
	opts := DefaultOptions()
	if cfg.MaxConnections > 0 {
		opts.MaxConnections = cfg.MaxConnections
	}
	opts.KeepAlive = config.Duration(cfg.KeepAlive, opts.KeepAlive)
	return opts
}

type Server struct {
	hub      *transport.Hub
	opts     Options
	registry *connection.Registry
	sem      chan struct{}
	upgrader websocket.Upgrader

	mu        sync.Mutex
	listeners []net.Listener
	http      []*http.Server
	closed    bool
	wg        sync.WaitGroup
}

func New(hub *transport.Hub, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultOptions().MaxConnections
	}
	return &Server{
		hub:      hub,
		opts:     opts,
		registry: connection.NewRegistry(),
		sem:      make(chan struct{}, opts.MaxConnections),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Hub() *transport.Hub {
	return s.hub
}

func (s *Server) Connections() int {
	return s.registry.Count()
}

// ListenTCP starts accepting TCP participants on addr and returns the bound address.
func (s *Server) ListenTCP(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay listen %s: %w", addr, err)
	}
	if err := s.track(ln, nil); err != nil {
		return nil, err
	}
	logger.InfoF("Relay listening on tcp://%s", ln.Addr())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return ln.Addr(), nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}
		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr())
		s.serve(connection.NewStreamConn(conn))
	}
}

// ListenWebSocket serves websocket participants on addr at connection.WebSocketPath.
func (s *Server) ListenWebSocket(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay websocket listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(connection.WebSocketPath, s.handleWebSocket)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := s.track(ln, srv); err != nil {
		return nil, err
	}
	logger.InfoF("Relay listening on ws://%s%s", ln.Addr(), connection.WebSocketPath)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Relay websocket server error: %v", err)
		}
	}()
	return ln.Addr(), nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.serve(connection.NewWebSocketConn(ws))
}

func (s *Server) track(ln net.Listener, srv *http.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = ln.Close()
		return transport.ErrClosed
	}
	if srv != nil {
		s.http = append(s.http, srv)
	} else {
		s.listeners = append(s.listeners, ln)
	}
	return nil
}

// serve runs a connection handler, refusing the connection when the server is at capacity.
func (s *Server) serve(conn connection.Conn) {
	select {
	case s.sem <- struct{}{}:
	default:
		logger.WarnF("Connection limit %d reached, refusing %s", s.opts.MaxConnections, conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	handler := newConnectionHandler(s, connection.NewConnection(conn, s.opts.QueueSize))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		handler.handleConnection()
	}()
}

// Invoke stops the listeners and drops every participant.
func (s *Server) Invoke(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	listeners, servers := s.listeners, s.http
	s.listeners, s.http = nil, nil
	s.mu.Unlock()

	logger.InfoF("Stopping relay server")
	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
