// Package wsstream carries EMC events over websocket streams. A Server relays
// every frame it receives to all connected peers; a Client dials a Server.
package wsstream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

const (
	transportName = "websocket"

	defaultMaxConnections = 64
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultSendBuffer     = 64
	maxFrameSize          = 64 << 10
)

// ServerConfig configures a Server.
type ServerConfig struct {
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

type peer struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.send)
		_ = p.conn.Close()
	})
}

// Server is an http.Handler relaying EMC frames between websocket peers and
// any local transports attached with Transport.
type Server struct {
	log          logger.Logger
	upgrader     websocket.Upgrader
	maxConns     int
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.RWMutex
	peers  map[*peer]struct{}
	locals map[*LocalTransport]struct{}
	closed bool
}

// NewServer creates a relay server.
func NewServer(cfg ServerConfig, log logger.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	return &Server{
		log:          logger.OrNop(log).Named("emc.ws"),
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		maxConns:     cfg.MaxConnections,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: defaultWriteTimeout,
		peers:        make(map[*peer]struct{}),
		locals:       make(map[*LocalTransport]struct{}),
	}
}

// Peers returns the number of connected websocket peers.
func (s *Server) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) register(p *peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return emc.ErrTransportClosed
	}
	if len(s.peers) >= s.maxConns {
		return errors.New("emc websocket connection limit reached")
	}
	s.peers[p] = struct{}{}
	return nil
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p]; !ok {
		return
	}
	delete(s.peers, p)
	p.close()
}

// ServeHTTP upgrades the connection and relays frames until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("emc websocket upgrade failed", "error", err)
		return
	}

	p := &peer{conn: conn, send: make(chan []byte, defaultSendBuffer)}
	if err := s.register(p); err != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(s.writeTimeout),
		)
		_ = conn.Close()
		return
	}
	s.log.Info("emc peer connected", "remote", r.RemoteAddr)

	go s.writePump(p)
	s.readPump(p)
}

func (s *Server) readPump(p *peer) {
	defer s.unregister(p)

	readDeadline := s.pingInterval + s.pongTimeout
	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(readDeadline))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("emc websocket read error", "error", err)
			}
			return
		}
		ev, err := emc.Decode(data)
		if err != nil {
			emc.Metrics().RecordTransportFailure(transportName, "decode")
			continue
		}
		s.relay(ev, data)
	}
}

func (s *Server) writePump(p *peer) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		s.unregister(p)
	}()

	for {
		select {
		case frame, ok := <-p.send:
			if !ok {
				_ = p.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(s.writeTimeout),
				)
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// relay fans a frame out to every peer and local transport. Peers that
// cannot keep up are disconnected.
func (s *Server) relay(ev *emc.Event, frame []byte) {
	var slow []*peer

	s.mu.RLock()
	for p := range s.peers {
		select {
		case p.send <- frame:
		default:
			slow = append(slow, p)
		}
	}
	locals := make([]*LocalTransport, 0, len(s.locals))
	for l := range s.locals {
		locals = append(locals, l)
	}
	s.mu.RUnlock()

	for _, p := range slow {
		s.log.Warn("emc peer too slow, disconnecting")
		s.unregister(p)
	}
	for _, l := range locals {
		l.deliver(ev.Clone())
	}
}

// Close disconnects every peer and closes local transports.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := s.peers
	locals := s.locals
	s.peers = make(map[*peer]struct{})
	s.locals = make(map[*LocalTransport]struct{})
	s.mu.Unlock()

	for p := range peers {
		p.close()
	}
	for l := range locals {
		_ = l.Close()
	}
	return nil
}

// Transport returns a transport for an instance hosted in the same process
// as the server.
func (s *Server) Transport(bufferSize int) *LocalTransport {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &LocalTransport{server: s, events: make(chan *emc.Event, bufferSize)}
}

// LocalTransport is an emc.Transport attached directly to a Server.
type LocalTransport struct {
	server *Server
	events chan *emc.Event

	mu        sync.RWMutex
	connected bool
	closed    bool
}

var _ emc.Transport = (*LocalTransport)(nil)

// Name implements emc.Transport.
func (l *LocalTransport) Name() string { return transportName }

// Connect attaches to the server.
func (l *LocalTransport) Connect(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return emc.ErrTransportClosed
	}
	if l.connected {
		return nil
	}
	l.server.mu.Lock()
	defer l.server.mu.Unlock()
	if l.server.closed {
		return emc.ErrTransportClosed
	}
	l.server.locals[l] = struct{}{}
	l.connected = true
	return nil
}

// Publish relays ev through the server.
func (l *LocalTransport) Publish(ctx context.Context, ev *emc.Event) error {
	frame, err := emc.Encode(ev)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.Healthy() {
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: emc.ErrTransportClosed}
	}
	l.server.relay(ev, frame)
	return nil
}

func (l *LocalTransport) deliver(ev *emc.Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	if !emc.Deliver(l.events, ev) {
		emc.Metrics().RecordTransportFailure(transportName, "buffer_full_drop")
	}
}

// Events implements emc.Transport.
func (l *LocalTransport) Events() <-chan *emc.Event { return l.events }

// Close detaches from the server and closes Events. Idempotent.
func (l *LocalTransport) Close() error {
	l.server.mu.Lock()
	delete(l.server.locals, l)
	l.server.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.connected = false
	close(l.events)
	return nil
}

// Healthy reports whether the transport is attached.
func (l *LocalTransport) Healthy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected && !l.closed
}
