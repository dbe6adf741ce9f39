package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

const (
	defaultMonitorMaxConnections = 32
	defaultPingInterval          = 30 * time.Second
	defaultPongTimeout           = 10 * time.Second
	defaultWriteTimeout          = 10 * time.Second
	defaultSendBuffer            = 32
)

var errMonitorFull = errors.New("emc monitor connection limit reached")

// EventSource delivers EMC events from peer instances.
type EventSource interface {
	Subscribe() (<-chan *emc.Event, func())
}

// MonitorConfig configures the EMC event monitor.
type MonitorConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// EventMessage is the frame sent to monitor clients.
type EventMessage struct {
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Payload   *emc.Event `json:"payload"`
}

type monitorRequest struct {
	Type   string `json:"type"`
	CardNo *int   `json:"card_no,omitempty"`
}

type monitorClient struct {
	conn      *websocket.Conn
	send      chan []byte
	mu        sync.RWMutex
	cards     map[int]struct{}
	closeOnce sync.Once
}

func newMonitorClient(conn *websocket.Conn) *monitorClient {
	return &monitorClient{
		conn:  conn,
		send:  make(chan []byte, defaultSendBuffer),
		cards: make(map[int]struct{}),
	}
}

func (c *monitorClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *monitorClient) watch(cardNo int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cards[cardNo] = struct{}{}
}

func (c *monitorClient) unwatch(cardNo int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cards, cardNo)
}

// wants reports whether the client follows cardNo. A client that named no
// card follows all of them.
func (c *monitorClient) wants(cardNo int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.cards) == 0 {
		return true
	}
	_, ok := c.cards[cardNo]
	return ok
}

// ConnectionManager tracks monitor clients.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*monitorClient]struct{}
	maxConnections int
}

// NewConnectionManager creates a manager with max connection limit.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = defaultMonitorMaxConnections
	}
	return &ConnectionManager{
		clients:        make(map[*monitorClient]struct{}),
		maxConnections: maxConnections,
	}
}

func (m *ConnectionManager) register(client *monitorClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConnections {
		return errMonitorFull
	}
	m.clients[client] = struct{}{}
	return nil
}

func (m *ConnectionManager) unregister(client *monitorClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[client]; !ok {
		return
	}
	delete(m.clients, client)
	client.close()
}

// Count returns active connection count.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *ConnectionManager) canAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) < m.maxConnections
}

// Broadcast sends ev to every client following its card. Clients whose
// buffer is full are dropped.
func (m *ConnectionManager) Broadcast(ev *emc.Event) error {
	payload, err := json.Marshal(EventMessage{
		Type:      "emc." + string(ev.NotificationType),
		Timestamp: time.Now().UTC(),
		Payload:   ev,
	})
	if err != nil {
		return err
	}

	// Sends happen under the read lock so unregister cannot close a send
	// channel mid-broadcast.
	var slow []*monitorClient
	m.mu.RLock()
	for client := range m.clients {
		if !client.wants(ev.CardNo) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	m.mu.RUnlock()

	for _, client := range slow {
		m.unregister(client)
	}
	return nil
}

// Close disconnects every client.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		client.close()
		delete(m.clients, client)
	}
}

// EMCEventsHandler streams EMC events from peers to operator websockets
// on GET /api/v1/emc/events. Clients narrow the stream with
// {"type":"subscribe","card_no":N} and widen it with "unsubscribe".
type EMCEventsHandler struct {
	log          logger.Logger
	manager      *ConnectionManager
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

// NewEMCEventsHandler creates a monitor handler. Events flow once Run is
// started.
func NewEMCEventsHandler(log logger.Logger, cfg MonitorConfig) *EMCEventsHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	h := &EMCEventsHandler{
		log:          logger.OrNop(log).Named("emc.monitor"),
		manager:      NewConnectionManager(cfg.MaxConnections),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	allowed := append([]string(nil), cfg.AllowedOrigins...)
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return isOriginAllowed(r, allowed) },
	}
	return h
}

// Run forwards events from source to the connected clients until ctx is
// done or the source closes the subscription.
func (h *EMCEventsHandler) Run(ctx context.Context, source EventSource) error {
	events, unsubscribe := source.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := h.manager.Broadcast(ev); err != nil {
				h.log.Warn("emc event broadcast failed", "event_id", ev.EventID, "error", err)
			}
		}
	}
}

// Clients returns the number of connected monitors.
func (h *EMCEventsHandler) Clients() int { return h.manager.Count() }

// ServeHTTP upgrades the request and streams events to the client.
func (h *EMCEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.manager.canAccept() {
		http.Error(w, errMonitorFull.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newMonitorClient(conn)
	if err := h.manager.register(client); err != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(h.writeTimeout),
		)
		_ = conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *EMCEventsHandler) readPump(client *monitorClient) {
	defer h.manager.unregister(client)

	readDeadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(4 << 10)
	_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("monitor read error", "error", err)
			}
			return
		}

		var req monitorRequest
		if err := json.Unmarshal(data, &req); err != nil || req.CardNo == nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(req.Type)) {
		case "subscribe":
			client.watch(*req.CardNo)
		case "unsubscribe":
			client.unwatch(*req.CardNo)
		}
	}
}

func (h *EMCEventsHandler) writePump(client *monitorClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.manager.unregister(client)
	}()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout),
				)
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// Close disconnects all monitors.
func (h *EMCEventsHandler) Close() {
	h.manager.Close()
}

func isOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
