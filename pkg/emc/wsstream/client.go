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
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL of the relay server, e.g. ws://host:8080/ws/emc.
	URL        string
	Header     http.Header
	BufferSize int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client is an emc.Transport dialing a relay Server. Dropped connections are
// redialed with exponential backoff until Close.
type Client struct {
	cfg    ClientConfig
	log    logger.Logger
	dialer *websocket.Dialer
	events chan *emc.Event

	mu      sync.RWMutex
	conn    *websocket.Conn
	started bool
	closed  bool

	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ emc.Transport = (*Client)(nil)

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(cfg ClientConfig, log logger.Logger) *Client {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultSendBuffer
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Client{
		cfg:    cfg,
		log:    logger.OrNop(log).Named("emc.ws").With("url", cfg.URL),
		dialer: &websocket.Dialer{HandshakeTimeout: defaultWriteTimeout},
		events: make(chan *emc.Event, cfg.BufferSize),
	}
}

// Name implements emc.Transport.
func (c *Client) Name() string { return transportName }

// Connect dials the server once; later drops are redialed in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return emc.ErrTransportClosed
	}
	if c.started {
		return nil
	}
	if c.cfg.URL == "" {
		return &emc.TransportError{Transport: transportName, Op: "connect", Cause: errors.New("url is required")}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return &emc.TransportError{Transport: transportName, Op: "connect", Cause: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.conn = conn
	c.started = true

	c.wg.Add(1)
	go c.run(runCtx, conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		c.readPump(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.log.Warn("emc websocket disconnected, redialing")

		next, ok := c.redial(ctx)
		if !ok {
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.conn = next
		c.mu.Unlock()
		conn = next
		c.log.Info("emc websocket reconnected")
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := emc.Decode(data)
		if err != nil {
			emc.Metrics().RecordTransportFailure(transportName, "decode")
			continue
		}
		if !emc.Deliver(c.events, ev) {
			emc.Metrics().RecordTransportFailure(transportName, "buffer_full_drop")
		}
	}
}

func (c *Client) redial(ctx context.Context) (*websocket.Conn, bool) {
	backoff := c.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, true
		}
		emc.Metrics().RecordTransportFailure(transportName, "dial")
		c.log.Debug("emc websocket redial failed", "error", err, "backoff", backoff)

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// Publish writes ev to the server. It fails while disconnected.
func (c *Client) Publish(ctx context.Context, ev *emc.Event) error {
	frame, err := emc.Encode(ev)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()
	if closed {
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: emc.ErrTransportClosed}
	}
	if conn == nil {
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: errors.New("not connected")}
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		emc.Metrics().RecordTransportFailure(transportName, "publish")
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: err}
	}
	return nil
}

// Events implements emc.Transport.
func (c *Client) Events() <-chan *emc.Event { return c.events }

// Close stops redialing, drops the connection and closes Events. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
	close(c.events)
	return nil
}

// Healthy reports whether a connection is currently up.
func (c *Client) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.closed
}
