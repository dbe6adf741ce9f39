package grpchub

import (
	"context"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Address of the gRPC server hosting the hub, host:port.
	Address     string
	BufferSize  int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	DialOptions []grpc.DialOption
}

// Client is an emc.Transport attached to a remote Hub. A broken stream is
// reopened with exponential backoff until Close.
type Client struct {
	cfg    ClientConfig
	log    logger.Logger
	events chan *emc.Event

	mu      sync.RWMutex
	conn    *grpc.ClientConn
	stream  grpc.ClientStream
	started bool
	closed  bool

	sendMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
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
		log:    logger.OrNop(log).Named("emc.grpc").With("address", cfg.Address),
		events: make(chan *emc.Event, cfg.BufferSize),
	}
}

func (c *Client) Name() string { return transportName }

// Connect opens the event stream and waits for the hub to confirm it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return emc.ErrTransportClosed
	}
	if c.started {
		return nil
	}
	if c.cfg.Address == "" {
		return &emc.TransportError{Transport: transportName, Op: "connect", Cause: errors.New("address is required")}
	}

	opts := c.cfg.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(c.cfg.Address, opts...)
	if err != nil {
		return &emc.TransportError{Transport: transportName, Op: "connect", Cause: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stream, cancelStream, err := openStream(ctx, runCtx, conn)
	if err != nil {
		cancel()
		_ = conn.Close()
		return &emc.TransportError{Transport: transportName, Op: "connect", Cause: err}
	}

	c.conn = conn
	c.stream = stream
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go c.run(runCtx, stream, cancelStream)
	return nil
}

// openStream starts a Connect stream bound to runCtx and waits up to waitCtx
// for the hub's response headers.
func openStream(waitCtx, runCtx context.Context, conn *grpc.ClientConn) (grpc.ClientStream, context.CancelFunc, error) {
	streamCtx, cancelStream := context.WithCancel(runCtx)
	stream, err := conn.NewStream(streamCtx, &ServiceDesc.Streams[0], connectMethod)
	if err != nil {
		cancelStream()
		return nil, nil, err
	}

	confirmed := make(chan error, 1)
	go func() {
		_, err := stream.Header()
		confirmed <- err
	}()

	select {
	case err := <-confirmed:
		if err != nil {
			cancelStream()
			return nil, nil, err
		}
	case <-waitCtx.Done():
		cancelStream()
		return nil, nil, waitCtx.Err()
	}
	return stream, cancelStream, nil
}

func (c *Client) run(ctx context.Context, stream grpc.ClientStream, cancelStream context.CancelFunc) {
	defer c.wg.Done()

	for {
		c.recvLoop(stream)
		cancelStream()

		c.mu.Lock()
		if c.stream == stream {
			c.stream = nil
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		c.log.Warn("emc stream lost, reopening")

		next, cancelNext, ok := c.reopen(ctx)
		if !ok {
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			cancelNext()
			return
		}
		c.stream = next
		c.mu.Unlock()
		stream, cancelStream = next, cancelNext
		c.log.Info("emc stream reopened")
	}
}

func (c *Client) recvLoop(stream grpc.ClientStream) {
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			return
		}
		ev, err := fromMessage(msg)
		if err != nil {
			emc.Metrics().RecordTransportFailure(transportName, "decode")
			continue
		}
		if !emc.Deliver(c.events, ev) {
			emc.Metrics().RecordTransportFailure(transportName, "buffer_full_drop")
		}
	}
}

func (c *Client) reopen(ctx context.Context) (grpc.ClientStream, context.CancelFunc, bool) {
	backoff := c.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return nil, nil, false
		case <-time.After(backoff):
		}

		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxBackoff)
		stream, cancelStream, err := openStream(waitCtx, ctx, c.conn)
		cancel()
		if err == nil {
			return stream, cancelStream, true
		}
		emc.Metrics().RecordTransportFailure(transportName, "dial")
		c.log.Debug("emc stream reopen failed", "error", err, "backoff", backoff)

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// Publish sends ev to the hub. It fails while the stream is down.
func (c *Client) Publish(ctx context.Context, ev *emc.Event) error {
	msg, err := toMessage(ev)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	stream, closed := c.stream, c.closed
	c.mu.RUnlock()
	if closed {
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: emc.ErrTransportClosed}
	}
	if stream == nil {
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: errors.New("stream not open")}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := stream.SendMsg(msg); err != nil {
		emc.Metrics().RecordTransportFailure(transportName, "publish")
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: err}
	}
	return nil
}

func (c *Client) Events() <-chan *emc.Event { return c.events }

// Close ends the stream, closes the connection and closes Events. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if conn != nil {
		_ = conn.Close()
	}
	close(c.events)
	return nil
}

// Healthy reports whether the event stream is open.
func (c *Client) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream != nil && !c.closed
}
