package grpchub

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wheelsort/wheelsort/pkg/emc"
	rpcserver "github.com/wheelsort/wheelsort/pkg/grpc"
	"github.com/wheelsort/wheelsort/pkg/grpc/interceptors"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

const (
	defaultSendBuffer        = 64
	defaultMessagesPerSecond = 200
	defaultBurst             = 400
)

// HubConfig configures a Hub.
type HubConfig struct {
	// MessagesPerSecond limits inbound events per stream.
	MessagesPerSecond float64
	Burst             int
	SendBuffer        int
}

type hubStream struct {
	id     string
	send   chan *structpb.Struct
	cancel context.CancelFunc
}

// Hub relays events between connected streams and local transports.
type Hub struct {
	log        logger.Logger
	limiter    *interceptors.RateLimiter
	sendBuffer int

	mu      sync.RWMutex
	server  *rpcserver.Server
	streams map[*hubStream]struct{}
	locals  map[*LocalTransport]struct{}
	closed  bool
}

var _ EventHubServer = (*Hub)(nil)

// NewHub creates a hub.
func NewHub(cfg HubConfig, log logger.Logger) *Hub {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return &Hub{
		log:        logger.OrNop(log).Named("emc.grpc"),
		limiter:    interceptors.NewRateLimiter(cfg.MessagesPerSecond, cfg.Burst),
		sendBuffer: cfg.SendBuffer,
		streams:    make(map[*hubStream]struct{}),
		locals:     make(map[*LocalTransport]struct{}),
	}
}

// Register queues the hub on srv. Call before srv.Start.
func (h *Hub) Register(srv *rpcserver.Server) error {
	if err := srv.RegisterService(&ServiceDesc, h); err != nil {
		return err
	}
	h.mu.Lock()
	h.server = srv
	h.mu.Unlock()
	return nil
}

// Streams returns the number of connected client streams.
func (h *Hub) Streams() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// Connect implements EventHubServer.
func (h *Hub) Connect(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	hs := &hubStream{
		id:     uuid.NewString(),
		send:   make(chan *structpb.Struct, h.sendBuffer),
		cancel: cancel,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return status.Error(codes.Unavailable, "emc hub closed")
	}
	h.streams[hs] = struct{}{}
	h.mu.Unlock()

	log := h.log.With("stream", hs.id, "peer", interceptors.ClientKey(ctx))
	log.Info("emc stream connected")

	// Headers confirm the stream to the client before any event flows.
	if err := stream.SendHeader(metadata.Pairs("x-emc-stream", hs.id)); err != nil {
		h.unregister(hs)
		return err
	}

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for msg := range hs.send {
			if err := stream.SendMsg(msg); err != nil {
				cancel()
				// Drain so relay never blocks on a dead stream.
				for range hs.send {
				}
				return
			}
		}
	}()

	recvErr := make(chan error, 1)
	go func() {
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				recvErr <- err
				return
			}
			if !h.limiter.Allow(hs.id) {
				emc.Metrics().RecordTransportFailure(transportName, "rate_limited")
				continue
			}
			ev, err := fromMessage(msg)
			if err != nil {
				emc.Metrics().RecordTransportFailure(transportName, "decode")
				continue
			}
			h.relay(ev)
		}
	}()

	var err error
	select {
	case err = <-recvErr:
	case <-ctx.Done():
	}

	h.unregister(hs)
	<-sendDone
	h.limiter.Forget(hs.id)
	log.Info("emc stream disconnected")

	if err == nil || errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
		return nil
	}
	return err
}

func (h *Hub) unregister(hs *hubStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[hs]; !ok {
		return
	}
	delete(h.streams, hs)
	close(hs.send)
}

// relay pushes ev to every stream and local transport. Streams whose buffer
// is full are cancelled.
func (h *Hub) relay(ev *emc.Event) {
	msg, err := toMessage(ev)
	if err != nil {
		emc.Metrics().RecordTransportFailure(transportName, "encode")
		return
	}

	h.mu.RLock()
	for hs := range h.streams {
		select {
		case hs.send <- msg:
		default:
			h.log.Warn("emc stream too slow, disconnecting", "stream", hs.id)
			hs.cancel()
		}
	}
	locals := make([]*LocalTransport, 0, len(h.locals))
	for l := range h.locals {
		locals = append(locals, l)
	}
	h.mu.RUnlock()

	for _, l := range locals {
		l.deliver(ev.Clone())
	}
}

// Close ends every stream and local transport. Call before stopping the
// gRPC server so graceful shutdown is not held up by open streams.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	srv := h.server
	for hs := range h.streams {
		hs.cancel()
	}
	locals := h.locals
	h.locals = make(map[*LocalTransport]struct{})
	h.mu.Unlock()

	if srv != nil {
		srv.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	for l := range locals {
		_ = l.Close()
	}
	return nil
}

// Transport returns a transport for the instance hosting the hub.
func (h *Hub) Transport(bufferSize int) *LocalTransport {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &LocalTransport{hub: h, events: make(chan *emc.Event, bufferSize)}
}

// LocalTransport is an emc.Transport attached directly to a Hub.
type LocalTransport struct {
	hub    *Hub
	events chan *emc.Event

	mu        sync.RWMutex
	connected bool
	closed    bool
}

var _ emc.Transport = (*LocalTransport)(nil)

func (l *LocalTransport) Name() string { return transportName }

func (l *LocalTransport) Connect(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return emc.ErrTransportClosed
	}
	if l.connected {
		return nil
	}
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	if l.hub.closed {
		return emc.ErrTransportClosed
	}
	l.hub.locals[l] = struct{}{}
	l.connected = true
	return nil
}

func (l *LocalTransport) Publish(ctx context.Context, ev *emc.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.Healthy() {
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: emc.ErrTransportClosed}
	}
	l.hub.relay(ev)
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

func (l *LocalTransport) Events() <-chan *emc.Event { return l.events }

// Close detaches from the hub and closes Events. Idempotent.
func (l *LocalTransport) Close() error {
	l.hub.mu.Lock()
	delete(l.hub.locals, l)
	l.hub.mu.Unlock()

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

func (l *LocalTransport) Healthy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected && !l.closed
}
