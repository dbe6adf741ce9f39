// Package redisbus carries EMC events over Redis Pub/Sub. Each event is
// published on <prefix><cardNo>.<instanceID>; every instance pattern-subscribes
// to <prefix>* and therefore also receives its own events.
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

const (
	transportName = "redis"
	// DefaultChannelPrefix is used when Config.ChannelPrefix is empty.
	DefaultChannelPrefix = "wheelsort:emc:"
)

// Config configures a Transport.
type Config struct {
	ChannelPrefix string
	BufferSize    int
}

// Transport is a Redis Pub/Sub backed emc.Transport.
type Transport struct {
	client        redis.UniversalClient
	channelPrefix string
	log           logger.Logger

	events chan *emc.Event

	mu     sync.RWMutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

var _ emc.Transport = (*Transport)(nil)

// New creates a transport over client. The client is owned by the caller.
func New(client redis.UniversalClient, cfg Config, log logger.Logger) *Transport {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultChannelPrefix
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Transport{
		client:        client,
		channelPrefix: cfg.ChannelPrefix,
		log:           logger.OrNop(log).Named("emc.redis"),
		events:        make(chan *emc.Event, cfg.BufferSize),
	}
}

// Name implements emc.Transport.
func (t *Transport) Name() string { return transportName }

// Channel returns the channel an event is published on.
func (t *Transport) Channel(ev *emc.Event) string {
	return fmt.Sprintf("%s%d.%s", t.channelPrefix, ev.CardNo, ev.InstanceID)
}

// Connect subscribes to every EMC channel and waits for Redis to confirm.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return emc.ErrTransportClosed
	}
	if t.pubsub != nil {
		return nil
	}

	pubsub := t.client.PSubscribe(ctx, t.channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return &emc.TransportError{Transport: transportName, Op: "subscribe", Cause: err}
	}

	fwdCtx, cancel := context.WithCancel(context.Background())
	t.pubsub = pubsub
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.forwardMessages(fwdCtx, pubsub, t.done)
	return nil
}

// Publish sends ev to Redis.
func (t *Transport) Publish(ctx context.Context, ev *emc.Event) error {
	data, err := emc.Encode(ev)
	if err != nil {
		emc.Metrics().RecordTransportFailure(transportName, "encode")
		return err
	}

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: emc.ErrTransportClosed}
	}

	if err := t.client.Publish(ctx, t.Channel(ev), data).Err(); err != nil {
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: err}
	}
	return nil
}

func (t *Transport) forwardMessages(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)

	redisCh := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-redisCh:
			if !ok {
				return
			}
			ev, err := emc.Decode([]byte(msg.Payload))
			if err != nil {
				emc.Metrics().RecordTransportFailure(transportName, "decode")
				t.log.Debug("undecodable emc message", "channel", msg.Channel, "error", err)
				continue
			}
			if !emc.Deliver(t.events, ev) {
				emc.Metrics().RecordTransportFailure(transportName, "buffer_still_full")
			}
		}
	}
}

// Events implements emc.Transport.
func (t *Transport) Events() <-chan *emc.Event { return t.events }

// Close stops the subscription and closes Events. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pubsub, cancel, done := t.pubsub, t.cancel, t.done
	t.mu.Unlock()

	var err error
	if pubsub != nil {
		cancel()
		err = pubsub.Close()
		<-done
	}
	close(t.events)
	return err
}

// Healthy pings Redis.
func (t *Transport) Healthy() bool {
	t.mu.RLock()
	ok := !t.closed && t.pubsub != nil
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return t.client.Ping(context.Background()).Err() == nil
}
