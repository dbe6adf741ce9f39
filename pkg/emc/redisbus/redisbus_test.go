package redisbus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/emc/emctest"
)

func requireRedisClient(tb testing.TB) redis.UniversalClient {
	tb.Helper()

	addr := os.Getenv("WHEELSORT_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		tb.Skipf("redis is not available at %s: %v", addr, err)
	}

	tb.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestRedisTransport_Conformance(t *testing.T) {
	client := requireRedisClient(t)
	suite := &emctest.Suite{
		Network: func(t *testing.T) func() emc.Transport {
			prefix := fmt.Sprintf("wheelsort:test:emc:%d:", time.Now().UnixNano())
			return func() emc.Transport {
				return New(client, Config{ChannelPrefix: prefix, BufferSize: 32}, nil)
			}
		},
		Settle: 50 * time.Millisecond,
	}
	suite.RunAll(t)
}

func TestRedisTransport_ChannelLayout(t *testing.T) {
	tr := New(nil, Config{ChannelPrefix: "p:"}, nil)
	ev := &emc.Event{EventID: "e", InstanceID: "node-1", NotificationType: emc.ColdReset, CardNo: 4}
	assert.Equal(t, "p:4.node-1", tr.Channel(ev))

	def := New(nil, Config{}, nil)
	assert.Equal(t, DefaultChannelPrefix+"4.node-1", def.Channel(ev))
}

func TestRedisTransport_NotConnected(t *testing.T) {
	tr := New(nil, Config{}, nil)
	assert.False(t, tr.Healthy())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Connect(context.Background()), emc.ErrTransportClosed)
}

func TestRedisTransport_IgnoresForeignPayloads(t *testing.T) {
	client := requireRedisClient(t)
	prefix := fmt.Sprintf("wheelsort:test:emc:junk:%d:", time.Now().UnixNano())
	tr := New(client, Config{ChannelPrefix: prefix}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	require.NoError(t, client.Publish(context.Background(), prefix+"1.x", "not an event").Err())
	ev := &emc.Event{EventID: "e-1", InstanceID: "x", NotificationType: emc.ReleaseLock, CardNo: 1, Timestamp: time.Now()}
	require.NoError(t, tr.Publish(context.Background(), ev))

	select {
	case got := <-tr.Events():
		assert.Equal(t, "e-1", got.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}
