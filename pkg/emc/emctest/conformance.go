// Package emctest holds the behavioural suite every EMC transport must pass.
package emctest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelsort/wheelsort/pkg/emc"
)

// Suite runs the EMC handshake over a transport implementation.
type Suite struct {
	// Network returns a factory of transports sharing one isolated medium.
	Network func(t *testing.T) func() emc.Transport
	// Settle is how long to wait after starting managers before publishing.
	Settle time.Duration
}

// RunAll runs every conformance test.
func (s *Suite) RunAll(t *testing.T) {
	t.Run("RequestConfirmedByPeer", s.TestRequestConfirmedByPeer)
	t.Run("ReadyFromHostResolves", s.TestReadyFromHostResolves)
	t.Run("TimesOutWithoutPeers", s.TestTimesOutWithoutPeers)
	t.Run("OtherEventIDDoesNotResolve", s.TestOtherEventIDDoesNotResolve)
	t.Run("FireAndForgetReachesPeers", s.TestFireAndForgetReachesPeers)
	t.Run("ConcurrentRequests", s.TestConcurrentRequests)
	t.Run("ClosedTransport", s.TestClosedTransport)
}

func (s *Suite) manager(t *testing.T, newTransport func() emc.Transport, id string, opts ...emc.Option) *emc.Manager {
	t.Helper()
	opts = append([]emc.Option{emc.WithInstanceID(id)}, opts...)
	m := emc.NewManager(newTransport(), opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func (s *Suite) settle() {
	if s.Settle > 0 {
		time.Sleep(s.Settle)
	}
}

// waitFor returns the next event of type want, skipping others.
func waitFor(ch <-chan *emc.Event, want emc.NotificationType, timeout time.Duration) (*emc.Event, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil, false
			}
			if ev.NotificationType == want {
				return ev, true
			}
		case <-deadline:
			return nil, false
		}
	}
}

func next(t *testing.T, ch <-chan *emc.Event, want emc.NotificationType) *emc.Event {
	t.Helper()
	ev, ok := waitFor(ch, want, 3*time.Second)
	if !ok {
		t.Fatalf("no %s event received", want)
	}
	return ev
}

func (s *Suite) TestRequestConfirmedByPeer(t *testing.T) {
	network := s.Network(t)
	a := s.manager(t, network, "node-a")
	b := s.manager(t, network, "node-b")
	seen, cancel := b.Subscribe()
	defer cancel()
	s.settle()

	ok, err := a.RequestLock(context.Background(), 3, 3*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ev := next(t, seen, emc.RequestLock)
	assert.Equal(t, "node-a", ev.InstanceID)
	assert.Equal(t, 3, ev.CardNo)
	assert.Equal(t, int64(3000), ev.TimeoutMs)
	assert.Zero(t, a.PendingRequests())
}

func (s *Suite) TestReadyFromHostResolves(t *testing.T) {
	network := s.Network(t)
	a := s.manager(t, network, "node-a")
	b := s.manager(t, network, "node-b", emc.WithAutoAcknowledge(false))
	seen, cancel := b.Subscribe()
	defer cancel()
	s.settle()

	go func() {
		ev, ok := waitFor(seen, emc.ColdReset, 3*time.Second)
		if !ok {
			t.Error("peer never saw the cold reset")
			return
		}
		b.SendReady(context.Background(), ev.EventID, ev.CardNo)
	}()

	ok, err := a.NotifyColdReset(context.Background(), 1, 3*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func (s *Suite) TestTimesOutWithoutPeers(t *testing.T) {
	network := s.Network(t)
	a := s.manager(t, network, "lonely")
	s.settle()

	start := time.Now()
	ok, err := a.NotifyHotReset(context.Background(), 2, 200*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "own echo must not confirm a request")
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func (s *Suite) TestOtherEventIDDoesNotResolve(t *testing.T) {
	network := s.Network(t)
	a := s.manager(t, network, "node-a")
	b := s.manager(t, network, "node-b", emc.WithAutoAcknowledge(false))
	seen, cancel := b.Subscribe()
	defer cancel()
	s.settle()

	go func() {
		ev, ok := waitFor(seen, emc.RequestLock, 3*time.Second)
		if !ok {
			t.Error("peer never saw the request")
			return
		}
		b.SendAcknowledge(context.Background(), ev.EventID+"-other", ev.CardNo)
		b.SendReady(context.Background(), "unrelated", ev.CardNo)
	}()

	ok, err := a.RequestLock(context.Background(), 4, 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func (s *Suite) TestFireAndForgetReachesPeers(t *testing.T) {
	network := s.Network(t)
	a := s.manager(t, network, "node-a")
	b := s.manager(t, network, "node-b")
	own, cancelOwn := a.Subscribe()
	defer cancelOwn()
	peer, cancelPeer := b.Subscribe()
	defer cancelPeer()
	s.settle()

	require.True(t, a.NotifyResetComplete(context.Background(), 5))
	require.True(t, a.ReleaseLock(context.Background(), 6))

	ev := next(t, peer, emc.ResetComplete)
	assert.Equal(t, 5, ev.CardNo)
	ev = next(t, peer, emc.ReleaseLock)
	assert.Equal(t, 6, ev.CardNo)

	select {
	case ev := <-own:
		t.Fatalf("instance notified of its own %s", ev.NotificationType)
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *Suite) TestConcurrentRequests(t *testing.T) {
	network := s.Network(t)
	a := s.manager(t, network, "node-a")
	s.manager(t, network, "node-b")
	s.settle()

	const n = 8
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := a.RequestLock(context.Background(), i, 3*time.Second)
			if err != nil {
				t.Errorf("card %d: %v", i, err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, fmt.Sprintf("card %d not confirmed", i))
	}
	assert.Zero(t, a.PendingRequests())
}

func (s *Suite) TestClosedTransport(t *testing.T) {
	network := s.Network(t)
	tr := network()
	require.NoError(t, tr.Connect(context.Background()))
	assert.Eventually(t, tr.Healthy, time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, tr.Healthy())

	err := tr.Publish(context.Background(), &emc.Event{
		EventID:          "e-1",
		InstanceID:       "node-a",
		NotificationType: emc.ReleaseLock,
		Timestamp:        time.Now(),
	})
	assert.Error(t, err)

	_, open := <-tr.Events()
	assert.False(t, open)
}
