package emc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/emc/memory"
)

func pair(t *testing.T) (*emc.Manager, *emc.Manager) {
	t.Helper()
	hub := memory.NewHub()
	a := emc.NewManager(hub.Transport(32), emc.WithInstanceID("a"))
	b := emc.NewManager(hub.Transport(32), emc.WithInstanceID("b"))
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestResetCoordinator_ConfirmedResetPublishesComplete(t *testing.T) {
	a, b := pair(t)
	peerEvents, cancel := b.Subscribe()
	defer cancel()

	coord := emc.NewResetCoordinator(a, time.Second, 0, nil)
	var resetCard int
	err := coord.ColdReset(context.Background(), 9, func(_ context.Context, cardNo int) error {
		resetCard = cardNo
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 9, resetCard)

	var kinds []emc.NotificationType
	deadline := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-peerEvents:
			kinds = append(kinds, ev.NotificationType)
		case <-deadline:
			t.Fatalf("peer saw only %v", kinds)
		}
	}
	assert.Equal(t, []emc.NotificationType{emc.ColdReset, emc.ResetComplete}, kinds)
}

func TestResetCoordinator_AbortsWhenUnconfirmed(t *testing.T) {
	hub := memory.NewHub()
	lonely := emc.NewManager(hub.Transport(8), emc.WithInstanceID("lonely"))
	require.NoError(t, lonely.Start(context.Background()))
	defer lonely.Close()

	coord := emc.NewResetCoordinator(lonely, 50*time.Millisecond, 1, nil)
	called := false
	err := coord.HotReset(context.Background(), 2, func(context.Context, int) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, emc.ErrCoordinationUnconfirmed)
	assert.False(t, called)
}

func TestResetCoordinator_ResetFailureStillCompletes(t *testing.T) {
	a, b := pair(t)
	peerEvents, cancel := b.Subscribe()
	defer cancel()

	coord := emc.NewResetCoordinator(a, time.Second, 0, nil)
	boom := errors.New("card did not come back")
	err := coord.HotReset(context.Background(), 1, func(context.Context, int) error { return boom })
	assert.ErrorIs(t, err, boom)

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-peerEvents:
				if ev.NotificationType == emc.ResetComplete {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestResetCoordinator_AbortReleasesPeers(t *testing.T) {
	hub := memory.NewHub()
	initiator := emc.NewManager(hub.Transport(32), emc.WithInstanceID("line-b"))
	peer := emc.NewManager(hub.Transport(32), emc.WithInstanceID("line-a"), emc.WithAutoAcknowledge(false))
	require.NoError(t, initiator.Start(context.Background()))
	require.NoError(t, peer.Start(context.Background()))
	t.Cleanup(func() {
		_ = initiator.Close()
		_ = peer.Close()
	})
	peerEvents, cancel := peer.Subscribe()
	defer cancel()

	coord := emc.NewResetCoordinator(initiator, 50*time.Millisecond, 0, nil)
	err := coord.ColdReset(context.Background(), 3, func(context.Context, int) error {
		t.Error("reset ran without confirmation")
		return nil
	})
	require.ErrorIs(t, err, emc.ErrCoordinationUnconfirmed)

	var kinds []emc.NotificationType
	deadline := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-peerEvents:
			assert.Equal(t, 3, ev.CardNo)
			kinds = append(kinds, ev.NotificationType)
		case <-deadline:
			t.Fatalf("peer saw only %v", kinds)
		}
	}
	assert.Equal(t, []emc.NotificationType{emc.ColdReset, emc.ReleaseLock}, kinds)
}

// stalledTransport accepts a connection but never completes a publish
// before the caller gives up.
type stalledTransport struct {
	once   sync.Once
	events chan *emc.Event
}

func (s *stalledTransport) Name() string                  { return "stalled" }
func (s *stalledTransport) Connect(context.Context) error { return nil }
func (s *stalledTransport) Events() <-chan *emc.Event     { return s.events }
func (s *stalledTransport) Healthy() bool                 { return true }

func (s *stalledTransport) Publish(ctx context.Context, _ *emc.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stalledTransport) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func TestResetCoordinator_CancelledCallerIsNotUnconfirmed(t *testing.T) {
	m := emc.NewManager(&stalledTransport{events: make(chan *emc.Event)},
		emc.WithInstanceID("line-b"),
		emc.WithPublishTimeout(20*time.Millisecond),
	)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	coord := emc.NewResetCoordinator(m, time.Minute, 0, nil)
	err := coord.HotReset(ctx, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, emc.ErrCoordinationUnconfirmed)
}
