package sorter

import (
	"context"
	"fmt"
	"time"

	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

// CardResetter performs the physical reset of an IO card.
type CardResetter interface {
	ResetCard(ctx context.Context, cardNo int, cold bool) error
}

// CardResetterFunc adapts a function to CardResetter.
type CardResetterFunc func(ctx context.Context, cardNo int, cold bool) error

func (f CardResetterFunc) ResetCard(ctx context.Context, cardNo int, cold bool) error {
	return f(ctx, cardNo, cold)
}

type loggingResetter struct {
	log logger.Logger
}

func (r loggingResetter) ResetCard(ctx context.Context, cardNo int, cold bool) error {
	r.log.InfoContext(ctx, "card reset", "card_no", cardNo, "cold", cold)
	return nil
}

func localResetReason(cardNo int) string {
	return fmt.Sprintf("local reset of card %d", cardNo)
}

func peerResetReason(instanceID string, cardNo int) string {
	return fmt.Sprintf("peer %s resetting card %d", instanceID, cardNo)
}

func peerLockReason(instanceID string, cardNo int) string {
	return fmt.Sprintf("peer %s locking card %d", instanceID, cardNo)
}

// Reset resets an IO card. With EMC configured, peers must confirm first;
// an unconfirmed handshake aborts with emc.ErrCoordinationUnconfirmed and
// nothing is touched. Dispatch is paused and the queues are cleared while
// the card resets.
func (s *Service) Reset(ctx context.Context, cardNo int, cold bool) error {
	reason := localResetReason(cardNo)
	fn := func(ctx context.Context, cardNo int) error {
		s.dispatcher.Pause(reason)
		defer s.dispatcher.Resume(reason)

		cleared := s.ClearAllQueues()
		s.log.Warn("queues cleared for card reset", "card_no", cardNo, "cold", cold, "cleared", cleared)
		return s.deps.Resetter.ResetCard(ctx, cardNo, cold)
	}

	if s.coordinator == nil {
		return fn(ctx, cardNo)
	}
	if cold {
		return s.coordinator.ColdReset(ctx, cardNo, fn)
	}
	return s.coordinator.HotReset(ctx, cardNo, fn)
}

// watchPeers holds dispatch while another instance locks or resets a card.
// ResetComplete ends a reset hold; ReleaseLock ends any hold the peer has on
// that card, including a reset it abandoned. PeerResetHold bounds every hold.
func (s *Service) watchPeers(ctx context.Context) error {
	events, unsubscribe := s.deps.EMC.Subscribe()
	defer unsubscribe()

	self := s.deps.EMC.InstanceID()
	held := make(map[string]time.Time)
	var expiry <-chan time.Time

	rearm := func() {
		expiry = nil
		var earliest time.Time
		for _, until := range held {
			if earliest.IsZero() || until.Before(earliest) {
				earliest = until
			}
		}
		if !earliest.IsZero() {
			expiry = s.clock.After(earliest.Sub(s.clock.Now()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			for reason := range held {
				s.dispatcher.Resume(reason)
			}
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.InstanceID == self {
				continue
			}
			resetting := peerResetReason(ev.InstanceID, ev.CardNo)
			locking := peerLockReason(ev.InstanceID, ev.CardNo)
			release := func(reasons ...string) {
				for _, reason := range reasons {
					if _, ok := held[reason]; ok {
						delete(held, reason)
						s.dispatcher.Resume(reason)
					}
				}
				rearm()
			}

			switch ev.NotificationType {
			case emc.ColdReset, emc.HotReset, emc.RequestLock:
				reason := resetting
				if ev.NotificationType == emc.RequestLock {
					reason = locking
				}
				s.dispatcher.Pause(reason)
				held[reason] = s.clock.Now().Add(s.cfg.PeerResetHold)
				rearm()
				if s.cfg.ReadyAfterPause {
					s.deps.EMC.SendReady(ctx, ev.EventID, ev.CardNo)
				}
			case emc.ResetComplete:
				release(resetting)
			case emc.ReleaseLock:
				release(resetting, locking)
			}

		case <-expiry:
			now := s.clock.Now()
			for reason, until := range held {
				if !now.Before(until) {
					s.log.Warn("peer reset not completed in time, resuming dispatch", "reason", reason)
					delete(held, reason)
					s.dispatcher.Resume(reason)
				}
			}
			rearm()
		}
	}
}
