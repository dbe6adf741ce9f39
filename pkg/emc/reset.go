package emc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wheelsort/wheelsort/pkg/logger"
)

// ErrCoordinationUnconfirmed is returned when peers did not confirm a reset
// in time and the reset was therefore not performed.
var ErrCoordinationUnconfirmed = errors.New("emc: peer coordination unconfirmed")

// ResetFunc performs the physical reset of one card.
type ResetFunc func(ctx context.Context, cardNo int) error

// ResetCoordinator wraps a hardware reset in the EMC handshake: announce,
// wait for peers, reset, then publish ResetComplete.
type ResetCoordinator struct {
	manager *Manager
	timeout time.Duration
	retries int
	log     logger.Logger
}

// NewResetCoordinator creates a coordinator. retries is the number of extra
// handshake attempts after a timeout.
func NewResetCoordinator(manager *Manager, timeout time.Duration, retries int, log logger.Logger) *ResetCoordinator {
	if retries < 0 {
		retries = 0
	}
	return &ResetCoordinator{
		manager: manager,
		timeout: timeout,
		retries: retries,
		log:     logger.OrNop(log).Named("emc.reset"),
	}
}

// ColdReset coordinates a cold reset of cardNo.
func (c *ResetCoordinator) ColdReset(ctx context.Context, cardNo int, fn ResetFunc) error {
	return c.run(ctx, ColdReset, cardNo, fn)
}

// HotReset coordinates a hot reset of cardNo.
func (c *ResetCoordinator) HotReset(ctx context.Context, cardNo int, fn ResetFunc) error {
	return c.run(ctx, HotReset, cardNo, fn)
}

func (c *ResetCoordinator) run(ctx context.Context, kind NotificationType, cardNo int, fn ResetFunc) error {
	notify := c.manager.NotifyColdReset
	if kind == HotReset {
		notify = c.manager.NotifyHotReset
	}

	var (
		confirmed bool
		announced bool
	)
	for attempt := 0; attempt <= c.retries && !confirmed; attempt++ {
		ok, err := notify(ctx, cardNo, c.timeout)
		if err != nil {
			if announced || !IsTransportError(err) {
				c.release(ctx, kind, cardNo)
			}
			return err
		}
		announced = true
		confirmed = ok
		if !ok {
			c.log.WarnContext(ctx, "reset not confirmed by peers",
				"kind", string(kind),
				"card_no", cardNo,
				"attempt", attempt+1,
			)
		}
	}
	if !confirmed {
		c.release(ctx, kind, cardNo)
		return fmt.Errorf("%s of card %d aborted: %w", kind, cardNo, ErrCoordinationUnconfirmed)
	}

	err := fn(ctx, cardNo)
	if !c.manager.NotifyResetComplete(context.WithoutCancel(ctx), cardNo) {
		c.log.WarnContext(ctx, "reset complete notification not delivered", "card_no", cardNo)
	}
	if err != nil {
		return fmt.Errorf("%s of card %d: %w", kind, cardNo, err)
	}
	c.log.InfoContext(ctx, "coordinated reset finished", "kind", string(kind), "card_no", cardNo)
	return nil
}

// release tells peers that already paused for an announced reset that it
// will not happen.
func (c *ResetCoordinator) release(ctx context.Context, kind NotificationType, cardNo int) {
	if !c.manager.ReleaseLock(context.WithoutCancel(ctx), cardNo) {
		c.log.WarnContext(ctx, "reset abort release not delivered", "kind", string(kind), "card_no", cardNo)
	}
}
