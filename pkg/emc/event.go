// Package emc coordinates hardware resets across controller instances that
// share one electromechanical control bus. Requests are correlated with their
// responses by EventID alone; delivery is delegated to a pluggable Transport.
package emc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NotificationType identifies the kind of EMC event.
type NotificationType string

const (
	RequestLock   NotificationType = "RequestLock"
	ReleaseLock   NotificationType = "ReleaseLock"
	ColdReset     NotificationType = "ColdReset"
	HotReset      NotificationType = "HotReset"
	ResetComplete NotificationType = "ResetComplete"
	Acknowledge   NotificationType = "Acknowledge"
	Ready         NotificationType = "Ready"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case RequestLock, ReleaseLock, ColdReset, HotReset, ResetComplete, Acknowledge, Ready:
		return true
	}
	return false
}

// IsRequest reports whether t expects peers to answer.
func (t NotificationType) IsRequest() bool {
	return t == RequestLock || t == ColdReset || t == HotReset
}

// IsResponse reports whether t answers a pending request.
func (t NotificationType) IsResponse() bool {
	return t == Acknowledge || t == Ready
}

// Event is the message exchanged between instances.
type Event struct {
	EventID          string           `json:"event_id"`
	InstanceID       string           `json:"instance_id"`
	NotificationType NotificationType `json:"notification_type"`
	CardNo           int              `json:"card_no"`
	TimeoutMs        int64            `json:"timeout_ms"`
	Message          string           `json:"message,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

var (
	// ErrInvalidEvent wraps every event validation failure.
	ErrInvalidEvent = errors.New("emc: invalid event")
	// ErrManagerClosed is returned by waits interrupted by Close.
	ErrManagerClosed = errors.New("emc: manager closed")
	// ErrNotStarted is returned when a handshake is attempted before Start.
	ErrNotStarted = errors.New("emc: manager not started")
)

// Validate checks the fields every transport relies on.
func (e *Event) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil", ErrInvalidEvent)
	case e.EventID == "":
		return fmt.Errorf("%w: empty event id", ErrInvalidEvent)
	case e.InstanceID == "":
		return fmt.Errorf("%w: empty instance id", ErrInvalidEvent)
	case !e.NotificationType.Valid():
		return fmt.Errorf("%w: unknown notification type %q", ErrInvalidEvent, e.NotificationType)
	case e.CardNo < 0:
		return fmt.Errorf("%w: negative card number", ErrInvalidEvent)
	}
	return nil
}

// Timeout returns TimeoutMs as a duration.
func (e *Event) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// Clone returns a copy of e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// Encode serialises an event for byte-oriented transports.
func Encode(e *Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates an event.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
