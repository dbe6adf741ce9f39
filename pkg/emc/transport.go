package emc

import (
	"context"
	"errors"
	"fmt"
)

// Transport delivers events between instances. Publish reaches every
// connected instance, the publisher included when the medium echoes.
// Events is closed once the transport is closed.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Publish(ctx context.Context, event *Event) error
	Events() <-chan *Event
	Close() error
	Healthy() bool
}

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("emc: transport closed")

// TransportError reports a delivery failure at the transport boundary.
type TransportError struct {
	Transport string
	Op        string
	Cause     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("emc %s transport %s failed: %v", e.Transport, e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// IsTransportError reports whether err is a TransportError.
func IsTransportError(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// Deliver pushes ev into ch, dropping the oldest buffered event when the
// buffer is full. It reports whether ev was delivered.
func Deliver(ch chan *Event, ev *Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
