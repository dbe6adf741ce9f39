package queue

import (
	"errors"
	"fmt"
)

// ErrNilItem is returned when a nil item is enqueued.
var ErrNilItem = errors.New("queue: nil item")

// QueueFullError is returned when a position queue is at capacity.
type QueueFullError struct {
	Position int
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("position %d queue is full (capacity: %d)", e.Position, e.Capacity)
}

// IsQueueFull reports whether err is a QueueFullError.
func IsQueueFull(err error) bool {
	var target *QueueFullError
	return errors.As(err, &target)
}
