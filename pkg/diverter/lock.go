// Package diverter guards and drives the physical diverters on the line.
//
// Every hardware action on a diverter runs under that diverter's
// ResourceLock. Locks live in a Registry, created on first use and kept for
// the lifetime of the process, so every code path that touches a diverter
// shares the same instance.
package diverter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrLockClosed is returned when acquiring a lock that has been closed.
var ErrLockClosed = errors.New("diverter: resource lock closed")

// maxReaders bounds concurrent readers; a writer takes the full weight.
const maxReaders = 1 << 20

// Mode is the kind of access a Handle holds.
type Mode int

const (
	ReadMode Mode = iota
	WriteMode
)

// ResourceLock is a cancellable reader/writer lock for one diverter.
//
// Waiters are served in FIFO order, so a queued writer is not starved by a
// stream of readers. The lock is not re-entrant: acquiring it twice on the
// same call chain can deadlock.
type ResourceLock struct {
	diverterID int64
	sem        *semaphore.Weighted

	closed      atomic.Bool
	closeOnce   sync.Once
	closeCtx    context.Context
	closeCancel context.CancelFunc

	writers atomic.Int32
	readers atomic.Int32
}

// NewResourceLock creates the lock for one diverter.
func NewResourceLock(diverterID int64) *ResourceLock {
	closeCtx, closeCancel := context.WithCancel(context.Background())
	return &ResourceLock{
		diverterID:  diverterID,
		sem:         semaphore.NewWeighted(maxReaders),
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
	}
}

// DiverterID returns the guarded diverter.
func (l *ResourceLock) DiverterID() int64 { return l.diverterID }

// AcquireWriteLock waits for exclusive access. A cancelled wait returns the
// context error without holding the lock.
func (l *ResourceLock) AcquireWriteLock(ctx context.Context) (*Handle, error) {
	if err := l.acquire(ctx, maxReaders); err != nil {
		return nil, err
	}
	l.writers.Add(1)
	return &Handle{lock: l, mode: WriteMode}, nil
}

// AcquireReadLock waits for shared access.
func (l *ResourceLock) AcquireReadLock(ctx context.Context) (*Handle, error) {
	if err := l.acquire(ctx, 1); err != nil {
		return nil, err
	}
	l.readers.Add(1)
	return &Handle{lock: l, mode: ReadMode}, nil
}

func (l *ResourceLock) acquire(ctx context.Context, weight int64) error {
	if l.closed.Load() {
		return ErrLockClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Close aborts pending waiters through the derived context.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.closeCtx, cancel)
	defer stop()

	if err := l.sem.Acquire(waitCtx, weight); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrLockClosed
	}
	if l.closed.Load() {
		l.sem.Release(weight)
		return ErrLockClosed
	}
	return nil
}

// Held reports the current writer and reader counts.
func (l *ResourceLock) Held() (writers, readers int) {
	return int(l.writers.Load()), int(l.readers.Load())
}

// Close rejects future acquisitions and aborts pending waits. Handles that
// were already granted keep working and release normally. Close is
// idempotent and safe to call concurrently.
func (l *ResourceLock) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeCancel()
	})
}

// Handle is a granted lock. Release is idempotent; callers should defer it
// immediately after a successful acquisition.
type Handle struct {
	lock     *ResourceLock
	mode     Mode
	released atomic.Bool
}

// Mode returns whether the handle is a read or write grant.
func (h *Handle) Mode() Mode { return h.mode }

// Release returns the grant to the lock.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if h.mode == WriteMode {
		h.lock.writers.Add(-1)
		h.lock.sem.Release(maxReaders)
		return
	}
	h.lock.readers.Add(-1)
	h.lock.sem.Release(1)
}
