package diverter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceLock_WriteMutualExclusion(t *testing.T) {
	lock := NewResourceLock(1)
	var held atomic.Bool
	var violations atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := lock.AcquireWriteLock(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer h.Release()
			if !held.CompareAndSwap(false, true) {
				violations.Add(1)
			}
			time.Sleep(100 * time.Microsecond)
			held.Store(false)
		}()
	}
	wg.Wait()

	assert.Zero(t, violations.Load(), "two writers held the lock at once")
}

func TestResourceLock_ReadersShare(t *testing.T) {
	lock := NewResourceLock(1)
	ctx := context.Background()

	r1, err := lock.AcquireReadLock(ctx)
	require.NoError(t, err)
	r2, err := lock.AcquireReadLock(ctx)
	require.NoError(t, err)

	_, readers := lock.Held()
	assert.Equal(t, 2, readers)

	r1.Release()
	r2.Release()
}

func TestResourceLock_WriterBlocksReaders(t *testing.T) {
	lock := NewResourceLock(1)
	w, err := lock.AcquireWriteLock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lock.AcquireReadLock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	w.Release()
	r, err := lock.AcquireReadLock(context.Background())
	require.NoError(t, err)
	r.Release()
}

func TestResourceLock_CancelledWaitDoesNotAcquire(t *testing.T) {
	lock := NewResourceLock(1)
	w, err := lock.AcquireWriteLock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := lock.AcquireWriteLock(ctx)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	w.Release()

	// The cancelled waiter must not have left a partial grant behind.
	writers, readers := lock.Held()
	assert.Zero(t, writers)
	assert.Zero(t, readers)
	quick, cancelQuick := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelQuick()
	h, err := lock.AcquireWriteLock(quick)
	require.NoError(t, err)
	h.Release()
}

func TestResourceLock_AlreadyCancelledContext(t *testing.T) {
	lock := NewResourceLock(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lock.AcquireWriteLock(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResourceLock_ReleaseIsIdempotent(t *testing.T) {
	lock := NewResourceLock(1)
	h, err := lock.AcquireWriteLock(context.Background())
	require.NoError(t, err)
	h.Release()
	h.Release()

	var nilHandle *Handle
	nilHandle.Release()

	writers, _ := lock.Held()
	assert.Zero(t, writers)
}

func TestResourceLock_CloseIsIdempotentAndAbortsWaiters(t *testing.T) {
	lock := NewResourceLock(1)
	held, err := lock.AcquireWriteLock(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := lock.AcquireWriteLock(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Close()
		}()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrLockClosed))
	case <-time.After(time.Second):
		t.Fatal("waiter not aborted by Close")
	}

	// A handle granted before Close still releases cleanly.
	held.Release()

	_, err = lock.AcquireReadLock(context.Background())
	assert.ErrorIs(t, err, ErrLockClosed)
}

func TestRegistry_LazyAndShared(t *testing.T) {
	reg := NewRegistry()
	a := reg.Get(7)
	b := reg.Get(7)
	c := reg.Get(8)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, []int64{7, 8}, reg.DiverterIDs())

	reg.Close()
	reg.Close()

	_, err := reg.Get(9).AcquireWriteLock(context.Background())
	assert.ErrorIs(t, err, ErrLockClosed)
}

func TestRegistry_DifferentDivertersDoNotBlock(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Get(1).AcquireWriteLock(context.Background())
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	other, err := reg.Get(2).AcquireWriteLock(ctx)
	require.NoError(t, err)
	other.Release()
}
