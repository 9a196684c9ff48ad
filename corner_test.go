package rwlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCancelBeforeAcquire(t *testing.T) {
	d := NewDomain("test")
	l := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := d.NewTask()
	require.ErrorIs(t, l.AcquireRead(ctx, task), context.Canceled)
	require.ErrorIs(t, l.AcquireWrite(ctx, task), context.Canceled)
	require.False(t, l.ReadLocked())
	require.False(t, l.WriteLocked())
}

func TestCanceledInsideAcquire(t *testing.T) {
	d := NewDomain("test")
	l := New()
	ctx := context.Background()

	writer := d.NewTask()
	require.NoError(t, l.AcquireWrite(ctx, writer))

	rctx, cancel := context.WithCancel(context.Background())
	waited := make(chan error, 1)
	reader := d.NewTask()
	go func() {
		waited <- l.AcquireRead(rctx, reader)
	}()

	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.waitR.Len() == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-waited, context.Canceled)

	// The abandoned slot is gone and the lock still drains cleanly.
	l.mu.Lock()
	require.Zero(t, l.waitR.Len())
	l.mu.Unlock()

	require.NoError(t, l.ReleaseWrite(writer))
	require.False(t, l.ReadLocked())
	require.False(t, l.WriteLocked())
}

// A release that hands the lock to a waiter which is cancelled in the same
// turn must still wake the next waiter. Otherwise the cancelled waiter
// disappears with the earmarked grant and the remaining waiters sleep forever
// on a free lock.
func TestCancelledWriterDoesNotDeadlock(t *testing.T) {
	d := NewDomain("test")
	l := New()
	ctx := context.Background()

	holder := d.NewTask()
	require.NoError(t, l.AcquireRead(ctx, holder))

	bctx, cancelB := context.WithCancel(context.Background())
	b, c := d.NewTask(), d.NewTask()
	bErr := make(chan error, 1)
	cErr := make(chan error, 1)

	go func() {
		err := l.AcquireWrite(bctx, b)
		if err == nil {
			time.Sleep(10 * time.Millisecond)
			err = l.ReleaseWrite(b)
		}
		bErr <- err
	}()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.waitW.Len() == 1
	}, time.Second, time.Millisecond)

	go func() {
		err := l.AcquireWrite(ctx, c)
		if err == nil {
			err = l.ReleaseWrite(c)
		}
		cErr <- err
	}()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.waitW.Len() == 2
	}, time.Second, time.Millisecond)

	// Release and cancel in the same turn. b either completes normally or is
	// cancelled; c must acquire either way.
	require.NoError(t, l.ReleaseRead(holder))
	cancelB()

	err := <-bErr
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
	require.NoError(t, <-cErr)

	require.False(t, l.ReadLocked())
	require.False(t, l.WriteLocked())
	l.mu.Lock()
	require.Zero(t, l.waitW.Len())
	require.Empty(t, l.owners)
	l.mu.Unlock()
}

func TestCancelledReadersDoNotDeadlock(t *testing.T) {
	d := NewDomain("test")
	l := New()
	ctx := context.Background()

	writer := d.NewTask()
	require.NoError(t, l.AcquireWrite(ctx, writer))

	bctx, cancelB := context.WithCancel(context.Background())
	b, c := d.NewTask(), d.NewTask()
	bErr := make(chan error, 1)
	cErr := make(chan error, 1)

	go func() {
		err := l.AcquireRead(bctx, b)
		if err == nil {
			time.Sleep(10 * time.Millisecond)
			err = l.ReleaseRead(b)
		}
		bErr <- err
	}()
	go func() {
		err := l.AcquireRead(ctx, c)
		if err == nil {
			time.Sleep(10 * time.Millisecond)
			err = l.ReleaseRead(c)
		}
		cErr <- err
	}()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.waitR.Len() == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, l.ReleaseWrite(writer))
	cancelB()

	if err := <-bErr; err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
	require.NoError(t, <-cErr)

	require.False(t, l.ReadLocked())
	require.False(t, l.WriteLocked())
}

// Deterministic version of the drain race: the wake-up pass records a grant
// for a waiter, the waiter is cancelled before resuming, and the grant has to
// move on to the next queued writer instead of evaporating.
func TestCancelledEarmarkPromotesNextWaiter(t *testing.T) {
	d := NewDomain("test")
	l := NewFast()
	ctx := context.Background()

	a, b, c := d.NewTask(), d.NewTask(), d.NewTask()
	require.NoError(t, l.AcquireWrite(ctx, a))

	wb := &waiter{task: b, mode: write, ready: make(chan struct{})}
	wc := &waiter{task: c, mode: write, ready: make(chan struct{})}
	l.mu.Lock()
	l.waitW.PushBack(wb)
	l.waitW.PushBack(wc)
	l.mu.Unlock()

	require.NoError(t, l.ReleaseWrite(a))

	// The release earmarked the grant for b.
	select {
	case <-wb.ready:
	default:
		t.Fatal("head waiter was not granted on release")
	}
	l.mu.Lock()
	require.True(t, l.holds(b, write))
	l.mu.Unlock()

	// b is cancelled before it resumes: its cleanup path returns the grant
	// and re-runs the wake-up, which must promote c.
	l.mu.Lock()
	l.undo(b, write)
	l.mu.Unlock()

	select {
	case <-wc.ready:
	default:
		t.Fatal("next waiter was not promoted after cancellation")
	}
	l.mu.Lock()
	require.False(t, l.holds(b, write))
	require.True(t, l.holds(c, write))
	require.Equal(t, 1, l.writers)
	l.mu.Unlock()

	require.NoError(t, l.ReleaseWrite(c))
	require.False(t, l.WriteLocked())
}

func TestCancelOneOfManyQueuedWriters(t *testing.T) {
	d := NewDomain("test")
	l := New()
	ctx := context.Background()

	holder := d.NewTask()
	require.NoError(t, l.AcquireWrite(ctx, holder))

	bctx, cancelB := context.WithCancel(context.Background())
	b, c := d.NewTask(), d.NewTask()
	bErr := make(chan error, 1)
	cErr := make(chan error, 1)

	go func() { bErr <- l.AcquireWrite(bctx, b) }()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.waitW.Len() == 1
	}, time.Second, time.Millisecond)
	go func() { cErr <- l.AcquireWrite(ctx, c) }()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.waitW.Len() == 2
	}, time.Second, time.Millisecond)

	// Cancelling b while the lock is still held just removes its slot;
	// FIFO order among the remaining writers survives.
	cancelB()
	require.ErrorIs(t, <-bErr, context.Canceled)

	require.NoError(t, l.ReleaseWrite(holder))
	require.NoError(t, <-cErr)
	require.True(t, l.WriteLocked())
	require.NoError(t, l.ReleaseWrite(c))
	require.False(t, l.WriteLocked())
}
