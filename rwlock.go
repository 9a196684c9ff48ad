package rwlock

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

var (
	// ErrNotHeld is returned by a release call when the task has no matching
	// outstanding grant.
	ErrNotHeld = errors.New("cannot release an un-acquired lock")

	// ErrUpgrade is returned when a task holding only a read grant requests
	// the write lock. Upgrading is a caller error: release the read grant
	// first.
	ErrUpgrade = errors.New("cannot upgrade lock from read to write")

	// ErrCrossDomain is returned when a lock already bound to one scheduler
	// domain is used from another.
	ErrCrossDomain = errors.New("lock is bound to another scheduler domain")
)

type mode int

const (
	read mode = iota
	write
)

func (m mode) String() string {
	if m == read {
		return "read"
	}
	return "write"
}

// grant records one successful acquisition. A task that acquires reentrantly
// has one grant per acquisition, so the grant list doubles as the reentrancy
// counter for release validation.
type grant struct {
	task Task
	mode mode
}

// waiter is a queued acquisition request. ready is fulfilled exactly once, by
// the wake-up pass, which records the grant before closing the channel.
type waiter struct {
	task  Task
	mode  mode
	ready chan struct{}
}

// A RWLock is a reentrant reader-writer lock for tasks of a single scheduler
// domain. Any number of readers may hold the lock while no writer holds or
// awaits it; the write lock is exclusive. A task already holding the lock may
// acquire the same mode again without blocking, and a write holder may take
// additional read grants. Once the lock drains, queued writers are served
// strictly FIFO and always ahead of queued readers.
//
// Use New or NewFast to create a RWLock.
type RWLock struct {
	mu      sync.Mutex
	domain  *Domain // bound on first use
	readers int     // outstanding read grants, reentrant grants included
	writers int     // outstanding write grants; >1 only through reentrancy
	owners  []grant
	waitR   *list.List // *waiter, FIFO
	waitW   *list.List // *waiter, FIFO
	fast    bool

	reader ReaderHandle
	writer WriterHandle
}

// New creates a RWLock that yields to the scheduler after every uncontended
// grant, keeping grant order consistent with request order even when nobody
// had to queue.
func New() *RWLock {
	return newLock(false)
}

// NewFast creates a RWLock that skips the post-grant yield of New. Immediate
// grants return without giving other runnable tasks a turn, trading
// interleaving fairness for latency.
func NewFast() *RWLock {
	return newLock(true)
}

func newLock(fast bool) *RWLock {
	l := &RWLock{
		waitR: list.New(),
		waitW: list.New(),
		fast:  fast,
	}
	l.reader = ReaderHandle{lock: l}
	l.writer = WriterHandle{lock: l}
	return l
}

// Reader returns the handle granting shared access.
func (l *RWLock) Reader() *ReaderHandle {
	return &l.reader
}

// Writer returns the handle granting exclusive access.
func (l *RWLock) Writer() *WriterHandle {
	return &l.writer
}

// AcquireRead acquires the lock in read mode for task, blocking while a
// writer holds or awaits the lock. A task that already holds the lock in
// either mode is granted immediately, bypassing the wait queue; recursion has
// to win over fairness or the task would deadlock behind its own queued
// writer. Cancelling ctx abandons the wait and returns ctx.Err().
func (l *RWLock) AcquireRead(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if err := l.bind(task); err != nil {
		l.mu.Unlock()
		return err
	}

	if l.holdsAny(task) || (l.writers == 0 && l.waitW.Len() == 0) {
		l.readers++
		l.owners = append(l.owners, grant{task: task, mode: read})
		l.mu.Unlock()
		l.flush()
		return nil
	}

	w := &waiter{task: task, mode: read, ready: make(chan struct{})}
	elem := l.waitR.PushBack(w)
	l.mu.Unlock()

	return l.wait(ctx, w, elem, l.waitR)
}

// AcquireWrite acquires the lock in write mode for task, blocking while any
// other task holds the lock. The current write holder is granted again
// immediately. A task holding only read grants gets ErrUpgrade without
// queueing. Cancelling ctx abandons the wait and returns ctx.Err().
func (l *RWLock) AcquireWrite(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if err := l.bind(task); err != nil {
		l.mu.Unlock()
		return err
	}

	if l.holds(task, write) {
		l.writers++
		l.owners = append(l.owners, grant{task: task, mode: write})
		l.mu.Unlock()
		l.flush()
		return nil
	}

	if l.holds(task, read) {
		l.mu.Unlock()
		return ErrUpgrade
	}

	if l.readers == 0 && l.writers == 0 {
		l.writers++
		l.owners = append(l.owners, grant{task: task, mode: write})
		l.mu.Unlock()
		l.flush()
		return nil
	}

	w := &waiter{task: task, mode: write, ready: make(chan struct{})}
	elem := l.waitW.PushBack(w)
	l.mu.Unlock()

	return l.wait(ctx, w, elem, l.waitW)
}

// ReleaseRead releases one read grant held by task.
func (l *RWLock) ReleaseRead(task Task) error {
	return l.release(task, read)
}

// ReleaseWrite releases one write grant held by task.
func (l *RWLock) ReleaseWrite(task Task) error {
	return l.release(task, write)
}

// ReadLocked reports whether any read grant is outstanding.
func (l *RWLock) ReadLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers > 0
}

// WriteLocked reports whether a write grant is outstanding.
func (l *RWLock) WriteLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writers > 0
}

func (l *RWLock) String() string {
	return fmt.Sprintf("<RWLock: %v %v>", &l.reader, &l.writer)
}

// bind attaches the lock to the task's domain on first use and rejects every
// later call from another domain. Called with mu held.
func (l *RWLock) bind(task Task) error {
	if task.domain == nil {
		return fmt.Errorf("%w: task has no scheduler domain", ErrCrossDomain)
	}
	if l.domain == nil {
		l.domain = task.domain
		return nil
	}
	if l.domain != task.domain {
		return fmt.Errorf("%w: bound to %q, used from %q", ErrCrossDomain, l.domain, task.domain)
	}
	return nil
}

func (l *RWLock) release(task Task, m mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.bind(task); err != nil {
		return err
	}
	if !l.dropGrant(task, m) {
		return fmt.Errorf("release %s: %w", m, ErrNotHeld)
	}
	if m == read {
		l.readers--
	} else {
		l.writers--
	}
	l.wake()
	return nil
}

// wait suspends the caller until its slot is fulfilled or ctx is cancelled.
// The wake-up pass records the grant before fulfilling the slot, so on the
// ready path there is nothing left to do.
func (l *RWLock) wait(ctx context.Context, w *waiter, elem *list.Element, queue *list.List) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-w.ready:
		// Granted after cancellation. Hand the grant back and promote the
		// next waiter instead.
		l.undo(w.task, w.mode)
	default:
		queue.Remove(elem)
		// A release racing with this cancellation may have been about to
		// fulfill this slot; re-running the wake-up keeps the remaining
		// waiters from being stranded on a free lock.
		l.wake()
	}
	l.mu.Unlock()
	return ctx.Err()
}

// undo reverses a grant that the wake-up pass recorded for a waiter that was
// cancelled before resuming. Called with mu held.
func (l *RWLock) undo(task Task, m mode) {
	l.dropGrant(task, m)
	if m == read {
		l.readers--
	} else {
		l.writers--
	}
	l.wake()
}

// wake runs the drain policy. Once the lock is fully free, the writer at the
// head of its queue is granted; with no queued writers every currently queued
// reader is granted in one batch. Grants are recorded here, before the waiter
// resumes, so a release racing in cannot steal a lock that was already handed
// over. Called with mu held.
func (l *RWLock) wake() {
	if l.readers > 0 || l.writers > 0 {
		return
	}
	if e := l.waitW.Front(); e != nil {
		w := l.waitW.Remove(e).(*waiter)
		l.writers++
		l.owners = append(l.owners, grant{task: w.task, mode: write})
		close(w.ready)
		return
	}
	for e := l.waitR.Front(); e != nil; e = l.waitR.Front() {
		w := l.waitR.Remove(e).(*waiter)
		l.readers++
		l.owners = append(l.owners, grant{task: w.task, mode: read})
		close(w.ready)
	}
}

// flush yields once to the scheduler after an uncontended grant so that tasks
// scheduled in the same turn get a chance to run before the holder proceeds.
// NewFast skips it.
func (l *RWLock) flush() {
	if !l.fast {
		runtime.Gosched()
	}
}

// holdsAny reports whether task has any outstanding grant. The owner list
// stays short in practice, so a linear scan is fine. Called with mu held.
func (l *RWLock) holdsAny(task Task) bool {
	for _, g := range l.owners {
		if g.task == task {
			return true
		}
	}
	return false
}

// holds reports whether task has an outstanding grant of mode m. Called with
// mu held.
func (l *RWLock) holds(task Task, m mode) bool {
	for _, g := range l.owners {
		if g.task == task && g.mode == m {
			return true
		}
	}
	return false
}

// dropGrant removes exactly one (task, m) grant, reporting whether one
// existed. Called with mu held.
func (l *RWLock) dropGrant(task Task, m mode) bool {
	for i, g := range l.owners {
		if g.task == task && g.mode == m {
			l.owners = append(l.owners[:i], l.owners[i+1:]...)
			return true
		}
	}
	return false
}

// status renders the hold state of one mode for String. Not for
// synchronization: the value may be stale as soon as it is produced.
func (l *RWLock) status(m mode) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.readers
	if m == write {
		n = l.writers
	}
	if n == 0 {
		return "[unlocked]"
	}
	return fmt.Sprintf("[locked %d]", n)
}
