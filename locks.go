package rwlock

import "context"

// A ReaderHandle grants shared access to its RWLock. It carries no state of
// its own; every call forwards to the lock with the read mode tag.
type ReaderHandle struct {
	lock *RWLock
}

// Acquire acquires the lock in read mode for task.
func (h *ReaderHandle) Acquire(ctx context.Context, task Task) error {
	return h.lock.AcquireRead(ctx, task)
}

// Release releases one read grant held by task.
func (h *ReaderHandle) Release(task Task) error {
	return h.lock.ReleaseRead(task)
}

// Locked reports whether any read grant is outstanding.
func (h *ReaderHandle) Locked() bool {
	return h.lock.ReadLocked()
}

// With runs fn while holding the read lock, releasing it on every return
// path. A release failure is reported only when fn itself succeeded.
func (h *ReaderHandle) With(ctx context.Context, task Task, fn func() error) (err error) {
	if err = h.Acquire(ctx, task); err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(task); err == nil {
			err = rerr
		}
	}()
	return fn()
}

func (h *ReaderHandle) String() string {
	return "<ReaderLock: " + h.lock.status(read) + ">"
}

// A WriterHandle grants exclusive access to its RWLock. Like ReaderHandle it
// is a stateless forward with a fixed mode tag.
type WriterHandle struct {
	lock *RWLock
}

// Acquire acquires the lock in write mode for task.
func (h *WriterHandle) Acquire(ctx context.Context, task Task) error {
	return h.lock.AcquireWrite(ctx, task)
}

// Release releases one write grant held by task.
func (h *WriterHandle) Release(task Task) error {
	return h.lock.ReleaseWrite(task)
}

// Locked reports whether a write grant is outstanding.
func (h *WriterHandle) Locked() bool {
	return h.lock.WriteLocked()
}

// With runs fn while holding the write lock, releasing it on every return
// path. A release failure is reported only when fn itself succeeded.
func (h *WriterHandle) With(ctx context.Context, task Task, fn func() error) (err error) {
	if err = h.Acquire(ctx, task); err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(task); err == nil {
			err = rerr
		}
	}()
	return fn()
}

func (h *WriterHandle) String() string {
	return "<WriterLock: " + h.lock.status(write) + ">"
}
