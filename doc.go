/*
Package rwlock implements a reentrant reader-writer lock for cooperatively
scheduled tasks that share a single scheduler domain.

Any number of tasks may hold the lock in read mode at the same time, as long
as no task holds or awaits it in write mode. The write lock is exclusive.
A task identifies itself with an explicit Task value minted from a Domain:

	d := rwlock.NewDomain("main")
	l := rwlock.New()

	t := d.NewTask()
	if err := l.AcquireWrite(ctx, t); err != nil {
		return err
	}
	defer l.ReleaseWrite(t)

Reentrancy

A task already holding the lock may acquire the same mode again without
blocking; each acquisition must be paired with a release. A write holder may
additionally take read grants. The reverse, requesting the write lock while
holding only a read grant, is rejected with ErrUpgrade rather than queued,
because granting it could never complete while the requester's own read grant
keeps the lock shared.

Fairness

Queued writers are served strictly FIFO and, once the lock fully drains,
always ahead of queued readers. Readers that arrive while no writer is queued
join an already-shared lock immediately; readers that had to queue are woken
in one batch per drain. A lock created with New additionally yields to the
scheduler after every uncontended grant so grant order follows request order;
NewFast skips that yield.

Cancellation

A task waiting in either queue abandons the wait when its context is
cancelled. The lock removes the abandoned slot, and if a racing release had
already earmarked the grant for the cancelled task, the grant is handed to
the next eligible waiter instead of being lost.

Domains

A lock lazily binds to the scheduler domain of the first task that uses it.
Operations by tasks of any other domain fail with ErrCrossDomain instead of
silently corrupting shared state.
*/
package rwlock
