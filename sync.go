package coil

import "fmt"

// Synchronization primitives. Every primitive is a thin discipline over a
// WaitQueue; the queue delivers FIFO wakeups and the primitive restores
// its own invariant when a suspended acquirer is cancelled.

// Event is a sticky boolean flag tasks can wait on.
type Event struct {
	isSet   bool
	waiting WaitQueue
}

// NewEvent returns an unset event.
func NewEvent() *Event { return &Event{} }

// IsSet reports whether the event is set.
func (e *Event) IsSet() bool { return e.isSet }

// Wait suspends the calling task until the event is set.
func (e *Event) Wait(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if e.isSet {
		return nil
	}
	_, err := e.waiting.Wait(t, "EVENT_WAIT")
	return err
}

// Set sets the event and wakes every waiter. The event stays set until
// Clear.
func (e *Event) Set(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	e.isSet = true
	e.waiting.wake(e.waiting.Len(), nil, nil)
	return nil
}

// Clear resets the event.
func (e *Event) Clear() { e.isSet = false }

// Lock is a mutual-exclusion lock with FIFO handoff: releasing while
// tasks wait transfers ownership to the head waiter directly, so the lock
// is never observably free while a queue exists.
type Lock struct {
	owner   *Task
	waiting WaitQueue
}

// NewLock returns an unlocked lock.
func NewLock() *Lock { return &Lock{} }

// Locked reports whether the lock is held.
func (l *Lock) Locked() bool { return l.owner != nil }

// Acquire takes the lock, suspending while another task holds it.
func (l *Lock) Acquire(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if l.owner == nil {
		l.owner = t
		return nil
	}
	if l.owner == t {
		return fmt.Errorf("%w: lock already held by task %d", ErrKernel, t.id)
	}
	// Ownership is assigned by the releaser before the wakeup lands.
	_, err := l.waiting.Wait(t, "LOCK_ACQUIRE")
	if err != nil {
		// Cancelled after the handoff already made us owner: pass the
		// lock along so the next waiter is not stranded.
		if l.owner == t {
			l.handoff()
		}
		return err
	}
	return nil
}

// Release drops the lock, handing it to the head waiter if one exists.
// Releasing a lock you do not hold fails.
func (l *Lock) Release(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if l.owner != t {
		return fmt.Errorf("%w: lock released by non-owner task %d", ErrKernel, t.id)
	}
	l.handoff()
	return nil
}

func (l *Lock) handoff() {
	if next := l.waiting.wake(1, nil, nil); len(next) == 1 {
		l.owner = next[0]
		return
	}
	l.owner = nil
}

// RLock is a reentrant lock: the owning task may acquire it repeatedly
// and must release it the same number of times.
type RLock struct {
	lock  Lock
	depth int
}

// NewRLock returns an unlocked reentrant lock.
func NewRLock() *RLock { return &RLock{} }

// Acquire takes the lock or deepens an existing hold by the same task.
func (r *RLock) Acquire(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if r.lock.owner == t {
		r.depth++
		return nil
	}
	if err := r.lock.Acquire(t); err != nil {
		return err
	}
	r.depth = 1
	return nil
}

// Release undoes one Acquire. Releasing by a non-owner fails.
func (r *RLock) Release(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if r.lock.owner != t {
		return fmt.Errorf("%w: rlock released by non-owner task %d", ErrKernel, t.id)
	}
	r.depth--
	if r.depth > 0 {
		return nil
	}
	return r.lock.Release(t)
}

// Locked reports whether the lock is held.
func (r *RLock) Locked() bool { return r.lock.Locked() }

// Semaphore is a counting semaphore with permit handoff: releasing while
// tasks wait passes the permit straight to the head waiter.
type Semaphore struct {
	value   int
	waiting WaitQueue
}

// NewSemaphore returns a semaphore with n initial permits.
func NewSemaphore(n int) *Semaphore { return &Semaphore{value: n} }

// Value reports the number of free permits.
func (s *Semaphore) Value() int { return s.value }

// Acquire takes a permit, suspending while none are free.
func (s *Semaphore) Acquire(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if s.value > 0 {
		s.value--
		return nil
	}
	_, err := s.waiting.Wait(t, "SEMA_ACQUIRE")
	return err
}

// Release returns a permit, waking the head waiter if one exists.
func (s *Semaphore) Release(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	s.release()
	return nil
}

// Condition is a monitor condition variable bound to a Lock.
type Condition struct {
	lock    *Lock
	waiting WaitQueue
}

// NewCondition returns a condition using the given lock, allocating one
// if lock is nil.
func NewCondition(lock *Lock) *Condition {
	if lock == nil {
		lock = NewLock()
	}
	return &Condition{lock: lock}
}

// Lock returns the underlying lock.
func (c *Condition) Lock() *Lock { return c.lock }

// Acquire takes the underlying lock.
func (c *Condition) Acquire(t *Task) error { return c.lock.Acquire(t) }

// Release drops the underlying lock.
func (c *Condition) Release(t *Task) error { return c.lock.Release(t) }

// Wait atomically releases the lock and suspends until notified, then
// reacquires the lock before returning — even when the wait itself is
// cancelled, so callers always hold the lock afterwards.
func (c *Condition) Wait(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if c.lock.owner != t {
		return fmt.Errorf("%w: condition wait without holding the lock", ErrKernel)
	}
	if err := c.lock.Release(t); err != nil {
		return err
	}
	_, waitErr := c.waiting.Wait(t, "COND_WAIT")
	_, reErr := t.DisableCancellation(func() (any, error) {
		return nil, c.lock.Acquire(t)
	})
	if waitErr != nil {
		return waitErr
	}
	return reErr
}

// WaitFor waits until pred holds, re-checking after every notification.
func (c *Condition) WaitFor(t *Task, pred func() bool) error {
	for !pred() {
		if err := c.Wait(t); err != nil {
			return err
		}
	}
	return nil
}

// Notify wakes up to n waiters. The caller must hold the lock.
func (c *Condition) Notify(t *Task, n int) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if c.lock.owner != t {
		return fmt.Errorf("%w: condition notify without holding the lock", ErrKernel)
	}
	c.waiting.wake(n, nil, nil)
	return nil
}

// NotifyAll wakes every waiter. The caller must hold the lock.
func (c *Condition) NotifyAll(t *Task) error {
	return c.Notify(t, c.waiting.Len())
}
