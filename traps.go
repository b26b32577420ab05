package coil

import "log"

// Traps are the only vocabulary a task uses to talk to the kernel.
// Blocking traps may suspend arbitrarily long and are always cancellation
// points; synchronous traps mutate kernel state in place and return
// without yielding. Both are legal only from the task's own goroutine
// while it holds the thread — the lockstep handoff guarantees the kernel
// structures are never touched concurrently.

// trapCheck guards every trap: t must be the kernel's current task.
func (t *Task) trapCheck() error {
	if t == nil || t.kernel == nil {
		return ErrAsyncOnly
	}
	if t.kernel.current != t {
		return ErrAsyncOnly
	}
	return nil
}

// block is the common shape of every blocking trap: check for a pending
// cancellation before suspending, run the park effect, hand the thread to
// the kernel, and wait to be resumed with a value or an exception.
func (t *Task) block(park func()) (any, error) {
	if err := t.preBlock(); err != nil {
		return nil, err
	}
	park()
	return t.suspendRaw()
}

// preBlock runs the entry checks shared by every blocking trap.
func (t *Task) preBlock() error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if t.cancelled != nil && t.shieldDepth == 0 && !t.loggedBlocking {
		t.loggedBlocking = true
		log.Printf("coil: task %d blocked again after cancellation was delivered", t.id)
	}
	return t.takePending()
}

// suspendRaw hands the thread to the kernel and waits for the resumption.
func (t *Task) suspendRaw() (any, error) {
	t.kernel.yieldc <- t
	r := <-t.resume
	t.waitLabel = ""
	return r.value, r.err
}

// takePending delivers a pending cancellation if delivery is allowed.
func (t *Task) takePending() error {
	if t.cancelPending == nil || t.shieldDepth > 0 {
		return nil
	}
	exc := t.cancelPending
	t.cancelPending = nil
	if !isFrameException(exc) {
		t.cancelled = exc
	}
	return exc
}

// Sleep suspends the task for the given number of seconds. Sleeping for
// zero (or negative) seconds yields the thread: the task moves to the
// tail of the ready queue and resumes after everything already ready has
// run.
func (t *Task) Sleep(seconds float64) error {
	k := t.kernel
	_, err := t.block(func() {
		if seconds <= 0 {
			k.reschedule(t, nil, nil)
			return
		}
		deadline := k.clock.Now() + seconds
		gen := k.timers.push(t, deadline, timerSleep)
		t.sleepGen = gen
		t.state = StateTimeSleep
		t.cancelFunc = func() {
			k.timers.cancel(gen)
			t.sleepGen = 0
		}
	})
	return err
}

// Schedule yields the thread without sleeping, equivalent to Sleep(0).
func (t *Task) Schedule() error { return t.Sleep(0) }

// ReadWait suspends the task until fd is readable. At most one task may
// read-wait on an fd at a time; a second attempt fails with ErrReadBusy
// without disturbing the first.
func (t *Task) ReadWait(fd int) error {
	k := t.kernel
	if err := t.trapCheck(); err != nil {
		return err
	}
	if owner := k.readers[fd]; owner != nil && owner != t {
		return ErrReadBusy
	}
	_, err := t.block(func() {
		k.registerIO(t, fd, dirRead)
	})
	return err
}

// WriteWait suspends the task until fd is writable. At most one task may
// write-wait on an fd at a time; a second attempt fails with ErrWriteBusy.
func (t *Task) WriteWait(fd int) error {
	k := t.kernel
	if err := t.trapCheck(); err != nil {
		return err
	}
	if owner := k.writers[fd]; owner != nil && owner != t {
		return ErrWriteBusy
	}
	_, err := t.block(func() {
		k.registerIO(t, fd, dirWrite)
	})
	return err
}

// schedWait parks the task on a wait queue under the given label.
func (t *Task) schedWait(q *WaitQueue, label string) (any, error) {
	return t.block(func() {
		q.push(t)
		t.state = StateSchedWait
		t.waitLabel = label
		t.cancelFunc = func() { q.cancelWait(t) }
	})
}

// Spawn creates a new task running fn and schedules it at the tail of the
// ready queue. This is a synchronous trap: the child does not run until
// the caller next yields.
func (t *Task) Spawn(fn TaskFunc, opts ...SpawnOption) (*Task, error) {
	if err := t.trapCheck(); err != nil {
		return nil, err
	}
	return t.kernel.addTask(fn, opts...), nil
}

// Clock returns the kernel's monotonic clock without yielding.
func (t *Task) Clock() float64 {
	return t.kernel.clock.Now()
}

// IOWaiting reports which tasks, if any, are waiting on fd.
func (t *Task) IOWaiting(fd int) (reader, writer *Task) {
	return t.kernel.readers[fd], t.kernel.writers[fd]
}

// SpawnOption configures a spawned task.
type SpawnOption func(*Task)

// WithDaemon marks the task as a daemon: the kernel does not count it
// toward liveness and logs its crash; the error is still kept as the
// task's own exception.
func WithDaemon() SpawnOption {
	return func(t *Task) { t.daemon = true }
}

// WithName attaches a display name used by introspection and the monitor.
func WithName(name string) SpawnOption {
	return func(t *Task) { t.name = name }
}
