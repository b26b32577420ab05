package coil

// WaitQueue is the uniform rendezvous primitive: a FIFO of suspended
// tasks. File descriptors, locks, events, and queues all park their
// waiters here. All methods must run in kernel context (from a task body
// or a trap); the queue itself carries no locking.
type WaitQueue struct {
	items []*Task
}

// NewWaitQueue returns an empty wait queue.
func NewWaitQueue() *WaitQueue { return &WaitQueue{} }

// Len reports the number of suspended tasks.
func (q *WaitQueue) Len() int { return len(q.items) }

// Wait suspends the calling task on the queue until woken. The label is
// surfaced as the task's wait state in introspection. This is a blocking
// trap and therefore a cancellation point.
func (q *WaitQueue) Wait(t *Task, label string) (any, error) {
	return t.schedWait(q, label)
}

// WakeOne moves the task at the head of the queue to the tail of the
// ready queue. It reports whether a task was woken.
func (q *WaitQueue) WakeOne() bool {
	return len(q.wake(1, nil, nil)) == 1
}

// WakeAll moves every suspended task to the ready queue in FIFO order.
func (q *WaitQueue) WakeAll() int {
	return len(q.wake(len(q.items), nil, nil))
}

// wake moves up to n tasks to the ready queue, resuming each with the
// given value or error. Woken tasks keep their FIFO order at the tail of
// the ready queue.
func (q *WaitQueue) wake(n int, value any, err error) []*Task {
	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}
	woken := q.items[:n:n]
	q.items = q.items[n:]
	for _, t := range woken {
		t.cancelFunc = nil
		t.kernel.reschedule(t, value, err)
	}
	return woken
}

// push parks a task at the tail. The caller is responsible for setting
// the task's state and cancel hook.
func (q *WaitQueue) push(t *Task) {
	q.items = append(q.items, t)
}

// cancelWait removes a task without waking it. The queue's own counters
// are untouched: restoring primitive invariants on cancellation belongs
// to the primitive built on top.
func (q *WaitQueue) cancelWait(t *Task) {
	for i, item := range q.items {
		if item == t {
			copy(q.items[i:], q.items[i+1:])
			q.items = q.items[:len(q.items)-1]
			return
		}
	}
}
