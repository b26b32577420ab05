package coil

import "sync"

// Promise is a settable future: the producer side may live on any OS
// thread, the consumer side is a kernel task. Completion reaches the
// kernel through its external-thunk queue and the selector wake pipe —
// the only mechanism by which off-thread activity influences a kernel.
type Promise struct {
	mu      sync.Mutex
	done    bool
	value   any
	err     error
	waiters []*Task
}

// NewPromise returns an unresolved promise.
func NewPromise() *Promise { return &Promise{} }

// Done reports whether the promise has been resolved.
func (p *Promise) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Set resolves the promise with a value or an error and wakes every
// waiting task. Only the first Set counts; it reports whether this call
// resolved the promise.
func (p *Promise) Set(value any, err error) bool {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	p.done = true
	p.value = value
	p.err = err
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, t := range waiters {
		task := t
		task.kernel.submitExternal(func(k *Kernel) {
			k.futureResolved(task, p)
		})
	}
	return true
}

// Wait suspends the calling task until the promise resolves, then
// returns its value or error. This is the future_wait trap.
func (p *Promise) Wait(t *Task) (any, error) {
	if err := t.preBlock(); err != nil {
		return nil, err
	}
	k := t.kernel
	p.mu.Lock()
	if p.done {
		value, err := p.value, p.err
		p.mu.Unlock()
		return value, err
	}
	p.waiters = append(p.waiters, t)
	t.state = StateFutureWait
	t.future = p
	k.futureWaiting++
	t.cancelFunc = func() {
		p.dropWaiter(t)
		t.future = nil
		k.futureWaiting--
	}
	p.mu.Unlock()
	return t.suspendRaw()
}

func (p *Promise) dropWaiter(t *Task) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == t {
			copy(p.waiters[i:], p.waiters[i+1:])
			p.waiters = p.waiters[:len(p.waiters)-1]
			break
		}
	}
	p.mu.Unlock()
}

// futureResolved resumes a task whose awaited promise completed. Runs in
// kernel context; stale completions (the task moved on or was cancelled)
// are dropped.
func (k *Kernel) futureResolved(t *Task, p *Promise) {
	if t.terminated || t.future != p {
		return
	}
	t.future = nil
	t.cancelFunc = nil
	k.futureWaiting--
	k.reschedule(t, p.value, p.err)
}
