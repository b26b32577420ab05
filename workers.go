package coil

import (
	"fmt"
	"reflect"
)

// maxWorkers bounds the number of simultaneously outstanding
// RunInThread callables per kernel, zombies included.
const maxWorkers = 64

// RunInThread runs a blocking callable outside the kernel and suspends
// the task until it finishes, returning its result. Cancelling the
// waiting task abandons the callable as a zombie: it keeps running to
// completion and its worker slot is released only when it returns, so
// zombies count against the pool limit.
func (t *Task) RunInThread(fn func() (any, error)) (any, error) {
	if err := t.trapCheck(); err != nil {
		return nil, err
	}
	k := t.kernel
	if k.workerSem == nil {
		k.workerSem = NewSemaphore(maxWorkers)
	}
	if err := k.workerSem.Acquire(t); err != nil {
		return nil, err
	}
	p := NewPromise()
	go func() {
		value, err := fn()
		p.Set(value, err)
		k.submitExternal(func(k *Kernel) { k.workerSem.release() })
	}()
	return p.Wait(t)
}

// BlockInThread is RunInThread for callables that may block for very
// long periods on behalf of many tasks at once: concurrent calls with
// the same callable (by function pointer identity) coalesce into a
// single execution whose result every caller shares.
func (t *Task) BlockInThread(fn func() (any, error)) (any, error) {
	if err := t.trapCheck(); err != nil {
		return nil, err
	}
	k := t.kernel
	key := fmt.Sprintf("%#x", reflect.ValueOf(fn).Pointer())
	p := NewPromise()
	ch := k.flight.DoChan(key, func() (any, error) { return fn() })
	go func() {
		res := <-ch
		p.Set(res.Val, res.Err)
	}()
	return p.Wait(t)
}

// release returns a worker slot without requiring task context; used by
// completion thunks running in kernel context.
func (s *Semaphore) release() {
	if s.waiting.WakeOne() {
		return
	}
	s.value++
}
