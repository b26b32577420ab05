package coil

import "errors"

// The cancellation engine. Cancellation is a request, not a preemption:
// it is delivered only at blocking traps, deferred while a shield is
// active, and typed by timeout-frame nesting so a task can tell "my
// timeout fired" from "an enclosing timeout fired" from "an inner timeout
// escaped unhandled".

type frameKind uint8

const (
	frameTimeout frameKind = iota
	frameIgnore
)

// timeoutFrame is one element of a task's nested-timeout stack.
type timeoutFrame struct {
	deadline float64
	kind     frameKind
	expired  bool
}

// setTimeout pushes a timeout frame and reschedules the task's effective
// deadline, which is always the minimum live deadline on the stack.
func (t *Task) setTimeout(deadline float64, kind frameKind) *timeoutFrame {
	f := &timeoutFrame{deadline: deadline, kind: kind}
	t.frames = append(t.frames, f)
	t.retimeDeadline()
	return f
}

// unsetTimeout pops frames down to and including f and drops any pending
// frame exception whose frame is no longer on the stack.
func (t *Task) unsetTimeout(f *timeoutFrame) {
	for len(t.frames) > 0 {
		top := t.frames[len(t.frames)-1]
		t.frames = t.frames[:len(t.frames)-1]
		if top == f {
			break
		}
	}
	if frame := pendingFrame(t.cancelPending); frame != nil && !t.frameLive(frame) {
		t.cancelPending = nil
	}
	t.retimeDeadline()
}

func (t *Task) frameLive(f *timeoutFrame) bool {
	for _, live := range t.frames {
		if live == f {
			return true
		}
	}
	return false
}

// retimeDeadline re-registers the task's single timeout timer entry at
// the minimum deadline across non-expired frames.
func (t *Task) retimeDeadline() {
	k := t.kernel
	if t.deadlineGen != 0 {
		k.timers.cancel(t.deadlineGen)
		t.deadlineGen = 0
	}
	var min float64
	found := false
	for _, f := range t.frames {
		if f.expired {
			continue
		}
		if !found || f.deadline < min {
			min = f.deadline
			found = true
		}
	}
	if found {
		t.deadlineGen = k.timers.push(t, min, timerTimeout)
	}
}

// timeoutExpired fires the task's earliest live frame. If that frame is
// the innermost live one the injection is TaskTimeout; if a deeper frame
// is still active the injection is TimeoutCancelled — a timeout fired,
// but not yours.
func (k *Kernel) timeoutExpired(t *Task, deadline float64) {
	ownerIdx := -1
	for i, f := range t.frames {
		if f.expired {
			continue
		}
		if ownerIdx < 0 || f.deadline < t.frames[ownerIdx].deadline {
			ownerIdx = i
		}
	}
	if ownerIdx < 0 || t.frames[ownerIdx].deadline > deadline {
		t.retimeDeadline()
		return
	}
	owner := t.frames[ownerIdx]
	owner.expired = true
	innermost := true
	for _, f := range t.frames[ownerIdx+1:] {
		if !f.expired {
			innermost = false
			break
		}
	}
	var exc error
	if innermost {
		exc = &TaskTimeout{At: owner.deadline, frame: owner}
	} else {
		exc = &TimeoutCancelled{At: owner.deadline, frame: owner}
	}
	t.retimeDeadline()
	k.inject(t, exc, false)
}

// inject delivers exc into t if a delivery slot is free: immediately when
// t is suspended and unshielded, otherwise as a pending exception raised
// at t's next cancellation point.
func (k *Kernel) inject(t *Task, exc error, markDelivered bool) {
	if t.terminated || t.cancelPending != nil {
		return
	}
	switch t.state {
	case StateNew, StateReady, StateRunning:
		t.cancelPending = exc
		return
	}
	if t.shieldDepth > 0 {
		t.cancelPending = exc
		return
	}
	if t.cancelFunc != nil {
		t.cancelFunc()
		t.cancelFunc = nil
	}
	if markDelivered {
		t.cancelled = exc
	}
	k.reschedule(t, nil, exc)
}

// pendingFrame extracts the timeout frame an exception belongs to.
func pendingFrame(err error) *timeoutFrame {
	var tt *TaskTimeout
	if errors.As(err, &tt) {
		return tt.frame
	}
	var tc *TimeoutCancelled
	if errors.As(err, &tc) {
		return tc.frame
	}
	return nil
}

func isFrameException(err error) bool { return pendingFrame(err) != nil }

// TimeoutAfter runs fn under a deadline of now+seconds. If the deadline
// expires first, fn is cancelled and TimeoutAfter returns TaskTimeout.
// An inner frame's TaskTimeout escaping through fn unhandled surfaces as
// UncaughtTimeout instead.
func (t *Task) TimeoutAfter(seconds float64, fn func() (any, error)) (any, error) {
	value, _, err := t.withDeadline(t.Clock()+seconds, frameTimeout, fn)
	return value, err
}

// TimeoutAt is TimeoutAfter with an absolute deadline.
func (t *Task) TimeoutAt(deadline float64, fn func() (any, error)) (any, error) {
	value, _, err := t.withDeadline(deadline, frameTimeout, fn)
	return value, err
}

// IgnoreAfter runs fn under a deadline of now+seconds, silently absorbing
// the frame's own TaskTimeout. The second result reports whether the
// deadline expired.
func (t *Task) IgnoreAfter(seconds float64, fn func() (any, error)) (any, bool, error) {
	return t.withDeadline(t.Clock()+seconds, frameIgnore, fn)
}

// IgnoreAt is IgnoreAfter with an absolute deadline.
func (t *Task) IgnoreAt(deadline float64, fn func() (any, error)) (any, bool, error) {
	return t.withDeadline(deadline, frameIgnore, fn)
}

// withDeadline is the shared frame bracket: push, run, pop, classify.
func (t *Task) withDeadline(deadline float64, kind frameKind, fn func() (any, error)) (any, bool, error) {
	if err := t.trapCheck(); err != nil {
		return nil, false, err
	}
	f := t.setTimeout(deadline, kind)
	value, err := fn()
	// Whether our own expiry is still pending must be read before the pop,
	// which drops pending exceptions of dead frames.
	pendingMine := pendingFrame(t.cancelPending) == f
	if pendingMine {
		t.cancelPending = nil
	}
	t.unsetTimeout(f)

	var tt *TaskTimeout
	if errors.As(err, &tt) {
		if tt.frame == f {
			if kind == frameIgnore {
				return nil, true, nil
			}
			return nil, true, err
		}
		// An inner frame's timeout reached us without a handler.
		return nil, false, &UncaughtTimeout{Inner: tt}
	}
	var tc *TimeoutCancelled
	if errors.As(err, &tc) {
		if tc.frame == f {
			// Our deadline fired while a deeper frame was active; it
			// unwound to us, so it becomes our TaskTimeout.
			if kind == frameIgnore {
				return nil, true, nil
			}
			return nil, true, &TaskTimeout{At: tc.At, frame: f}
		}
		// Belongs to a frame that encloses us; keep unwinding.
		return nil, false, err
	}
	if err == nil && f.expired {
		if pendingMine {
			// The deadline passed but delivery never landed (the body
			// was shielded or finished first); the frame still owns the
			// outcome.
			if kind == frameIgnore {
				return value, true, nil
			}
			return nil, true, &TaskTimeout{At: f.deadline, frame: f}
		}
		// Delivered and handled inside the body.
		return value, true, nil
	}
	return value, false, err
}

// DisableCancellation runs fn with cancellation delivery disabled. A
// cancellation requested meanwhile stays pending and is raised at the
// first blocking trap after the shield lifts. Shields nest.
func (t *Task) DisableCancellation(fn func() (any, error)) (any, error) {
	if err := t.trapCheck(); err != nil {
		return nil, err
	}
	t.shieldDepth++
	value, err := fn()
	t.shieldDepth--
	return value, err
}

// CheckCancellation returns the pending cancellation exception, if any,
// without blocking. When match is non-nil and the pending exception
// matches it (per errors.Is), the pending slot is cleared.
func (t *Task) CheckCancellation(match error) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	pending := t.cancelPending
	if pending == nil {
		return nil
	}
	if match != nil && errors.Is(pending, match) {
		t.cancelPending = nil
	}
	return pending
}
