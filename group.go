package coil

import "fmt"

// WaitPolicy fixes what a TaskGroup's join waits for.
type WaitPolicy uint8

const (
	// WaitAll waits for every child to terminate.
	WaitAll WaitPolicy = iota
	// WaitAny waits for the first child to terminate, then cancels the
	// rest.
	WaitAny
	// WaitObject waits for the first child returning a non-nil value,
	// then cancels the rest.
	WaitObject
	// WaitNone cancels all children immediately on join.
	WaitNone
)

// TaskGroup supervises a dynamically grown set of child tasks. Children
// terminate before the group's scope exits; a child failing with a
// non-cancellation error cancels its siblings, and the error surfaces on
// result access.
type TaskGroup struct {
	kernel *Kernel
	policy WaitPolicy

	tasks    []*Task // creation order
	pending  []*Task // completed, not yet consumed by NextDone
	finished int     // children terminated so far

	waiting WaitQueue

	first     *Task // first child to terminate
	object    *Task // first child with a non-nil value (WaitObject)
	failed    *Task // first child failing with a non-cancellation error
	joined    bool
	cancelled bool
}

// NewTaskGroup creates a task group owned by the calling task.
func NewTaskGroup(t *Task, policy WaitPolicy) (*TaskGroup, error) {
	if err := t.trapCheck(); err != nil {
		return nil, err
	}
	return &TaskGroup{kernel: t.kernel, policy: policy}, nil
}

// Spawn creates a child task inside the group.
func (g *TaskGroup) Spawn(t *Task, fn TaskFunc, opts ...SpawnOption) (*Task, error) {
	if g.joined {
		return nil, fmt.Errorf("%w: task group already joined", ErrKernel)
	}
	child, err := t.Spawn(fn, opts...)
	if err != nil {
		return nil, err
	}
	child.group = g
	g.tasks = append(g.tasks, child)
	return child, nil
}

// AddTask attaches an existing ungrouped task to the group.
func (g *TaskGroup) AddTask(t *Task, child *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if g.joined {
		return fmt.Errorf("%w: task group already joined", ErrKernel)
	}
	if child.group != nil {
		return fmt.Errorf("%w: task %d already belongs to a group", ErrKernel, child.id)
	}
	child.group = g
	g.tasks = append(g.tasks, child)
	if child.terminated {
		g.childDone(child)
	}
	return nil
}

// childDone records a child's termination and wakes a group waiter. Runs
// in kernel context from task finalization.
func (g *TaskGroup) childDone(c *Task) {
	g.pending = append(g.pending, c)
	g.finished++
	if g.first == nil {
		g.first = c
	}
	if g.failed == nil && c.err != nil && !isCancellation(c.err) {
		g.failed = c
	}
	if g.object == nil && c.err == nil && c.result != nil {
		g.object = c
	}
	g.waiting.wake(1, nil, nil)
}

// NextDone suspends until the next child terminates and returns it, in
// completion order. It returns nil once every child has been consumed.
func (g *TaskGroup) NextDone(t *Task) (*Task, error) {
	for len(g.pending) == 0 {
		if g.finished == len(g.tasks) {
			return nil, nil
		}
		if _, err := g.waiting.Wait(t, "TASK_GROUP_WAIT"); err != nil {
			return nil, err
		}
	}
	c := g.pending[0]
	g.pending = g.pending[1:]
	return c, nil
}

// NextResult waits for the next child to terminate and unwraps its
// result: the value, or the child's exception re-raised directly.
func (g *TaskGroup) NextResult(t *Task) (any, error) {
	c, err := g.NextDone(t)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: no remaining tasks in group", ErrKernel)
	}
	return c.Result()
}

// Join waits for children according to the group's wait policy. A child
// failing with a non-cancellation error cancels the remaining children;
// Join still returns only after everything terminated, and the failure
// surfaces on Result/Results access. Join itself errors only if the
// joining task is cancelled, in which case the remaining children are
// cancelled before the error propagates.
func (g *TaskGroup) Join(t *Task) error {
	if g.joined {
		return fmt.Errorf("%w: task group joined twice", ErrKernel)
	}
	g.joined = true
	if g.policy == WaitNone {
		if err := g.cancelRemaining(t); err != nil {
			return err
		}
	}
	for {
		c, err := g.NextDone(t)
		if err != nil {
			_ = g.cancelRemaining(t)
			return err
		}
		if c == nil {
			return nil
		}
		switch {
		case c.err != nil && !isCancellation(c.err):
			if err := g.cancelOnce(t); err != nil {
				return err
			}
		case g.policy == WaitAny:
			if err := g.cancelOnce(t); err != nil {
				return err
			}
		case g.policy == WaitObject && c.err == nil && c.result != nil:
			if err := g.cancelOnce(t); err != nil {
				return err
			}
		}
	}
}

func (g *TaskGroup) cancelOnce(t *Task) error {
	if g.cancelled {
		return nil
	}
	g.cancelled = true
	return g.cancelChildren(t)
}

// CancelRemaining cancels every child that has not yet terminated and
// waits for them.
func (g *TaskGroup) CancelRemaining(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	return g.cancelRemaining(t)
}

func (g *TaskGroup) cancelRemaining(t *Task) error {
	g.cancelled = true
	return g.cancelChildren(t)
}

func (g *TaskGroup) cancelChildren(t *Task) error {
	for _, c := range g.tasks {
		if c.terminated {
			continue
		}
		if _, err := c.Cancel(t); err != nil {
			return err
		}
	}
	return nil
}

// Result returns the group's designated result after Join. For WaitAny
// it is the first terminated child's result; for WaitObject the first
// non-nil value. A failed child's exception re-raises directly.
func (g *TaskGroup) Result() (any, error) {
	if !g.joined {
		return nil, fmt.Errorf("%w: task group not joined", ErrKernel)
	}
	if g.failed != nil {
		return nil, g.failed.err
	}
	switch g.policy {
	case WaitObject:
		if g.object == nil {
			return nil, fmt.Errorf("%w: no child produced a value", ErrKernel)
		}
		return g.object.Result()
	default:
		if g.first == nil {
			return nil, fmt.Errorf("%w: no tasks in group", ErrKernel)
		}
		return g.first.Result()
	}
}

// Results returns every child's value ordered by task id (creation
// order). If a child failed with a non-cancellation error, the first such
// failure (in completion order) re-raises directly; otherwise the first
// exception in task-id order does.
func (g *TaskGroup) Results() ([]any, error) {
	if !g.joined {
		return nil, fmt.Errorf("%w: task group not joined", ErrKernel)
	}
	if g.failed != nil {
		return nil, g.failed.err
	}
	ordered := make([]*Task, len(g.tasks))
	copy(ordered, g.tasks)
	sortTasksByID(ordered)
	out := make([]any, 0, len(ordered))
	for _, c := range ordered {
		if c.err != nil {
			return nil, c.err
		}
		out = append(out, c.result)
	}
	return out, nil
}

// Tasks returns the group's children in creation order.
func (g *TaskGroup) Tasks() []*Task {
	out := make([]*Task, len(g.tasks))
	copy(out, g.tasks)
	return out
}

// WithTaskGroup runs body with a fresh group and closes the scope: on a
// body error the remaining children are cancelled and the error
// re-propagates; otherwise the group is joined.
func (t *Task) WithTaskGroup(policy WaitPolicy, body func(g *TaskGroup) error) (*TaskGroup, error) {
	g, err := NewTaskGroup(t, policy)
	if err != nil {
		return nil, err
	}
	if err := body(g); err != nil {
		_ = g.cancelRemaining(t)
		g.joined = true
		return g, err
	}
	return g, g.Join(t)
}
