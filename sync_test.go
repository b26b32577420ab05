package coil

import (
	"errors"
	"testing"
)

func TestEventWaitAndSet(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		ev := NewEvent()
		var woken int
		for i := 0; i < 3; i++ {
			if _, err := task.Spawn(func(c *Task) (any, error) {
				if err := ev.Wait(c); err != nil {
					return nil, err
				}
				woken++
				return nil, nil
			}); err != nil {
				return nil, err
			}
		}
		if err := task.Sleep(0.01); err != nil {
			return nil, err
		}
		if woken != 0 {
			return nil, errors.New("waiters ran before the event was set")
		}
		if err := ev.Set(task); err != nil {
			return nil, err
		}
		if err := task.Sleep(0.01); err != nil {
			return nil, err
		}
		if woken != 3 {
			return nil, errors.New("set did not wake every waiter")
		}
		// Sticky: a late waiter passes straight through.
		if err := ev.Wait(task); err != nil {
			return nil, err
		}
		ev.Clear()
		if ev.IsSet() {
			return nil, errors.New("clear did not reset the event")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestLockMutualExclusionAndFIFO(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		lock := NewLock()
		var order []int64
		var inside int
		worker := func(c *Task) (any, error) {
			if err := lock.Acquire(c); err != nil {
				return nil, err
			}
			inside++
			if inside != 1 {
				return nil, errors.New("two tasks inside the critical section")
			}
			order = append(order, c.ID())
			if err := c.Sleep(0.01); err != nil {
				return nil, err
			}
			inside--
			return nil, lock.Release(c)
		}
		var tasks []*Task
		for i := 0; i < 3; i++ {
			c, err := task.Spawn(worker)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, c)
		}
		for _, c := range tasks {
			if _, err := c.Join(task); err != nil {
				return nil, err
			}
		}
		for i := 1; i < len(order); i++ {
			if order[i-1] >= order[i] {
				return nil, errors.New("lock handoff broke FIFO order")
			}
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestLockReleaseByNonOwnerFails(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		lock := NewLock()
		holder, _ := task.Spawn(func(c *Task) (any, error) {
			if err := lock.Acquire(c); err != nil {
				return nil, err
			}
			if err := c.Sleep(0.05); err != nil {
				return nil, err
			}
			return nil, lock.Release(c)
		})
		if err := task.Schedule(); err != nil {
			return nil, err
		}
		if err := lock.Release(task); err == nil {
			return nil, errors.New("release by non-owner succeeded")
		}
		return holder.Join(task)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestRLockRecursion(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		rl := NewRLock()
		if err := rl.Acquire(task); err != nil {
			return nil, err
		}
		if err := rl.Acquire(task); err != nil {
			return nil, err
		}
		if err := rl.Release(task); err != nil {
			return nil, err
		}
		if !rl.Locked() {
			return nil, errors.New("rlock dropped before the final release")
		}
		other, _ := task.Spawn(func(c *Task) (any, error) {
			return nil, rl.Release(c)
		})
		if _, err := other.Join(task); err == nil {
			return nil, errors.New("release by non-owner succeeded")
		}
		if err := rl.Release(task); err != nil {
			return nil, err
		}
		if rl.Locked() {
			return nil, errors.New("rlock still held after final release")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestSemaphoreLimitsConcurrency(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		sem := NewSemaphore(2)
		var inside, peak int
		worker := func(c *Task) (any, error) {
			if err := sem.Acquire(c); err != nil {
				return nil, err
			}
			inside++
			if inside > peak {
				peak = inside
			}
			if err := c.Sleep(0.01); err != nil {
				return nil, err
			}
			inside--
			return nil, sem.Release(c)
		}
		var tasks []*Task
		for i := 0; i < 5; i++ {
			c, err := task.Spawn(worker)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, c)
		}
		for _, c := range tasks {
			if _, err := c.Join(task); err != nil {
				return nil, err
			}
		}
		if peak != 2 {
			return nil, errors.New("semaphore did not cap concurrency at 2")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

// P4: wake_one on a queue whose head waiter was cancelled advances past
// it and wakes the next suspended task.
func TestWakeOneSkipsCancelledHead(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		wq := NewWaitQueue()
		var bWoken bool
		a, _ := task.Spawn(func(c *Task) (any, error) {
			_, err := wq.Wait(c, "TEST_WAIT")
			return nil, err
		})
		b, _ := task.Spawn(func(c *Task) (any, error) {
			if _, err := wq.Wait(c, "TEST_WAIT"); err != nil {
				return nil, err
			}
			bWoken = true
			return nil, nil
		})
		if err := task.Schedule(); err != nil {
			return nil, err
		}
		if wq.Len() != 2 {
			return nil, errors.New("both tasks should be suspended")
		}
		if _, err := a.Cancel(task); err != nil {
			return nil, err
		}
		if wq.Len() != 1 {
			return nil, errors.New("cancellation did not remove the head silently")
		}
		if !wq.WakeOne() {
			return nil, errors.New("wake_one woke nothing")
		}
		if _, err := b.Join(task); err != nil {
			return nil, err
		}
		if !bWoken {
			return nil, errors.New("second waiter did not observe the wakeup")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestConditionWaitFor(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		cond := NewCondition(nil)
		items := 0
		consumer, _ := task.Spawn(func(c *Task) (any, error) {
			if err := cond.Acquire(c); err != nil {
				return nil, err
			}
			if err := cond.WaitFor(c, func() bool { return items >= 3 }); err != nil {
				return nil, err
			}
			got := items
			if err := cond.Release(c); err != nil {
				return nil, err
			}
			return got, nil
		})
		for i := 0; i < 3; i++ {
			if err := task.Sleep(0.01); err != nil {
				return nil, err
			}
			if err := cond.Acquire(task); err != nil {
				return nil, err
			}
			items++
			if err := cond.Notify(task, 1); err != nil {
				return nil, err
			}
			if err := cond.Release(task); err != nil {
				return nil, err
			}
		}
		value, err := consumer.Join(task)
		if err != nil {
			return nil, err
		}
		if value != 3 {
			return nil, errors.New("consumer resumed before the predicate held")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestConditionWaitWithoutLockFails(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		cond := NewCondition(nil)
		if err := cond.Wait(task); err == nil {
			return nil, errors.New("wait without lock succeeded")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}
