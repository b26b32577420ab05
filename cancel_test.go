package coil

import (
	"errors"
	"testing"
)

// Nested timeout, inner fires with handler: the inner frame raises
// TaskTimeout, caught at the inner call site; the outer completes
// normally.
func TestNestedTimeoutInnerFires(t *testing.T) {
	value, err := Run(func(task *Task) (any, error) {
		return task.TimeoutAfter(1.0, func() (any, error) {
			_, err := task.TimeoutAfter(0.05, func() (any, error) {
				return nil, task.Sleep(100)
			})
			var tt *TaskTimeout
			if !errors.As(err, &tt) {
				return nil, errors.New("inner frame did not raise TaskTimeout")
			}
			return "recovered", nil
		})
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if value != "recovered" {
		t.Fatalf("unexpected value: %v", value)
	}
}

// Nested timeout, outer fires while inner active: the inner handler for
// TaskTimeout must NOT match — the injection is TimeoutCancelled — and
// the outer frame raises TaskTimeout.
func TestNestedTimeoutOuterFires(t *testing.T) {
	var sawInnerTimeout, sawTimeoutCancelled bool
	_, err := Run(func(task *Task) (any, error) {
		_, outerErr := task.TimeoutAfter(0.05, func() (any, error) {
			_, innerErr := task.TimeoutAfter(100, func() (any, error) {
				return nil, task.Sleep(100)
			})
			var tt *TaskTimeout
			if errors.As(innerErr, &tt) {
				sawInnerTimeout = true
			}
			var tc *TimeoutCancelled
			if errors.As(innerErr, &tc) {
				sawTimeoutCancelled = true
			}
			return nil, innerErr
		})
		var tt *TaskTimeout
		if !errors.As(outerErr, &tt) {
			return nil, errors.New("outer frame did not raise TaskTimeout")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sawInnerTimeout {
		t.Fatal("inner frame matched TaskTimeout for a deadline it does not own")
	}
	if !sawTimeoutCancelled {
		t.Fatal("inner frame did not observe TimeoutCancelled")
	}
}

// Unhandled inner timeout: an inner TaskTimeout escaping through the
// outer frame surfaces there as UncaughtTimeout.
func TestUnhandledInnerTimeout(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		_, outerErr := task.TimeoutAfter(100, func() (any, error) {
			return task.TimeoutAfter(0.05, func() (any, error) {
				return nil, task.Sleep(100)
			})
		})
		var ut *UncaughtTimeout
		if !errors.As(outerErr, &ut) {
			return nil, errors.New("outer frame did not raise UncaughtTimeout")
		}
		if ut.Inner == nil {
			return nil, errors.New("UncaughtTimeout lost the inner TaskTimeout")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestIgnoreAfterExpires(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		_, expired, err := task.IgnoreAfter(0.05, func() (any, error) {
			return nil, task.Sleep(100)
		})
		if err != nil {
			return nil, err
		}
		if !expired {
			return nil, errors.New("IgnoreAfter did not report expiry")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestIgnoreAfterCompletesInTime(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		value, expired, err := task.IgnoreAfter(5, func() (any, error) {
			if err := task.Sleep(0.01); err != nil {
				return nil, err
			}
			return "done", nil
		})
		if err != nil {
			return nil, err
		}
		if expired {
			return nil, errors.New("IgnoreAfter reported expiry for a completed body")
		}
		if value != "done" {
			return nil, errors.New("IgnoreAfter dropped the body's value")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

// Timeouts are part of the cancellation family and branchable as such.
func TestTimeoutIsCancellation(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		_, err := task.TimeoutAfter(0.02, func() (any, error) {
			return nil, task.Sleep(100)
		})
		if !errors.Is(err, ErrCancelled) {
			return nil, errors.New("TaskTimeout does not unwrap to ErrCancelled")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

// Shielded region: the task is cancelled externally while blocked inside
// DisableCancellation, completes the inner trap normally, and only
// raises TaskCancelled at the next blocking trap after the shield lifts.
func TestShieldedRegionDefersCancellation(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		entered := NewEvent()
		var sleptInShield bool
		child, _ := task.Spawn(func(c *Task) (any, error) {
			_, err := c.DisableCancellation(func() (any, error) {
				_ = entered.Set(c)
				if err := c.Sleep(0.05); err != nil {
					return nil, err
				}
				sleptInShield = true
				return nil, nil
			})
			if err != nil {
				return nil, err
			}
			// The pending cancellation lands here.
			err = c.Sleep(100)
			return nil, err
		})
		if err := entered.Wait(task); err != nil {
			return nil, err
		}
		if _, err := child.Cancel(task); err != nil {
			return nil, err
		}
		if !sleptInShield {
			return nil, errors.New("shielded sleep was interrupted")
		}
		var tc *TaskCancelled
		if !errors.As(child.Exception(), &tc) {
			return nil, errors.New("child did not terminate with TaskCancelled")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestCheckCancellationClearsOnMatch(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		ready := NewEvent()
		child, _ := task.Spawn(func(c *Task) (any, error) {
			_, err := c.DisableCancellation(func() (any, error) {
				_ = ready.Set(c)
				if err := c.Sleep(0.05); err != nil {
					return nil, err
				}
				pending := c.CheckCancellation(nil)
				if pending == nil {
					return nil, errors.New("no pending cancellation visible")
				}
				if cleared := c.CheckCancellation(ErrCancelled); cleared == nil {
					return nil, errors.New("matching check did not return the exception")
				}
				if again := c.CheckCancellation(nil); again != nil {
					return nil, errors.New("pending exception not cleared")
				}
				return nil, nil
			})
			if err != nil {
				return nil, err
			}
			// Cleared: this sleep must complete normally.
			return "survived", c.Sleep(0.01)
		})
		if err := ready.Wait(task); err != nil {
			return nil, err
		}
		if _, err := child.CancelNoWait(task); err != nil {
			return nil, err
		}
		value, err := child.Join(task)
		if err != nil {
			return nil, err
		}
		if value != "survived" {
			return nil, errors.New("child did not survive a cleared cancellation")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}
