package coil

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestQueueFIFO(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		q := NewQueue(0)
		for i := 0; i < 3; i++ {
			if err := q.Put(task, i); err != nil {
				return nil, err
			}
		}
		for i := 0; i < 3; i++ {
			v, err := q.Get(task)
			if err != nil {
				return nil, err
			}
			if v != i {
				return nil, errors.New("queue broke FIFO order")
			}
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestQueueGetBlocksUntilPut(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		q := NewQueue(0)
		consumer, _ := task.Spawn(func(c *Task) (any, error) {
			return q.Get(c)
		})
		if err := task.Sleep(0.01); err != nil {
			return nil, err
		}
		if consumer.Terminated() {
			return nil, errors.New("get returned from an empty queue")
		}
		if err := q.Put(task, "item"); err != nil {
			return nil, err
		}
		value, err := consumer.Join(task)
		if err != nil {
			return nil, err
		}
		if value != "item" {
			return nil, errors.New("consumer got the wrong item")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestQueueBoundedPutBlocks(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		q := NewQueue(1)
		if err := q.Put(task, 1); err != nil {
			return nil, err
		}
		producer, _ := task.Spawn(func(c *Task) (any, error) {
			return nil, q.Put(c, 2)
		})
		if err := task.Sleep(0.01); err != nil {
			return nil, err
		}
		if producer.Terminated() {
			return nil, errors.New("put into a full queue did not block")
		}
		if _, err := q.Get(task); err != nil {
			return nil, err
		}
		if _, err := producer.Join(task); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestLifoQueueOrder(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		q := NewLifoQueue(0)
		for i := 0; i < 3; i++ {
			if err := q.Put(task, i); err != nil {
				return nil, err
			}
		}
		for i := 2; i >= 0; i-- {
			v, err := q.Get(task)
			if err != nil {
				return nil, err
			}
			if v != i {
				return nil, errors.New("lifo queue broke stack order")
			}
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestPriorityQueueOrder(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		q := NewPriorityQueue(0)
		for _, item := range []PriorityItem{
			{Priority: 3, Value: "low"},
			{Priority: 1, Value: "high"},
			{Priority: 2, Value: "mid"},
			{Priority: 1, Value: "high2"},
		} {
			if err := q.Put(task, item); err != nil {
				return nil, err
			}
		}
		want := []string{"high", "high2", "mid", "low"}
		for _, expect := range want {
			v, err := q.Get(task)
			if err != nil {
				return nil, err
			}
			if v.(PriorityItem).Value != expect {
				return nil, errors.New("priority queue order wrong")
			}
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestQueueJoinTaskDone(t *testing.T) {
	_, err := Run(func(task *Task) (any, error) {
		q := NewQueue(0)
		for i := 0; i < 3; i++ {
			if err := q.Put(task, i); err != nil {
				return nil, err
			}
		}
		worker, _ := task.Spawn(func(c *Task) (any, error) {
			for i := 0; i < 3; i++ {
				if _, err := q.Get(c); err != nil {
					return nil, err
				}
				if err := c.Sleep(0.005); err != nil {
					return nil, err
				}
				if err := q.TaskDone(c); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		if err := q.Join(task); err != nil {
			return nil, err
		}
		if !worker.Terminated() {
			return nil, errors.New("join returned before all items were done")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestUniversalQueueThreadToKernel(t *testing.T) {
	u, err := NewUniversalQueue()
	if err != nil {
		t.Fatalf("new universal queue: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		if err := u.Put("from-thread"); err != nil {
			t.Errorf("thread put failed: %v", err)
		}
	}()
	value, err := Run(func(task *Task) (any, error) {
		return u.Get(task)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if value != "from-thread" {
		t.Fatalf("unexpected value: %v", value)
	}
}

func TestUniversalQueueKernelToThread(t *testing.T) {
	u, err := NewUniversalQueue()
	if err != nil {
		t.Fatalf("new universal queue: %v", err)
	}
	got := make(chan any, 1)
	go func() {
		v, err := u.ThreadGet()
		if err != nil {
			t.Errorf("thread get failed: %v", err)
		}
		got <- v
	}()
	_, err = Run(func(task *Task) (any, error) {
		return nil, u.PutAsync(task, "from-kernel")
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	select {
	case v := <-got:
		if v != "from-kernel" {
			t.Fatalf("unexpected value: %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("thread getter never woke")
	}
}

func TestUniversalQueueLoopbackFd(t *testing.T) {
	u, err := NewUniversalQueue(WithFd())
	if err != nil {
		t.Fatalf("new universal queue: %v", err)
	}
	if u.Fd() < 0 {
		t.Fatal("loopback fd missing")
	}
	if err := u.Put(1); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := u.Put(2); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	buf := make([]byte, 8)
	n, err := unix.Read(u.Fd(), buf)
	if err != nil {
		t.Fatalf("loopback read failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected one sentinel byte per put, got %d", n)
	}
}

func TestUniversalQueueShutdown(t *testing.T) {
	u, err := NewUniversalQueue()
	if err != nil {
		t.Fatalf("new universal queue: %v", err)
	}
	if err := u.Put("survivor"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := u.Shutdown(); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	// In-flight items stay readable after shutdown.
	v, err := u.ThreadGet()
	if err != nil {
		t.Fatalf("get after shutdown failed: %v", err)
	}
	if v != "survivor" {
		t.Fatalf("unexpected value: %v", v)
	}
	if err := u.Put("late"); !errors.Is(err, ErrQueueShutdown) {
		t.Fatalf("late put: expected ErrQueueShutdown, got %v", err)
	}
	if _, err := u.ThreadGet(); !errors.Is(err, ErrQueueShutdown) {
		t.Fatalf("drained get: expected ErrQueueShutdown, got %v", err)
	}
}
