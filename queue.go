package coil

import (
	"container/heap"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrQueueShutdown reports an operation on a shut-down UniversalQueue.
var ErrQueueShutdown = fmt.Errorf("%w: queue shut down", ErrKernel)

// storage is the ordering discipline a queue variant plugs in.
type storage interface {
	push(any)
	pop() any
	size() int
}

type fifoStorage struct{ items []any }

func (s *fifoStorage) push(v any) { s.items = append(s.items, v) }
func (s *fifoStorage) pop() any {
	v := s.items[0]
	copy(s.items, s.items[1:])
	s.items = s.items[:len(s.items)-1]
	return v
}
func (s *fifoStorage) size() int { return len(s.items) }

type lifoStorage struct{ items []any }

func (s *lifoStorage) push(v any) { s.items = append(s.items, v) }
func (s *lifoStorage) pop() any {
	v := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return v
}
func (s *lifoStorage) size() int { return len(s.items) }

// PriorityItem is what a priority queue stores: lower Priority values
// come out first; equal priorities keep insertion order.
type PriorityItem struct {
	Priority int
	Value    any

	seq uint64
}

type prioHeap []PriorityItem

func (h prioHeap) Len() int { return len(h) }
func (h prioHeap) Less(i, j int) bool {
	if h[i].Priority == h[j].Priority {
		return h[i].seq < h[j].seq
	}
	return h[i].Priority < h[j].Priority
}
func (h prioHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *prioHeap) Push(x any)   { *h = append(*h, x.(PriorityItem)) }
func (h *prioHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}

type prioStorage struct {
	heap    prioHeap
	nextSeq uint64
}

func (s *prioStorage) push(v any) {
	item, ok := v.(PriorityItem)
	if !ok {
		item = PriorityItem{Value: v}
	}
	item.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.heap, item)
}
func (s *prioStorage) pop() any  { return heap.Pop(&s.heap).(PriorityItem) }
func (s *prioStorage) size() int { return len(s.heap) }

// Queue is a kernel-side producer/consumer queue: getters and putters
// park on their own wait queues around a pluggable storage discipline.
type Queue struct {
	maxSize    int
	store      storage
	getters    WaitQueue
	putters    WaitQueue
	unfinished int
	joiners    WaitQueue
}

// NewQueue returns a FIFO queue. maxSize 0 means unbounded.
func NewQueue(maxSize int) *Queue {
	return &Queue{maxSize: maxSize, store: &fifoStorage{}}
}

// NewLifoQueue returns a LIFO (stack-discipline) queue.
func NewLifoQueue(maxSize int) *Queue {
	return &Queue{maxSize: maxSize, store: &lifoStorage{}}
}

// NewPriorityQueue returns a queue delivering PriorityItems lowest
// priority first.
func NewPriorityQueue(maxSize int) *Queue {
	return &Queue{maxSize: maxSize, store: &prioStorage{}}
}

// Len reports the number of stored items.
func (q *Queue) Len() int { return q.store.size() }

// Empty reports whether the queue holds no items.
func (q *Queue) Empty() bool { return q.store.size() == 0 }

// Full reports whether a bounded queue is at capacity.
func (q *Queue) Full() bool { return q.maxSize > 0 && q.store.size() >= q.maxSize }

// Get removes and returns the next item, suspending while the queue is
// empty.
func (q *Queue) Get(t *Task) (any, error) {
	if err := t.trapCheck(); err != nil {
		return nil, err
	}
	for q.store.size() == 0 {
		if _, err := q.getters.Wait(t, "QUEUE_GET"); err != nil {
			return nil, err
		}
	}
	v := q.store.pop()
	q.putters.WakeOne()
	return v, nil
}

// Put adds an item, suspending while a bounded queue is full. Each Put
// adds one unit of unfinished work for Join/TaskDone accounting.
func (q *Queue) Put(t *Task, v any) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	for q.Full() {
		if _, err := q.putters.Wait(t, "QUEUE_PUT"); err != nil {
			return err
		}
	}
	q.store.push(v)
	q.unfinished++
	q.getters.WakeOne()
	return nil
}

// TaskDone marks one previously gotten item as fully processed.
func (q *Queue) TaskDone(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	if q.unfinished <= 0 {
		return fmt.Errorf("%w: TaskDone called too many times", ErrKernel)
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.joiners.wake(q.joiners.Len(), nil, nil)
	}
	return nil
}

// Join suspends until every item ever put has been marked done.
func (q *Queue) Join(t *Task) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	for q.unfinished > 0 {
		if _, err := q.joiners.Wait(t, "QUEUE_JOIN"); err != nil {
			return err
		}
	}
	return nil
}

// UniversalQueue accepts operations from kernel tasks and from foreign
// OS threads. The thread side uses a mutex and condition variable; puts
// are bridged into the kernel through its external-thunk queue and,
// optionally, a loopback fd that receives one sentinel byte per put so a
// foreign event loop can poll for activity.
type UniversalQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []any
	shutdown bool

	kernel   *Kernel
	attached bool
	getters  WaitQueue

	withFd bool
	readFd int
	sendFd int
}

// UniversalOption configures a UniversalQueue.
type UniversalOption func(*UniversalQueue)

// WithFd equips the queue with a loopback pipe: every put writes one
// byte to the write end, readable via Fd.
func WithFd() UniversalOption {
	return func(u *UniversalQueue) { u.withFd = true }
}

// NewUniversalQueue builds a queue usable from tasks and threads alike.
func NewUniversalQueue(opts ...UniversalOption) (*UniversalQueue, error) {
	u := &UniversalQueue{readFd: -1, sendFd: -1}
	u.cond = sync.NewCond(&u.mu)
	for _, opt := range opts {
		opt(u)
	}
	if u.withFd {
		var p [2]int
		if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
			return nil, fmt.Errorf("%w: loopback pipe: %v", ErrKernel, err)
		}
		u.readFd = p[0]
		u.sendFd = p[1]
	}
	return u, nil
}

// Fd returns the read end of the loopback pipe, or -1 without WithFd.
func (u *UniversalQueue) Fd() int { return u.readFd }

// attach binds the queue to a kernel the first time a task touches it,
// registering the queue as a wake source so the kernel never declares
// deadlock while a thread could still feed it.
func (u *UniversalQueue) attach(k *Kernel) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.attached {
		return
	}
	u.attached = true
	u.kernel = k
	k.externalRefs.Add(1)
}

func (u *UniversalQueue) notifyPut() {
	u.cond.Signal()
	if u.sendFd >= 0 {
		_, _ = unix.Write(u.sendFd, []byte{0})
	}
	if k := u.kernel; k != nil {
		k.submitExternal(func(*Kernel) { u.getters.WakeOne() })
	}
}

// Put adds an item from a foreign thread. Calling it from the kernel's
// own thread would deadlock the loop and fails with ErrSyncIO.
func (u *UniversalQueue) Put(v any) error {
	u.mu.Lock()
	if k := u.kernel; k != nil && k.onKernelThread() {
		u.mu.Unlock()
		return ErrSyncIO
	}
	if u.shutdown {
		u.mu.Unlock()
		return ErrQueueShutdown
	}
	u.items = append(u.items, v)
	u.notifyPut()
	u.mu.Unlock()
	return nil
}

// PutAsync adds an item from a kernel task.
func (u *UniversalQueue) PutAsync(t *Task, v any) error {
	if err := t.trapCheck(); err != nil {
		return err
	}
	u.attach(t.kernel)
	u.mu.Lock()
	if u.shutdown {
		u.mu.Unlock()
		return ErrQueueShutdown
	}
	u.items = append(u.items, v)
	u.cond.Signal()
	if u.sendFd >= 0 {
		_, _ = unix.Write(u.sendFd, []byte{0})
	}
	u.mu.Unlock()
	u.getters.WakeOne()
	return nil
}

// Get removes the next item from a kernel task, suspending while the
// queue is empty.
func (u *UniversalQueue) Get(t *Task) (any, error) {
	if err := t.trapCheck(); err != nil {
		return nil, err
	}
	u.attach(t.kernel)
	for {
		u.mu.Lock()
		if len(u.items) > 0 {
			v := u.items[0]
			copy(u.items, u.items[1:])
			u.items = u.items[:len(u.items)-1]
			u.mu.Unlock()
			return v, nil
		}
		down := u.shutdown
		u.mu.Unlock()
		if down {
			return nil, ErrQueueShutdown
		}
		if _, err := u.getters.Wait(t, "UQUEUE_GET"); err != nil {
			return nil, err
		}
	}
}

// ThreadGet removes the next item from a foreign thread, blocking on the
// condition variable while the queue is empty.
func (u *UniversalQueue) ThreadGet() (any, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if k := u.kernel; k != nil && k.onKernelThread() {
		return nil, ErrSyncIO
	}
	for len(u.items) == 0 && !u.shutdown {
		u.cond.Wait()
	}
	if len(u.items) == 0 {
		return nil, ErrQueueShutdown
	}
	v := u.items[0]
	copy(u.items, u.items[1:])
	u.items = u.items[:len(u.items)-1]
	return v, nil
}

// Shutdown stops the queue. Puts already holding the mutex complete and
// stay readable; later puts fail with ErrQueueShutdown. Suspended
// getters on both sides are woken with the shutdown error.
func (u *UniversalQueue) Shutdown() error {
	u.mu.Lock()
	if u.shutdown {
		u.mu.Unlock()
		return nil
	}
	u.shutdown = true
	u.cond.Broadcast()
	k := u.kernel
	u.mu.Unlock()
	if k != nil {
		k.submitExternal(func(*Kernel) {
			u.getters.wake(u.getters.Len(), nil, ErrQueueShutdown)
		})
		k.externalRefs.Add(-1)
	}
	if u.sendFd >= 0 {
		_ = unix.Close(u.sendFd)
		u.sendFd = -1
	}
	return nil
}
