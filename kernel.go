package coil

import (
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"fortio.org/safecast"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"coil/internal/selector"
)

const (
	dirRead  = selector.Read
	dirWrite = selector.Write
)

// Kernel multiplexes cooperative tasks onto one OS thread. Tasks suspend
// by trapping into the kernel; the kernel resumes them on readiness,
// timer expiry, or cancellation. One kernel drives one thread; multiple
// kernels may coexist in a process but share no task state.
type Kernel struct {
	clock  Clock
	sel    *selector.Selector
	timers *timeQueue

	ready   []*Task
	tasks   map[int64]*Task
	readers map[int]*Task
	writers map[int]*Task
	current *Task
	nextID  int64
	njobs   int

	yieldc chan *Task

	activations []Activation

	// foreign-thread integration
	extMu         sync.Mutex
	external      []func(*Kernel)
	futureWaiting int
	externalRefs  atomic.Int64
	workerSem     *Semaphore
	flight        singleflight.Group

	running atomic.Bool
	tid     atomic.Int64
	closed  bool

	monitorAddr string
	monitor     *Monitor
}

// KernelOption configures a kernel at construction.
type KernelOption func(*Kernel)

// WithClock substitutes the kernel's time source.
func WithClock(c Clock) KernelOption {
	return func(k *Kernel) { k.clock = c }
}

// WithActivation installs a scheduler-activation observer.
func WithActivation(a Activation) KernelOption {
	return func(k *Kernel) { k.activations = append(k.activations, a) }
}

// WithMonitor starts the monitor console on addr for the kernel's
// lifetime.
func WithMonitor(addr string) KernelOption {
	return func(k *Kernel) { k.monitorAddr = addr }
}

// NewKernel builds a kernel. Creating one and invoking Run repeatedly
// amortises selector setup; Close cancels whatever is left.
func NewKernel(opts ...KernelOption) (*Kernel, error) {
	sel, err := selector.New()
	if err != nil {
		return nil, fmt.Errorf("%w: selector: %v", ErrKernel, err)
	}
	k := &Kernel{
		clock:   newMonotonicClock(),
		sel:     sel,
		timers:  newTimeQueue(),
		tasks:   make(map[int64]*Task),
		readers: make(map[int]*Task),
		writers: make(map[int]*Task),
		nextID:  1,
		yieldc:  make(chan *Task),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Run builds a fresh kernel, drives fn to completion on the calling
// goroutine, and tears the kernel down.
func Run(fn TaskFunc, opts ...KernelOption) (any, error) {
	k, err := NewKernel(opts...)
	if err != nil {
		return nil, err
	}
	defer k.Close() //nolint:errcheck // best-effort teardown
	return k.Run(fn)
}

// Run drives fn as the root task until it terminates and returns its
// value or its exception. Run is not reentrant: a second concurrent Run
// on the same kernel fails with ErrKernelRunning. The calling goroutine
// is locked to its OS thread for the duration.
func (k *Kernel) Run(fn TaskFunc) (any, error) {
	if k.closed {
		return nil, ErrKernelClosed
	}
	if !k.running.CompareAndSwap(false, true) {
		return nil, ErrKernelRunning
	}
	defer k.running.Store(false)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	k.tid.Store(int64(unix.Gettid()))
	defer k.tid.Store(0)

	if k.monitorAddr != "" && k.monitor == nil {
		mon, err := startMonitor(k, k.monitorAddr)
		if err != nil {
			return nil, err
		}
		k.monitor = mon
	}
	k.notifyActivate()

	main := k.addTask(fn, WithName("main"))
	for !main.terminated {
		if len(k.ready) == 0 {
			if err := k.waitForWork(); err != nil {
				return nil, err
			}
			continue
		}
		k.dispatch(k.popReady())
	}
	if main.err != nil {
		return nil, main.err
	}
	return main.result, nil
}

// Close cancels every remaining task and releases the selector. The
// kernel is unusable afterwards.
func (k *Kernel) Close() error {
	if k.closed {
		return nil
	}
	if !k.running.CompareAndSwap(false, true) {
		return ErrKernelRunning
	}
	defer k.running.Store(false)
	k.closed = true
	k.drainTasks()
	if k.monitor != nil {
		k.monitor.stop()
		k.monitor = nil
	}
	return k.sel.Close()
}

// drainTasks delivers cancellation to every surviving task and drives the
// loop until they terminate. Tasks that never started are retired in
// place.
func (k *Kernel) drainTasks() {
	for _, t := range k.tasks {
		if t.terminated {
			continue
		}
		if !t.started {
			t.err = &TaskCancelled{}
			t.done = true
			k.finalize(t)
			continue
		}
		k.cancelTask(t, &TaskCancelled{})
	}
	for len(k.tasks) > 0 {
		if len(k.ready) == 0 {
			if !k.hasWakeSource() {
				log.Printf("coil: abandoning %d unresponsive tasks on close", len(k.tasks))
				return
			}
			if err := k.waitForWork(); err != nil {
				return
			}
			continue
		}
		k.dispatch(k.popReady())
	}
}

func (k *Kernel) popReady() *Task {
	t := k.ready[0]
	copy(k.ready, k.ready[1:])
	k.ready = k.ready[:len(k.ready)-1]
	return t
}

// addTask registers a task and schedules it. Ids are unique for the
// kernel's lifetime.
func (k *Kernel) addTask(fn TaskFunc, opts ...SpawnOption) *Task {
	t := &Task{
		id:     k.nextID,
		kernel: k,
		fn:     fn,
		state:  StateNew,
		resume: make(chan resumption),
	}
	k.nextID++
	for _, opt := range opts {
		opt(t)
	}
	if t.name == "" {
		t.name = fmt.Sprintf("task-%d", t.id)
	}
	k.tasks[t.id] = t
	if !t.daemon {
		k.njobs++
	}
	k.notifyCreated(t)
	k.reschedule(t, nil, nil)
	return t
}

// reschedule stages a resumption and places the task at the tail of the
// ready queue.
func (k *Kernel) reschedule(t *Task, value any, err error) {
	if t.terminated {
		return
	}
	t.next = resumption{value: value, err: err}
	t.state = StateReady
	t.cancelFunc = nil
	k.ready = append(k.ready, t)
}

// dispatch advances one task by a single step: resume it, wait for its
// next trap or its termination.
func (k *Kernel) dispatch(t *Task) {
	if t.terminated {
		return
	}
	k.current = t
	t.state = StateRunning
	t.cycles++
	k.notifyRunning(t)
	if !t.started {
		t.started = true
		go t.main()
	} else {
		r := t.next
		t.next = resumption{}
		t.resume <- r
	}
	<-k.yieldc
	k.current = nil
	if t.done {
		k.finalize(t)
		return
	}
	k.notifySuspended(t)
}

// finalize freezes the task's result, wakes joiners, notifies its group,
// and defensively sweeps every structure that might still reference it.
func (k *Kernel) finalize(t *Task) {
	t.terminated = true
	t.state = StateTerminated
	if t.cancelled == nil && isCancellation(t.err) {
		t.cancelled = t.err
	}
	if t.cancelFunc != nil {
		t.cancelFunc()
		t.cancelFunc = nil
	}
	if t.sleepGen != 0 {
		k.timers.cancel(t.sleepGen)
		t.sleepGen = 0
	}
	if t.deadlineGen != 0 {
		k.timers.cancel(t.deadlineGen)
		t.deadlineGen = 0
	}
	k.releaseIO(t)
	t.frames = nil
	t.joiners.wake(t.joiners.Len(), nil, nil)
	if t.group != nil {
		t.group.childDone(t)
	}
	delete(k.tasks, t.id)
	if !t.daemon {
		k.njobs--
	}
	if t.err != nil && t.daemon && !isCancellation(t.err) {
		log.Printf("coil: daemon task %d (%s) crashed: %v", t.id, t.name, t.err)
	}
	k.notifyTerminated(t)
}

// waitForWork blocks on the selector until I/O readiness, timer expiry,
// or a foreign-thread wakeup produces runnable tasks.
func (k *Kernel) waitForWork() error {
	k.runExternal()
	if len(k.ready) > 0 {
		return nil
	}
	timeoutMs := int64(-1)
	if deadline, ok := k.timers.nextDeadline(); ok {
		now := k.clock.Now()
		ms := (deadline - now) * 1000
		if ms < 0 {
			ms = 0
		}
		converted, err := safecast.Truncate[int64](ms)
		if err != nil {
			converted = int64(^uint64(0) >> 1)
		}
		timeoutMs = converted + 1
	} else if !k.hasWakeSource() {
		return fmt.Errorf("%w: deadlock: no runnable tasks and nothing to wait for", ErrKernel)
	}
	events, err := k.sel.Wait(timeoutMs)
	if err != nil {
		return fmt.Errorf("%w: poll: %v", ErrKernel, err)
	}
	for _, ev := range events {
		k.ioReady(ev.FD, ev.Dir)
	}
	k.runExternal()
	k.expireTimers()
	return nil
}

// hasWakeSource reports whether anything can still make progress: a
// pending timer, an fd registration, a future waiter, or an attached
// foreign-thread bridge.
func (k *Kernel) hasWakeSource() bool {
	return k.timers.len() > 0 ||
		len(k.readers) > 0 ||
		len(k.writers) > 0 ||
		k.futureWaiting > 0 ||
		k.externalRefs.Load() > 0
}

// expireTimers fires every live entry whose deadline has passed, in
// deadline order.
func (k *Kernel) expireTimers() {
	now := k.clock.Now()
	for _, entry := range k.timers.popExpired(now) {
		t := entry.task
		if t == nil || t.terminated {
			continue
		}
		switch entry.kind {
		case timerSleep:
			if t.sleepGen != entry.gen {
				continue
			}
			t.sleepGen = 0
			t.cancelFunc = nil
			k.reschedule(t, now, nil)
		case timerTimeout:
			if t.deadlineGen != entry.gen {
				continue
			}
			t.deadlineGen = 0
			k.timeoutExpired(t, entry.deadline)
		}
	}
}

// registerIO claims (fd, direction) for the task and registers it with
// the selector.
func (k *Kernel) registerIO(t *Task, fd int, d selector.Direction) {
	if d == dirWrite {
		k.writers[fd] = t
		t.state = StateWriteWait
	} else {
		k.readers[fd] = t
		t.state = StateReadWait
	}
	k.sel.Register(fd, d)
	t.cancelFunc = func() { k.unregisterIO(fd, d) }
}

func (k *Kernel) unregisterIO(fd int, d selector.Direction) {
	if d == dirWrite {
		delete(k.writers, fd)
	} else {
		delete(k.readers, fd)
	}
	k.sel.Unregister(fd, d)
}

// ioReady resumes the task waiting on (fd, direction), dropping the
// registration first.
func (k *Kernel) ioReady(fd int, d selector.Direction) {
	var t *Task
	if d == dirWrite {
		t = k.writers[fd]
	} else {
		t = k.readers[fd]
	}
	if t == nil {
		return
	}
	k.unregisterIO(fd, d)
	k.reschedule(t, nil, nil)
}

// releaseIO sweeps any readiness slots still held by a terminating task.
func (k *Kernel) releaseIO(t *Task) {
	for fd, owner := range k.readers {
		if owner == t {
			k.unregisterIO(fd, dirRead)
		}
	}
	for fd, owner := range k.writers {
		if owner == t {
			k.unregisterIO(fd, dirWrite)
		}
	}
}

// cancelTask sets a pending cancellation on t and, when delivery is
// allowed and t is suspended, pulls it out of its wait structure and
// resumes it with the exception. Repeated cancellations coalesce with
// the first: later callers simply wait for termination.
func (k *Kernel) cancelTask(t *Task, exc error) {
	if t.terminated || t.cancelPending != nil || t.cancelled != nil {
		return
	}
	k.inject(t, exc, true)
}

// submitExternal queues a thunk from a foreign thread for execution in
// kernel context and interrupts the selector.
func (k *Kernel) submitExternal(fn func(*Kernel)) {
	k.extMu.Lock()
	k.external = append(k.external, fn)
	k.extMu.Unlock()
	k.sel.Wakeup()
}

func (k *Kernel) runExternal() {
	k.extMu.Lock()
	thunks := k.external
	k.external = nil
	k.extMu.Unlock()
	for _, fn := range thunks {
		fn(k)
	}
}

// onKernelThread reports whether the caller runs on the kernel's locked
// OS thread, where blocking synchronous-side operations would deadlock
// the loop.
func (k *Kernel) onKernelThread() bool {
	tid := k.tid.Load()
	return tid != 0 && tid == int64(unix.Gettid())
}

// Monitor returns the kernel's monitor console, if one was started.
func (k *Kernel) Monitor() *Monitor { return k.monitor }

// NumJobs reports the number of live non-daemon tasks. Kernel context
// only.
func (k *Kernel) NumJobs() int { return k.njobs }

// Tasks returns a snapshot of live tasks in id order. Kernel context
// only.
func (k *Kernel) Tasks() []*Task {
	out := make([]*Task, 0, len(k.tasks))
	for _, t := range k.tasks {
		out = append(out, t)
	}
	sortTasksByID(out)
	return out
}

func sortTasksByID(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].id < ts[j].id })
}
