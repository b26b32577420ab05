// Package coil is a cooperative task kernel: many tasks multiplexed onto
// one OS thread, suspending at traps and resumed by I/O readiness, timer
// expiry, or cancellation.
//
// A task is an ordinary function receiving its own *Task handle:
//
//	value, err := coil.Run(func(t *coil.Task) (any, error) {
//		child, _ := t.Spawn(func(t *coil.Task) (any, error) {
//			if err := t.Sleep(0.05); err != nil {
//				return nil, err
//			}
//			return 42, nil
//		})
//		return child.Join(t)
//	})
//
// Tasks run in strict lockstep with the kernel goroutine, so exactly one
// task owns the thread at any instant and kernel state needs no locks.
// Cancellation is cooperative: it is delivered only at blocking traps,
// deferred inside DisableCancellation regions, and typed by timeout-frame
// nesting (TaskTimeout, TimeoutCancelled, UncaughtTimeout) so callers can
// tell whose deadline fired. TaskGroup supplies structured concurrency;
// Event, Lock, Semaphore, Condition and the queue family are thin
// disciplines over FIFO wait queues. Promise and RunInThread integrate
// work running on foreign threads, and UniversalQueue bridges whole
// foreign event loops.
package coil
