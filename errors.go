package coil

import (
	"errors"
	"fmt"
)

// Sentinel errors exported at the kernel boundary. Concrete cancellation
// types below unwrap to ErrCancelled so callers can branch on the whole
// family with errors.Is.
var (
	// ErrKernel is the root of every error the kernel itself produces.
	ErrKernel = errors.New("kernel error")

	// ErrCancelled marks the cancellation family. It is never delivered
	// directly; TaskCancelled, TaskTimeout and TimeoutCancelled unwrap to it.
	ErrCancelled = fmt.Errorf("%w: cancelled", ErrKernel)

	// ErrResourceBusy reports a second task claiming an fd direction that
	// is already owned.
	ErrResourceBusy = fmt.Errorf("%w: resource busy", ErrKernel)

	// ErrReadBusy reports a second concurrent reader on one fd.
	ErrReadBusy = fmt.Errorf("read %w", ErrResourceBusy)

	// ErrWriteBusy reports a second concurrent writer on one fd.
	ErrWriteBusy = fmt.Errorf("write %w", ErrResourceBusy)

	// ErrSyncIO reports a synchronous-side operation attempted from the
	// kernel's own thread, where it would deadlock the run loop.
	ErrSyncIO = fmt.Errorf("%w: synchronous operation on kernel thread", ErrKernel)

	// ErrAsyncOnly reports a blocking trap invoked outside the owning
	// task's goroutine.
	ErrAsyncOnly = fmt.Errorf("%w: blocking trap outside task context", ErrKernel)

	// ErrKernelRunning reports a reentrant Run on a kernel that is
	// already driving tasks.
	ErrKernelRunning = fmt.Errorf("%w: kernel already running", ErrKernel)

	// ErrKernelClosed reports use of a kernel after Close.
	ErrKernelClosed = fmt.Errorf("%w: kernel closed", ErrKernel)
)

// TaskCancelled is delivered into a task at its next cancellation point
// after another task cancels it.
type TaskCancelled struct{}

func (e *TaskCancelled) Error() string { return "task cancelled" }

// Unwrap places TaskCancelled in the ErrCancelled family.
func (e *TaskCancelled) Unwrap() error { return ErrCancelled }

// TaskTimeout is delivered when the innermost timeout frame of a task
// expires. At carries the kernel clock reading of the expired deadline.
type TaskTimeout struct {
	At    float64
	frame *timeoutFrame
}

func (e *TaskTimeout) Error() string { return fmt.Sprintf("task timeout at clock %.6f", e.At) }

// Unwrap places TaskTimeout in the ErrCancelled family.
func (e *TaskTimeout) Unwrap() error { return ErrCancelled }

// TimeoutCancelled is delivered when a timeout frame expires that is not
// the innermost one: a timeout fired, but not yours. It propagates until
// it reaches the frame that owns the expired deadline.
type TimeoutCancelled struct {
	At    float64
	frame *timeoutFrame
}

func (e *TimeoutCancelled) Error() string {
	return fmt.Sprintf("cancelled by outer timeout at clock %.6f", e.At)
}

// Unwrap places TimeoutCancelled in the ErrCancelled family.
func (e *TimeoutCancelled) Unwrap() error { return ErrCancelled }

// UncaughtTimeout reports an inner frame's TaskTimeout escaping through an
// outer frame without a handler. It is not part of the cancellation family:
// by the time it surfaces, the task is running normally again.
type UncaughtTimeout struct {
	// Inner is the TaskTimeout that escaped.
	Inner *TaskTimeout
}

func (e *UncaughtTimeout) Error() string {
	return fmt.Sprintf("uncaught timeout from inner frame (%v)", e.Inner)
}

func (e *UncaughtTimeout) Unwrap() error { return ErrKernel }

// TaskError wraps the exception a task terminated with when surfaced
// through Join. The original error is the cause, reachable via Unwrap.
type TaskError struct {
	Task *Task
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %d crashed: %v", e.Task.ID(), e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// isCancellation reports whether err belongs to the cancellation family.
func isCancellation(err error) bool {
	return err != nil && errors.Is(err, ErrCancelled)
}
