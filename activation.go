package coil

import "log"

// Activation observes task lifecycle transitions. The kernel invokes the
// callbacks synchronously at the named moments; implementations must not
// perform I/O that blocks the kernel. A panicking activation is logged
// and discarded, never propagated into unrelated tasks.
type Activation interface {
	// Activate fires once when the kernel starts running.
	Activate(k *Kernel)
	// Created fires when a task is created.
	Created(t *Task)
	// Running fires immediately before a task is resumed.
	Running(t *Task)
	// Suspended fires after a task parks in a wait structure.
	Suspended(t *Task)
	// Terminated fires after a task's result slot is frozen.
	Terminated(t *Task)
}

// NopActivation is an embeddable no-op base for partial observers.
type NopActivation struct{}

func (NopActivation) Activate(*Kernel) {}
func (NopActivation) Created(*Task)    {}
func (NopActivation) Running(*Task)    {}
func (NopActivation) Suspended(*Task)  {}
func (NopActivation) Terminated(*Task) {}

// TraceActivation logs every lifecycle transition, the debugging
// counterpart of the monitor console.
type TraceActivation struct {
	NopActivation
}

func (TraceActivation) Created(t *Task) {
	log.Printf("coil: created task %d (%s)", t.id, t.name)
}

func (TraceActivation) Running(t *Task) {
	log.Printf("coil: running task %d (%s) cycle %d", t.id, t.name, t.cycles)
}

func (TraceActivation) Suspended(t *Task) {
	log.Printf("coil: suspended task %d (%s) in %s", t.id, t.name, t.state)
}

func (TraceActivation) Terminated(t *Task) {
	log.Printf("coil: terminated task %d (%s) err=%v", t.id, t.name, t.err)
}

func (k *Kernel) notifyActivate() {
	for _, a := range k.activations {
		k.safeNotify(func() { a.Activate(k) })
	}
}

func (k *Kernel) notifyCreated(t *Task) {
	for _, a := range k.activations {
		k.safeNotify(func() { a.Created(t) })
	}
}

func (k *Kernel) notifyRunning(t *Task) {
	for _, a := range k.activations {
		k.safeNotify(func() { a.Running(t) })
	}
}

func (k *Kernel) notifySuspended(t *Task) {
	for _, a := range k.activations {
		k.safeNotify(func() { a.Suspended(t) })
	}
}

func (k *Kernel) notifyTerminated(t *Task) {
	for _, a := range k.activations {
		k.safeNotify(func() { a.Terminated(t) })
	}
}

func (k *Kernel) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coil: activation panicked: %v", r)
		}
	}()
	fn()
}
