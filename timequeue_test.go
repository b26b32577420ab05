package coil

import "testing"

func TestTimeQueueOrdering(t *testing.T) {
	q := newTimeQueue()
	a := &Task{id: 1}
	b := &Task{id: 2}
	c := &Task{id: 3}
	q.push(a, 3.0, timerSleep)
	q.push(b, 1.0, timerSleep)
	q.push(c, 2.0, timerSleep)

	if deadline, ok := q.nextDeadline(); !ok || deadline != 1.0 {
		t.Fatalf("next deadline wrong: %v %v", deadline, ok)
	}
	expired := q.popExpired(2.5)
	if len(expired) != 2 || expired[0].task != b || expired[1].task != c {
		t.Fatalf("expired in wrong order: %v", expired)
	}
	if q.len() != 1 {
		t.Fatalf("expected one live entry, got %d", q.len())
	}
}

func TestTimeQueueTieBreakByInsertion(t *testing.T) {
	q := newTimeQueue()
	first := &Task{id: 1}
	second := &Task{id: 2}
	q.push(first, 1.0, timerSleep)
	q.push(second, 1.0, timerSleep)
	expired := q.popExpired(1.0)
	if len(expired) != 2 || expired[0].task != first || expired[1].task != second {
		t.Fatalf("equal deadlines not in insertion order: %v", expired)
	}
}

func TestTimeQueueCancelledTokenNeverFires(t *testing.T) {
	q := newTimeQueue()
	a := &Task{id: 1}
	b := &Task{id: 2}
	gen := q.push(a, 1.0, timerSleep)
	q.push(b, 2.0, timerSleep)
	q.cancel(gen)

	// The cancelled entry stays in the heap but is skimmed lazily.
	if deadline, ok := q.nextDeadline(); !ok || deadline != 2.0 {
		t.Fatalf("cancelled entry still visible: %v %v", deadline, ok)
	}
	expired := q.popExpired(5.0)
	if len(expired) != 1 || expired[0].task != b {
		t.Fatalf("cancelled token fired: %v", expired)
	}
}

func TestTimeQueueCancelUnknownToken(t *testing.T) {
	q := newTimeQueue()
	q.cancel(0)
	q.cancel(42)
	if q.len() != 0 {
		t.Fatalf("phantom entries after cancelling unknown tokens")
	}
}
