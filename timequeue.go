package coil

import "container/heap"

type timerKind uint8

const (
	// timerSleep wakes the task normally at the deadline.
	timerSleep timerKind = iota
	// timerTimeout delivers a timeout cancellation at the deadline.
	timerTimeout
)

// timerEntry is one pending deadline. Cancelled entries stay in the heap
// and are discarded lazily on pop, so cancellation is O(1).
type timerEntry struct {
	deadline  float64
	gen       uint64
	task      *Task
	kind      timerKind
	cancelled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline == h[j].deadline {
		return h[i].gen < h[j].gen
	}
	return h[i].deadline < h[j].deadline
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	entry, ok := x.(*timerEntry)
	if !ok || entry == nil {
		return
	}
	*h = append(*h, entry)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	if n == 0 {
		return (*timerEntry)(nil)
	}
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// timeQueue orders pending deadlines. The generation counter makes entries
// stable under equal deadlines and gives cancellation tokens identity.
type timeQueue struct {
	heap    timerHeap
	nextGen uint64
	live    map[uint64]*timerEntry
}

func newTimeQueue() *timeQueue {
	return &timeQueue{
		nextGen: 1,
		live:    make(map[uint64]*timerEntry),
	}
}

// push schedules a deadline for the task and returns a generation token.
func (q *timeQueue) push(task *Task, deadline float64, kind timerKind) uint64 {
	gen := q.nextGen
	q.nextGen++
	entry := &timerEntry{
		deadline: deadline,
		gen:      gen,
		task:     task,
		kind:     kind,
	}
	q.live[gen] = entry
	heap.Push(&q.heap, entry)
	return gen
}

// cancel marks the token dead without touching the heap.
func (q *timeQueue) cancel(gen uint64) {
	if gen == 0 {
		return
	}
	entry := q.live[gen]
	if entry == nil {
		return
	}
	entry.cancelled = true
	delete(q.live, gen)
}

// nextDeadline reports the earliest live deadline, skimming any cancelled
// entries off the top.
func (q *timeQueue) nextDeadline() (float64, bool) {
	for len(q.heap) > 0 {
		head := q.heap[0]
		if head == nil || head.cancelled {
			heap.Pop(&q.heap)
			continue
		}
		return head.deadline, true
	}
	return 0, false
}

// popExpired removes and returns live entries with deadline <= now, in
// deadline order with ties broken by insertion order.
func (q *timeQueue) popExpired(now float64) []*timerEntry {
	var expired []*timerEntry
	for len(q.heap) > 0 {
		head := q.heap[0]
		if head == nil || head.cancelled {
			heap.Pop(&q.heap)
			continue
		}
		if head.deadline > now {
			break
		}
		heap.Pop(&q.heap)
		delete(q.live, head.gen)
		expired = append(expired, head)
	}
	return expired
}

func (q *timeQueue) len() int { return len(q.live) }
