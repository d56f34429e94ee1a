package monitor

import (
	"container/heap"
	"time"

	"stockwatch/internal/watch"
)

// entry is one target's scheduling state. The loop goroutine owns all
// mutable fields under the service mutex; fetch goroutines only ever read
// the copies handed to them at dispatch time.
type entry struct {
	target   watch.Target
	due      time.Time
	interval time.Duration
	attempts int // consecutive failed fetches
	inflight bool
	discard  bool // cancelled while a fetch was out
	index    int  // heap slot, -1 while in flight
}

// dueHeap is a min-heap keyed by due time, tie-broken by target id so pop
// order is deterministic.
type dueHeap []*entry

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].target.ID < h[j].target.ID
	}
	return h[i].due.Before(h[j].due)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// push re-inserts an entry with a new due time.
func (h *dueHeap) push(e *entry, due time.Time) {
	e.due = due
	heap.Push(h, e)
}

// remove detaches an entry if it is currently queued.
func (h *dueHeap) remove(e *entry) {
	if e.index >= 0 && e.index < len(*h) {
		heap.Remove(h, e.index)
	}
}

// reschedule moves an already-queued entry to a new due time.
func (h *dueHeap) reschedule(e *entry, due time.Time) {
	e.due = due
	if e.index >= 0 && e.index < len(*h) {
		heap.Fix(h, e.index)
	}
}
