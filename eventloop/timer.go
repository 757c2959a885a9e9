package eventloop

import (
	"container/heap"
	"time"
)

// Task is a unit of deferred work run on the Loop's own goroutine —
// either a timer firing or work enqueued via Loop.Defer. Task bodies
// must never block; long work belongs on a Query or another Timer.
type Task func()

// timerEntry is one scheduled Task, ordered by its absolute deadline.
type timerEntry struct {
	when time.Time
	seq  uint64 // break when ties in FIFO registration order
	task Task
}

// timerHeap is a container/heap min-heap of pending timers. Entries
// carry a registration sequence so two timers set for the identical
// instant still fire in the order they were scheduled.
type timerHeap []timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// nextDeadline returns the earliest pending deadline and whether any
// timer is pending at all.
func (h timerHeap) nextDeadline() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].when, true
}

// popDue removes and returns every timerEntry whose deadline is not
// after now, in deadline order.
func (h *timerHeap) popDue(now time.Time) []Task {
	var due []Task
	for h.Len() > 0 && !(*h)[0].when.After(now) {
		e := heap.Pop(h).(timerEntry)
		due = append(due, e.task)
	}
	return due
}
