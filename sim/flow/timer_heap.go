package flow

import "container/heap"

// timer is a pending wake-up for a stage.
type timer struct {
	deadline int64
	seq      uint64
	stage    *Stage
}

// timerHeap implements a priority queue with deterministic ordering.
// Ordering: deadline → insertion sequence
type timerHeap struct {
	timers []*timer
	seq    uint64
}

func newTimerHeap() *timerHeap {
	h := &timerHeap{
		timers: make([]*timer, 0),
	}
	heap.Init(h)
	return h
}

// Len implements heap.Interface
func (h *timerHeap) Len() int {
	return len(h.timers)
}

// Less implements heap.Interface with deterministic ordering
func (h *timerHeap) Less(i, j int) bool {
	ti, tj := h.timers[i], h.timers[j]
	if ti.deadline != tj.deadline {
		return ti.deadline < tj.deadline
	}
	// Stages scheduled first at the same instant run first.
	return ti.seq < tj.seq
}

// Swap implements heap.Interface
func (h *timerHeap) Swap(i, j int) {
	h.timers[i], h.timers[j] = h.timers[j], h.timers[i]
}

// Push implements heap.Interface
func (h *timerHeap) Push(x interface{}) {
	h.timers = append(h.timers, x.(*timer))
}

// Pop implements heap.Interface
func (h *timerHeap) Pop() interface{} {
	old := h.timers
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.timers = old[0 : n-1]
	return item
}

// schedule adds a wake-up for the stage and returns its handle.
func (h *timerHeap) schedule(deadline int64, s *Stage) *timer {
	h.seq++
	t := &timer{deadline: deadline, seq: h.seq, stage: s}
	heap.Push(h, t)
	return t
}

// peek returns the next live timer without removing it.
// Timers superseded by a later reschedule or belonging to a closed stage are
// dropped on the way.
func (h *timerHeap) peek() *timer {
	for h.Len() > 0 {
		t := h.timers[0]
		if t.stage.timer == t && !t.stage.closed {
			return t
		}
		heap.Pop(h)
	}
	return nil
}

// popNext removes and returns the next live timer.
func (h *timerHeap) popNext() *timer {
	t := h.peek()
	if t == nil {
		return nil
	}
	heap.Pop(h)
	return t
}
