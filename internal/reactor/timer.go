package reactor

import (
	"container/heap"
	"time"
)

// Timer is a one-shot timer owned by a reactor. All methods must be called
// from the loop goroutine.
type Timer struct {
	r       *Reactor
	fn      func()
	when    time.Time
	idx     int // position in the heap, -1 when not queued
	stopped bool
}

// Stop cancels the timer. Stopping an already-fired or stopped timer is a
// no-op.
func (t *Timer) Stop() {
	t.stopped = true
	if t.idx >= 0 {
		t.r.timers.remove(t)
	}
}

// Reset re-arms the timer d from now, whether or not it already fired.
func (t *Timer) Reset(d time.Duration) {
	if t.idx >= 0 {
		t.r.timers.remove(t)
	}
	t.stopped = false
	t.when = time.Now().Add(d)
	t.r.timers.push(t)
}

// timerHeap is a min-heap of timers ordered by deadline.
type timerHeap struct {
	items timerSlice
}

func (h *timerHeap) push(t *Timer) {
	heap.Push(&h.items, t)
}

func (h *timerHeap) remove(t *Timer) {
	if t.idx >= 0 && t.idx < len(h.items) && h.items[t.idx] == t {
		heap.Remove(&h.items, t.idx)
	}
	t.idx = -1
}

// nextDeadline returns the earliest pending deadline.
func (h *timerHeap) nextDeadline() (time.Time, bool) {
	for len(h.items) > 0 {
		t := h.items[0]
		if t.stopped {
			heap.Pop(&h.items)
			t.idx = -1
			continue
		}
		return t.when, true
	}
	return time.Time{}, false
}

// popExpired removes and returns one timer whose deadline is at or before
// now. Stopped timers are discarded along the way.
func (h *timerHeap) popExpired(now time.Time) (*Timer, bool) {
	for len(h.items) > 0 {
		t := h.items[0]
		if t.stopped {
			heap.Pop(&h.items)
			t.idx = -1
			continue
		}
		if t.when.After(now) {
			return nil, false
		}
		heap.Pop(&h.items)
		t.idx = -1
		return t, true
	}
	return nil, false
}

// timerSlice implements heap.Interface.
type timerSlice []*Timer

func (s timerSlice) Len() int           { return len(s) }
func (s timerSlice) Less(i, j int) bool { return s[i].when.Before(s[j].when) }

func (s timerSlice) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
	s[i].idx = i
	s[j].idx = j
}

func (s *timerSlice) Push(x any) {
	t := x.(*Timer)
	t.idx = len(*s)
	*s = append(*s, t)
}

func (s *timerSlice) Pop() any {
	old := *s
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.idx = -1
	*s = old[:n-1]
	return t
}
