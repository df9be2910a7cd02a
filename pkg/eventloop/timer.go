package eventloop

import "time"

// timerState tracks where a timer is in the dispatch cycle. Dispatch-state
// timers sort before the temporary states, which sort before Pending, so
// the heap root is always the next timer the loop has to look at.
type timerState uint8

const (
	timerIdle timerState = iota
	timerPending
	timerDispatch
	timerTempUnset
	timerTempSet
)

// stateOrder returns the heap ordering group of a state.
func (s timerState) stateOrder() int {
	switch s {
	case timerDispatch:
		return 0
	case timerTempUnset, timerTempSet:
		return 1
	case timerPending:
		return 2
	}
	panic("eventloop: idle timer in heap")
}

// Timer is a one-shot timer owned by a Loop. Handlers run from the loop's
// dispatch phase; a timer is already unset when its handler runs and may be
// freely re-armed from within it. All methods must be called from loop
// context.
type Timer struct {
	loop    *Loop
	handler func()
	state   timerState
	time    time.Time
	seq     uint64
	heapIdx int
}

// NewTimer creates an unset timer firing handler on expiry.
func (l *Loop) NewTimer(handler func()) *Timer {
	return &Timer{loop: l, handler: handler, heapIdx: -1}
}

// IsSet reports whether the timer is scheduled to fire.
func (t *Timer) IsSet() bool {
	return t.state == timerPending || t.state == timerDispatch || t.state == timerTempSet
}

// ExpireTime returns the scheduled expiry. Meaningful only while IsSet.
func (t *Timer) ExpireTime() time.Time {
	return t.time
}

// SetAt schedules the timer to fire at tm, replacing any prior schedule.
func (t *Timer) SetAt(tm time.Time) {
	l := t.loop
	t.time = tm
	switch t.state {
	case timerIdle:
		t.state = timerPending
		t.seq = l.nextSeq()
		l.timers.push(t)
	case timerPending:
		l.timers.fix(t)
	case timerDispatch, timerTempUnset, timerTempSet:
		// Mid-dispatch rearm: park in the temp group, resolved before the
		// next wait.
		t.state = timerTempSet
		l.timers.fix(t)
	}
}

// SetAfter schedules the timer d from now.
func (t *Timer) SetAfter(d time.Duration) {
	t.SetAt(t.loop.Now().Add(d))
}

// Unset cancels the timer if scheduled. Safe to call from any loop context,
// including the timer's own handler.
func (t *Timer) Unset() {
	l := t.loop
	switch t.state {
	case timerPending:
		l.timers.remove(t)
		t.state = timerIdle
	case timerDispatch, timerTempSet:
		t.state = timerTempUnset
		l.timers.fix(t)
	}
}

// timerHeap is a binary min-heap of timers keyed by (state order, time,
// insertion sequence). Keys mutate in place; fix restores the invariant
// after a key change.
type timerHeap struct {
	items []*Timer
}

func (h *timerHeap) less(a, b *Timer) bool {
	ao, bo := a.state.stateOrder(), b.state.stateOrder()
	if ao != bo {
		return ao < bo
	}
	if !a.time.Equal(b.time) {
		return a.time.Before(b.time)
	}
	return a.seq < b.seq
}

func (h *timerHeap) len() int { return len(h.items) }

func (h *timerHeap) first() *Timer {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *timerHeap) push(t *Timer) {
	t.heapIdx = len(h.items)
	h.items = append(h.items, t)
	h.siftUp(t.heapIdx)
}

func (h *timerHeap) remove(t *Timer) {
	i := t.heapIdx
	last := len(h.items) - 1
	if i != last {
		h.items[i] = h.items[last]
		h.items[i].heapIdx = i
	}
	h.items = h.items[:last]
	t.heapIdx = -1
	if i < len(h.items) {
		h.fixAt(i)
	}
}

func (h *timerHeap) fix(t *Timer) {
	h.fixAt(t.heapIdx)
}

func (h *timerHeap) fixAt(i int) {
	if !h.siftDown(i) {
		h.siftUp(i)
	}
}

func (h *timerHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(h.items[i], h.items[parent]) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *timerHeap) siftDown(i int) bool {
	moved := false
	n := len(h.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && h.less(h.items[right], h.items[left]) {
			smallest = right
		}
		if !h.less(h.items[smallest], h.items[i]) {
			break
		}
		h.swap(i, smallest)
		i = smallest
		moved = true
	}
	return moved
}

func (h *timerHeap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].heapIdx = i
	h.items[j].heapIdx = j
}
