// Package timeout implements the shared, process-wide time-ordered wheel
// that fires state-level timeouts for the FSM runtime, including the
// rehydration elapsed-time computation.
//
// Grounded on a single-goroutine timer/dispatch event-loop discipline,
// generalized into an explicit time-ordered min-heap so that timeouts due at
// the same instant fire in non-decreasing scheduled-time order with
// scheduling-order tie-breaks, which a flat set of independent time.Timers
// cannot guarantee on its own.
package timeout

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Handle identifies a scheduled timeout for cancellation.
type Handle uint64

type entry struct {
	handle   Handle
	seq      uint64
	fireAt   time.Time
	machine  string
	state    string
	onFire   func()
	canceled bool
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler fires callbacks in scheduled-time order, honoring cancellation
// races: cancellation always precedes a not-yet-started firing.
type Scheduler struct {
	mu      sync.Mutex
	pending entryHeap
	byID    map[Handle]*entry
	nextID  Handle
	nextSeq uint64
	timer   *time.Timer
	stopCh  chan struct{}
	stopped bool

	fires int64 // atomic count of entries actually fired, for pkg/metrics
}

// Fires returns the total number of timeouts fired so far.
func (s *Scheduler) Fires() int64 { return atomic.LoadInt64(&s.fires) }

// New creates a running Scheduler. Call Stop to release its background timer
// goroutine.
func New() *Scheduler {
	s := &Scheduler{
		byID:   make(map[Handle]*entry),
		stopCh: make(chan struct{}),
	}
	return s
}

// Schedule arms onFire to run after d, tagged with machine/state so a stale
// firing (one whose machine has since left that state) can be recognized and
// dropped by the caller. onFire runs on its own goroutine.
func (s *Scheduler) Schedule(machine, state string, d time.Duration, onFire func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.nextSeq++
	e := &entry{
		handle:  s.nextID,
		seq:     s.nextSeq,
		fireAt:  time.Now().Add(d),
		machine: machine,
		state:   state,
		onFire:  onFire,
	}
	s.byID[e.handle] = e
	heap.Push(&s.pending, e)
	s.rearm()
	return e.handle
}

// Cancel is idempotent; if the firing has already been dispatched to its own
// goroutine, Cancel has no effect on it (the caller's onFire is expected to
// re-check its own state before acting, which the FSM runtime does via its
// single-writer discipline).
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[h]
	if !ok {
		return
	}
	e.canceled = true
	delete(s.byID, h)
}

// Stop releases the scheduler's background timer. Pending unfired timeouts
// are discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.stopCh)
}

// rearm must be called with s.mu held. It (re)starts the single background
// timer for the earliest pending, non-canceled entry.
func (s *Scheduler) rearm() {
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	for s.pending.Len() > 0 && s.pending[0].canceled {
		heap.Pop(&s.pending)
	}
	if s.pending.Len() == 0 {
		return
	}
	next := s.pending[0]
	delay := time.Until(next.fireAt)
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.tick)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	var fired []*entry
	now := time.Now()
	for s.pending.Len() > 0 {
		head := s.pending[0]
		if head.canceled {
			heap.Pop(&s.pending)
			continue
		}
		if head.fireAt.After(now) {
			break
		}
		heap.Pop(&s.pending)
		delete(s.byID, head.handle)
		fired = append(fired, head)
	}
	s.rearm()
	s.mu.Unlock()

	if len(fired) > 0 {
		atomic.AddInt64(&s.fires, int64(len(fired)))
	}
	for _, e := range fired {
		go e.onFire()
	}
}

// Due reports whether a duration d measured from lastChange has already
// elapsed as of now, and if not, the remaining duration to arm. This is the
// rehydration rule: Δ = now - lastChange; Δ≥D fires immediately, Δ<D arms
// D-Δ.
func Due(lastChange time.Time, d time.Duration, now time.Time) (fired bool, remaining time.Duration) {
	elapsed := now.Sub(lastChange)
	if elapsed >= d {
		return true, 0
	}
	return false, d - elapsed
}
