// ============================================================================
// Beaver-Queue Priority Dispatcher
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: Select the next pending job to attempt, by priority then FIFO,
//          respecting the backoff delay of retried jobs.
//
// Index layout:
//
//   Add(candidate) ──┬── eligibleAt <= now ──→ ready   (max-heap: priority,
//                    │                                   then createdAt, seq)
//                    └── eligibleAt >  now ──→ delayed (min-heap: eligibleAt)
//
//   Next():  promote every delayed entry that became eligible, then peek
//            the ready top. The entry stays in the index until the store
//            claims the job and calls Remove.
//
// Selection never changes a job's state. Two workers may be handed the same
// id; the store's TryClaim decides the winner and the loser asks again.
//
// Wake-ups:
//   Idle workers grab Wake() before calling Next(). When a job becomes
//   dispatchable the current wake channel is closed and replaced, which
//   releases every waiting worker at once.
//
// ============================================================================

package dispatcher

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Dispatcher is the ready index consulted by the worker pool
type Dispatcher struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayedHeap
	items   map[types.JobID]*item
	now     func() time.Time
	wake    chan struct{}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock overrides time.Now, used by tests to control eligibility
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates an empty dispatcher
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		items: make(map[types.JobID]*item),
		now:   time.Now,
		wake:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Add inserts or replaces the entry for a pending job
func (d *Dispatcher) Add(c types.Candidate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.items[c.ID]; ok {
		d.removeLocked(old)
	}

	it := &item{c: c}
	d.items[c.ID] = it

	if c.EligibleAt.After(d.now()) {
		it.delayed = true
		heap.Push(&d.delayed, it)
		// an earlier deadline changes how long idle workers should sleep
		if d.delayed[0] == it {
			d.signalLocked()
		}
		return
	}

	heap.Push(&d.ready, it)
	d.signalLocked()
}

// Remove drops the entry for id; unknown ids are ignored
func (d *Dispatcher) Remove(id types.JobID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if it, ok := d.items[id]; ok {
		d.removeLocked(it)
	}
}

// Next returns the highest-priority eligible job, or false when nothing is ready
func (d *Dispatcher) Next() (types.JobID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.promoteLocked()
	if len(d.ready) == 0 {
		return "", false
	}
	return d.ready[0].c.ID, true
}

// NextEligibleAt returns when the earliest delayed job becomes eligible
func (d *Dispatcher) NextEligibleAt() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.delayed) == 0 {
		return time.Time{}, false
	}
	return d.delayed[0].c.EligibleAt, true
}

// Wake returns a channel closed the next time a job becomes dispatchable
func (d *Dispatcher) Wake() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wake
}

// Len returns the number of pending jobs in the index (ready and delayed)
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// ReadyLen returns the number of jobs eligible right now
func (d *Dispatcher) ReadyLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.promoteLocked()
	return len(d.ready)
}

// promoteLocked moves delayed entries whose eligibility time has passed
func (d *Dispatcher) promoteLocked() {
	now := d.now()
	promoted := false
	for len(d.delayed) > 0 && !d.delayed[0].c.EligibleAt.After(now) {
		it := heap.Pop(&d.delayed).(*item)
		it.delayed = false
		heap.Push(&d.ready, it)
		promoted = true
	}
	if promoted {
		d.signalLocked()
	}
}

func (d *Dispatcher) removeLocked(it *item) {
	if it.delayed {
		heap.Remove(&d.delayed, it.index)
	} else {
		heap.Remove(&d.ready, it.index)
	}
	delete(d.items, it.c.ID)
}

func (d *Dispatcher) signalLocked() {
	close(d.wake)
	d.wake = make(chan struct{})
}
