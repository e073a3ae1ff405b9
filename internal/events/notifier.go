// ============================================================================
// Beaver-Queue Event Notifier
// ============================================================================
//
// Package: internal/events
// File: notifier.go
// Purpose: Fan job transitions out to observers without ever slowing down
//          the job store.
//
// Delivery:
//
//   Publish(t) ──→ [buffer: observer A] ──→ goroutine A ──→ A.Observe(t)
//              └─→ [buffer: observer B] ──→ goroutine B ──→ B.Observe(t)
//
//   - Publish never blocks: a full buffer drops the event for that
//     observer and counts it.
//   - Each observer sees events in publish order.
//   - Observer errors are logged, panics recovered. Nothing reaches the
//     publisher.
//
// ============================================================================

package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

var log = slog.Default()

// DefaultBufferSize is the per-observer queue length
const DefaultBufferSize = 1024

// Observer consumes transitions
type Observer interface {
	Observe(t types.Transition) error
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(t types.Transition) error

// Observe calls f(t)
func (f ObserverFunc) Observe(t types.Transition) error { return f(t) }

// subscription pairs an observer with the name captured at Subscribe time
type subscription struct {
	name     string
	observer Observer
	ch       chan types.Transition
	dropped  atomic.Uint64
	done     chan struct{}
}

// Notifier delivers transitions to subscribed observers
type Notifier struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool
	dropped    atomic.Uint64
}

// NewNotifier creates a notifier; bufferSize <= 0 uses DefaultBufferSize
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Notifier{bufferSize: bufferSize}
}

// Subscribe registers an observer under name and starts its delivery loop.
// Subscribing after Close is a no-op.
func (n *Notifier) Subscribe(name string, o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		log.Warn("events: subscribe after close ignored", "observer", name)
		return
	}

	s := &subscription{
		name:     name,
		observer: o,
		ch:       make(chan types.Transition, n.bufferSize),
		done:     make(chan struct{}),
	}
	n.subs = append(n.subs, s)
	go s.run()
}

// Publish hands t to every observer without blocking
func (n *Notifier) Publish(t types.Transition) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}
	for _, s := range n.subs {
		select {
		case s.ch <- t:
		default:
			s.dropped.Add(1)
			n.dropped.Add(1)
		}
	}
}

// Dropped returns the number of deliveries lost to full buffers
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// DroppedFor returns the drops of one observer, by subscription name
func (n *Notifier) DroppedFor(name string) uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var total uint64
	for _, s := range n.subs {
		if s.name == name {
			total += s.dropped.Load()
		}
	}
	return total
}

// Close stops accepting events, lets every observer drain its buffer and
// waits for the delivery loops to exit
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	for _, s := range subs {
		close(s.ch)
	}
	n.mu.Unlock()

	for _, s := range subs {
		<-s.done
	}
}

func (s *subscription) run() {
	defer close(s.done)
	for t := range s.ch {
		s.deliver(t)
	}
}

func (s *subscription) deliver(t types.Transition) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("events: observer panicked",
				"observer", s.name, "job_id", t.JobID, "kind", t.Kind, "panic", fmt.Sprint(r))
		}
	}()
	if err := s.observer.Observe(t); err != nil {
		log.Warn("events: observer failed",
			"observer", s.name, "job_id", t.JobID, "kind", t.Kind, "error", err)
	}
}
