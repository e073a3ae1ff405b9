// ============================================================================
// Beaver-Queue Worker Pool - concurrent job executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Manage the lifecycle of N worker goroutines.
//
// Architecture:
//
//   ┌──────────────┐  Next/Wake   ┌────────────┐
//   │  Dispatcher  │ ←─────────── │  Worker 1  │ ──┐
//   └──────────────┘              │  Worker 2  │   │ TryClaim/Get
//   ┌──────────────┐  Lookup      │  Worker N  │   │ Complete/Retry/Fail
//   │   Registry   │ ←─────────── └────────────┘   ↓
//   └──────────────┘                         ┌────────────┐
//                                            │ Job Store  │
//                                            └────────────┘
//
// Lifecycle:
//   1. NewPool() - wire collaborators and options
//   2. Start(n)  - launch n workers (n <= 0 uses DefaultWorkerCount)
//   3. Stop(ctx) - stop picking jobs, wait for in-flight attempts; when
//                  ctx expires first, cancel the attempts and wait again
//
// A pool cannot be restarted after Stop.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed means the pool was stopped and cannot be started again
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolAlreadyStarted is returned by a second Start
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
)

// Defaults
const (
	MaxDefaultWorkers = 8
	DefaultMinPoll    = 10 * time.Millisecond
	DefaultMaxPoll    = time.Second
)

// DefaultWorkerCount is the CPU count capped at MaxDefaultWorkers
func DefaultWorkerCount() int {
	return min(runtime.NumCPU(), MaxDefaultWorkers)
}

// ============================================================================
// Pool
// ============================================================================

// Pool runs workers against a job store
type Pool struct {
	store    JobStore
	ready    ReadySource
	registry ProcessorLookup
	policy   RetryPolicy

	timeout time.Duration
	minPoll time.Duration
	maxPoll time.Duration
	now     func() time.Time
	hook    ExecutionHook

	mu         sync.Mutex
	workers    []*Worker
	wg         sync.WaitGroup
	started    bool
	stopped    bool
	stopLoop   context.CancelFunc
	cancelExec context.CancelFunc
	active     atomic.Int32
}

// Option configures a Pool
type Option func(*Pool)

// WithTimeout sets the per-attempt timeout; 0 disables it
func WithTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// WithPollInterval sets the idle poll bounds
func WithPollInterval(minPoll, maxPoll time.Duration) Option {
	return func(p *Pool) {
		if minPoll > 0 {
			p.minPoll = minPoll
		}
		if maxPoll >= p.minPoll {
			p.maxPoll = maxPoll
		}
	}
}

// WithClock overrides time.Now for eligibility waits
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithExecutionHook registers a callback run after every attempt
func WithExecutionHook(h ExecutionHook) Option {
	return func(p *Pool) { p.hook = h }
}

// NewPool creates a stopped pool
func NewPool(store JobStore, ready ReadySource, registry ProcessorLookup, policy RetryPolicy, opts ...Option) *Pool {
	p := &Pool{
		store:    store,
		ready:    ready,
		registry: registry,
		policy:   policy,
		minPoll:  DefaultMinPoll,
		maxPoll:  DefaultMaxPoll,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches workerCount workers
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount()
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	execCtx, cancelExec := context.WithCancel(context.Background())
	p.stopLoop = stopLoop
	p.cancelExec = cancelExec

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(loopCtx, execCtx)
		}()
	}

	p.started = true
	log.Info("worker pool started", "workers", workerCount, "timeout", p.timeout)
	return nil
}

// Stop stops the workers. In-flight attempts finish unless ctx is done
// first, in which case they are cancelled and ctx.Err() is returned once
// every worker has exited.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.stopLoop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelExec()
		log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		log.Warn("worker pool stop deadline reached, cancelling attempts", "active", p.ActiveCount())
		p.cancelExec()
		<-done
		return ctx.Err()
	}
}

// ActiveCount returns the number of attempts in progress
func (p *Pool) ActiveCount() int {
	return int(p.active.Load())
}

// WorkerCount returns the number of workers started
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded and Stop has not been called
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}
