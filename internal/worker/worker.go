// ============================================================================
// Beaver-Queue Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: one goroutine that repeatedly picks, claims and runs a job
//
// Loop:
//   ┌───────────────────────────────────────────────────────────┐
//   │ for !stopping                                             │
//   │   ├─ id, ok := ready.Next()                               │
//   │   │    └─ !ok → wait(poll | wake | next eligible | stop)  │
//   │   ├─ store.TryClaim(id)  ── conflict → pick again         │
//   │   ├─ store.Get(id), registry.Lookup(job.Type)             │
//   │   │    └─ unknown type → store.Fail (never retried)       │
//   │   ├─ execute under timeout + panic guard                  │
//   │   └─ Complete | Retry(delay) | Fail                       │
//   └───────────────────────────────────────────────────────────┘
//
// Idle wait:
//   The poll interval starts at minPoll and doubles on every empty poll up
//   to maxPoll. It resets when a job is claimed or the dispatcher signals.
//   The wait is also cut to the earliest delayed job's eligibility time.
//
// Timeout control:
//   Each attempt runs under context.WithTimeout. Timeouts are cooperative:
//   the worker waits for the processor to return, so a timed-out attempt
//   never overlaps the next attempt of the same job. A processor that
//   returns after the deadline has failed, whatever it returned.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/beaver-queue/internal/processor"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id   int
	pool *Pool
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run loops until loopCtx is cancelled. Attempts run under execCtx, which
// outlives loopCtx so a graceful stop lets in-flight attempts finish.
func (w *Worker) Run(loopCtx, execCtx context.Context) {
	p := w.pool
	poll := p.minPoll
	var lastConflict types.JobID

	for loopCtx.Err() == nil {
		wake := p.ready.Wake()
		id, ok := p.ready.Next()
		if !ok {
			if w.wait(loopCtx, wake, poll) {
				poll = p.minPoll
			} else {
				poll = min(poll*2, p.maxPoll)
			}
			continue
		}

		if err := p.store.TryClaim(id); err != nil {
			// a repeated conflict on the same id means the index is briefly
			// ahead of the store; back off instead of spinning
			if id == lastConflict {
				w.wait(loopCtx, wake, p.minPoll)
			}
			lastConflict = id
			continue
		}
		lastConflict = ""
		poll = p.minPoll

		p.active.Add(1)
		w.process(execCtx, id)
		p.active.Add(-1)
	}
}

// wait blocks for at most d; it returns true when woken by the dispatcher
func (w *Worker) wait(ctx context.Context, wake <-chan struct{}, d time.Duration) bool {
	p := w.pool
	if at, ok := p.ready.NextEligibleAt(); ok {
		if until := at.Sub(p.now()); until < d {
			d = max(until, 0)
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return false
	}
}

// process runs one claimed job to its next state
func (w *Worker) process(ctx context.Context, id types.JobID) {
	p := w.pool

	job, err := p.store.Get(id)
	if err != nil {
		log.Error("claimed job vanished", "worker", w.id, "job_id", id, "error", err)
		return
	}

	proc, err := p.registry.Lookup(job.Type)
	if err != nil {
		log.Warn("no processor for job type", "worker", w.id, "job_id", id, "type", job.Type)
		w.report(p.store.Fail(id, err.Error()), id, "fail")
		return
	}

	res := w.execute(ctx, Task{Job: job, Timeout: p.timeout}, proc)
	if p.hook != nil {
		p.hook(res)
	}

	if res.Success {
		data, err := json.Marshal(res.Value)
		if err != nil {
			w.report(p.store.Fail(id, fmt.Sprintf("invalid result: %v", err)), id, "fail")
			return
		}
		w.report(p.store.Complete(id, data), id, "complete")
		return
	}

	msg := res.Error.Error()
	var fatal *processor.FatalError
	decision := p.policy.Decide(job.Attempts+1, job.MaxAttempts)

	switch {
	case errors.As(res.Error, &fatal):
		w.report(p.store.Fail(id, msg), id, "fail")
	case decision.Retry:
		w.report(p.store.Retry(id, msg, decision.Delay), id, "retry")
	default:
		w.report(p.store.Fail(id, msg), id, "fail")
	}
}

// execute invokes the processor under the attempt timeout and a panic guard
func (w *Worker) execute(ctx context.Context, task Task, proc processor.Processor) (res Result) {
	start := time.Now()
	res = Result{JobID: task.Job.ID, JobType: task.Job.Type}

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("processor panicked", "worker", w.id, "job_id", task.Job.ID, "panic", r,
				"stack", string(debug.Stack()))
			res.Success = false
			res.Value = nil
			res.Error = fmt.Errorf("processor panicked: %v", r)
		}
		res.Duration = time.Since(start)
	}()

	value, err := proc.Execute(attemptCtx, task.Job.Payload)

	if task.Timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.Error = fmt.Errorf("job exceeded timeout of %s", task.Timeout)
		return res
	}
	if err != nil {
		res.Error = err
		return res
	}

	res.Success = true
	res.Value = value
	return res
}

// report logs a transition the store refused. With a single claim holder
// this only happens if the job was rewritten underneath the worker.
func (w *Worker) report(err error, id types.JobID, op string) {
	if err != nil {
		log.Error("job transition rejected", "worker", w.id, "job_id", id, "op", op, "error", err)
	}
}
