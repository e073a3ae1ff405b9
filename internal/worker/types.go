package worker

import (
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Task is one attempt handed to a worker
type Task struct {
	Job     types.Job     // copy of the record taken right after the claim
	Timeout time.Duration // per-attempt timeout, 0 = none
}

// Result is the outcome of one attempt
type Result struct {
	JobID    types.JobID
	JobType  types.JobType
	Success  bool
	Value    any           // processor return value when Success
	Error    error         // failure cause (timeout, panic or processor error)
	TimedOut bool          // the attempt ran past its timeout
	Duration time.Duration // wall time of the attempt
}

// ExecutionHook is called after every attempt, from the worker goroutine
type ExecutionHook func(r Result)
