// ============================================================================
// Beaver-Queue Worker Collaborators
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: The narrow views of the store, dispatcher, registry and retry
//          policy that the pool depends on.
//
// The pool never touches a job record directly: it asks the ReadySource
// which job to try, claims it through the JobStore and reports the outcome
// through the same store.
//
// ============================================================================

package worker

import (
	"encoding/json"
	"time"

	"github.com/ChuLiYu/beaver-queue/internal/processor"
	"github.com/ChuLiYu/beaver-queue/internal/retry"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// JobStore is the part of the job manager a worker needs
type JobStore interface {
	// TryClaim moves a pending job to active; only one caller can win
	TryClaim(id types.JobID) error
	Get(id types.JobID) (types.Job, error)
	Complete(id types.JobID, result json.RawMessage) error
	Fail(id types.JobID, errMsg string) error
	Retry(id types.JobID, errMsg string, delay time.Duration) error
}

// ReadySource selects the next job to try
type ReadySource interface {
	Next() (types.JobID, bool)
	NextEligibleAt() (time.Time, bool)
	Wake() <-chan struct{}
}

// ProcessorLookup resolves the processor for a job type
type ProcessorLookup interface {
	Lookup(jobType types.JobType) (processor.Processor, error)
}

// RetryPolicy decides between retry and terminal failure
type RetryPolicy interface {
	Decide(attempts, maxAttempts int) retry.Decision
}
