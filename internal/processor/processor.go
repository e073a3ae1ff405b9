// Package processor holds the job-type handlers run by the worker pool and
// the registry that maps a job type to its handler.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// ErrUnknownJobType is returned by Lookup for a type with no processor
var ErrUnknownJobType = errors.New("unknown job type")

// Processor executes the work of one job.
//
// Implementations must honour ctx: the worker cancels it when the attempt
// times out or the pool stops. The returned value becomes the job result
// and must be JSON encodable.
type Processor interface {
	Execute(ctx context.Context, payload json.RawMessage) (any, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Execute calls f(ctx, payload)
func (f ProcessorFunc) Execute(ctx context.Context, payload json.RawMessage) (any, error) {
	return f(ctx, payload)
}

// ProcessingError is a processor failure with the message recorded on the job
type ProcessingError struct {
	JobType types.JobType
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string { return e.Message }
func (e *ProcessingError) Unwrap() error { return e.Cause }

// FatalError wraps a processor error that must not be retried.
// The job fails on the attempt that returned it.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return e.Cause.Error() }
func (e *FatalError) Unwrap() error { return e.Cause }

// Registry maps job types to processors. It is filled at startup and read
// concurrently by workers.
type Registry struct {
	mu         sync.RWMutex
	processors map[types.JobType]Processor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{processors: make(map[types.JobType]Processor)}
}

// Register binds p to jobType, replacing any previous binding
func (r *Registry) Register(jobType types.JobType, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[jobType] = p
}

// Lookup returns the processor for jobType
func (r *Registry) Lookup(jobType types.JobType) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return p, nil
}

// Types returns the registered job types, sorted
func (r *Registry) Types() []types.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.JobType, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Delays are the simulated processing times of the built-in processors
type Delays struct {
	FileProcessing time.Duration
	DataEnrichment time.Duration
	Calculation    time.Duration
}

// DefaultDelays returns 2s for files, 1.5s for enrichment and 3s for calculations
func DefaultDelays() Delays {
	return Delays{
		FileProcessing: 2 * time.Second,
		DataEnrichment: 1500 * time.Millisecond,
		Calculation:    3 * time.Second,
	}
}

// NewDefaultRegistry registers the three built-in processors
func NewDefaultRegistry(d Delays) *Registry {
	r := NewRegistry()
	r.Register(types.TypeFileProcessing, NewFileProcessor(d.FileProcessing))
	r.Register(types.TypeDataEnrichment, NewEnrichmentProcessor(d.DataEnrichment))
	r.Register(types.TypeCalculation, NewCalculationProcessor(d.Calculation))
	return r
}

// simulate waits d or until ctx is done
func simulate(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// describeDuration renders 2s as "2 seconds" and 1.5s as "1.5 seconds"
func describeDuration(d time.Duration) string {
	return fmt.Sprintf("%g seconds", d.Seconds())
}
