package controller

import (
	"errors"
	"fmt"
)

// ============================================================================
// Errors surfaced by the queue facade
// ============================================================================

var (
	// ErrInvalidType rejects a submission whose type is not a known job type
	ErrInvalidType = errors.New("invalid job type")
	// ErrMissingPayload rejects a submission without a payload
	ErrMissingPayload = errors.New("job payload is required")
	// ErrNotFound is returned for an unknown job id
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a job is no longer cancellable
	ErrConflict = errors.New("job cannot be cancelled")
	// ErrNotRunning is returned by Submit outside Start/Stop
	ErrNotRunning = errors.New("queue is not running")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("queue already started")
)

// ValidationError describes a rejected submission. It matches its sentinel
// through errors.Is.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ConflictError carries the status that blocked a cancel
type ConflictError struct {
	ID     string
	Status string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s cannot be cancelled in status %s", e.ID, e.Status)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
