package types

import "time"

// TransitionKind names a lifecycle transition
type TransitionKind string

// Transition kinds published by the store
const (
	KindQueued    TransitionKind = "queued"    // created, or requeued after recovery
	KindActive    TransitionKind = "active"    // claimed by a worker
	KindCompleted TransitionKind = "completed" // processor succeeded
	KindRetrying  TransitionKind = "retrying"  // failed attempt, re-enqueued with delay
	KindFailed    TransitionKind = "failed"    // terminal failure
	KindCancelled TransitionKind = "cancelled" // pending job cancelled by a client
	KindRecovered TransitionKind = "recovered" // active at crash time, returned to pending
)

// Transition is the tuple published to event observers for every state change
type Transition struct {
	JobID     JobID          `json:"jobId"`
	JobType   JobType        `json:"jobType"`
	Kind      TransitionKind `json:"kind"`
	From      JobStatus      `json:"from,omitempty"` // empty for creation
	To        JobStatus      `json:"to"`
	Attempts  int            `json:"attempts"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"` // job creation time, used for latency
	Timestamp time.Time      `json:"timestamp"`
}
