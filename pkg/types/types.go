// Package types defines the core domain model shared by every beaver-queue component.
package types

import (
	"encoding/json"
	"time"
)

// JobID is the opaque unique identifier of a job
type JobID string

// JobType is the enumerated kind of work a job carries
type JobType string

// Supported job types
const (
	TypeFileProcessing JobType = "file_processing"
	TypeDataEnrichment JobType = "data_enrichment"
	TypeCalculation    JobType = "calculation"
)

// KnownTypes lists every job type the queue accepts at submission
var KnownTypes = []JobType{TypeFileProcessing, TypeDataEnrichment, TypeCalculation}

// IsKnown reports whether t is one of the enumerated job types
func (t JobType) IsKnown() bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a job
type JobStatus string

// Job statuses
const (
	StatusPending   JobStatus = "pending"   // waiting for a worker (possibly delayed by backoff)
	StatusActive    JobStatus = "active"    // claimed by exactly one worker
	StatusCompleted JobStatus = "completed" // terminal, result set
	StatusFailed    JobStatus = "failed"    // terminal, error set
)

// IsTerminal reports whether no further transition is allowed from s
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the record describing one unit of work and its current state.
// Records are only mutated by the job store's transition operations.
type Job struct {
	// Identity and data
	ID       JobID           `json:"id"`
	Type     JobType         `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	Seq      uint64          `json:"seq"` // creation order, FIFO tie-break

	// State tracking
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`

	// Timestamps
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`

	// Outcome
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the store
func (j Job) Clone() Job {
	c := j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// View converts the record into the flat status view exposed to clients
func (j Job) View() JobView {
	v := JobView{
		ID:          j.ID,
		Status:      j.Status,
		Type:        j.Type,
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   cloneTime(j.StartedAt),
		CompletedAt: cloneTime(j.CompletedAt),
		FailedAt:    cloneTime(j.FailedAt),
		Error:       j.Error,
	}
	if !j.UpdatedAt.Equal(j.CreatedAt) {
		updated := j.UpdatedAt
		v.UpdatedAt = &updated
	}
	if j.Status == StatusPending && j.NextEligibleAt.After(j.CreatedAt) {
		next := j.NextEligibleAt
		v.NextEligibleAt = &next
	}
	if j.Result != nil {
		v.Result = append(json.RawMessage(nil), j.Result...)
	}
	return v
}

// JobView is the status record returned by the status interface
type JobView struct {
	ID             JobID           `json:"id"`
	Status         JobStatus       `json:"status"`
	Type           JobType         `json:"type"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      *time.Time      `json:"updatedAt,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
	NextEligibleAt *time.Time      `json:"nextEligibleAt,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Candidate is a dispatch index entry for a pending job
type Candidate struct {
	ID         JobID
	Priority   int
	CreatedAt  time.Time
	Seq        uint64
	EligibleAt time.Time
}

// CandidateOf builds the dispatch entry for a pending job
func CandidateOf(j Job) Candidate {
	return Candidate{
		ID:         j.ID,
		Priority:   j.Priority,
		CreatedAt:  j.CreatedAt,
		Seq:        j.Seq,
		EligibleAt: j.NextEligibleAt,
	}
}

// SnapshotData is the persisted image of the whole store, used for recovery
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // every job record
	SchemaVer int            `json:"schema_ver"` // snapshot format version
	LastSeq   uint64         `json:"last_seq"`   // highest creation sequence handed out
}
