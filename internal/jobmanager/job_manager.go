// ============================================================================
// Beaver-Queue Job Manager - job lifecycle state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Own every job record and its state transitions.
//
// State machine:
//
//   Pending ──TryClaim──→ Active ──Complete──→ Completed
//      ↑  │                 │ │
//      │  │                 │ └──Fail───────→ Failed
//      │  └──Cancel─────────┼───────────────→ Failed ("cancelled")
//      └────────Retry───────┘   (routes to Fail when attempts reach max)
//
//   Completed and Failed are terminal: every later transition is rejected.
//
// Locking:
//   - jm.mu (RWMutex) guards only the id → entry map and the sequence counter.
//   - entry.mu guards one record. Every transition runs under it, together
//     with its side effects (journal append, ready-index update, publish),
//     so the per-job order of side effects equals the transition order.
//   - jm.mu is never acquired while holding an entry lock, except when a
//     failed Create removes its own, not yet visible, record.
//
// TryClaim is the only place where mutual exclusion between workers is
// decided: exactly one caller moves a pending job to active.
//
// Snapshot support:
//   - Snapshot() - copy of every record
//   - Restore()  - replace the store with a snapshot image
//   - Apply()    - upsert a record replayed from the WAL
//
// ============================================================================

package jobmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-queue/internal/retry"
	"github.com/ChuLiYu/beaver-queue/internal/storage/wal"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrJobNotFound is returned for an unknown id
	ErrJobNotFound = errors.New("job not found")
	// ErrClaimConflict means the job was not claimable (taken, not pending or still backing off)
	ErrClaimConflict = errors.New("job claim conflict")
	// ErrNotActive is returned by Complete, Fail and Retry for a job that is not active
	ErrNotActive = errors.New("job not active")
	// ErrNotPending is returned by Cancel for a job that is not pending
	ErrNotPending = errors.New("job not pending")
	// ErrStoreFull is returned by Create when the job cap is reached
	ErrStoreFull = errors.New("job store full")
)

// CancelledError is the error text recorded on a cancelled job
const CancelledError = "cancelled"

// SchemaVersion of the snapshot image produced by Snapshot
const SchemaVersion = 1

// ============================================================================
// Collaborators
// ============================================================================

// ReadyIndex is told which pending jobs can be dispatched
type ReadyIndex interface {
	Add(c types.Candidate)
	Remove(id types.JobID)
}

// Journal durably records post-transition job state
type Journal interface {
	Append(eventType wal.EventType, job types.Job, isForceFlush bool) error
}

// Publisher receives one Transition per state change and must not block
type Publisher interface {
	Publish(t types.Transition)
}

// ============================================================================
// Store
// ============================================================================

type entry struct {
	mu      sync.Mutex
	job     types.Job
	removed bool // set when a Create is rolled back
}

// JobManager is the job store
type JobManager struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*entry
	seq  uint64

	ready       ReadyIndex
	journal     Journal
	publisher   Publisher
	now         func() time.Time
	maxAttempts int
	maxJobs     int
}

// Option configures a JobManager
type Option func(*JobManager)

// WithReadyIndex connects the dispatcher
func WithReadyIndex(r ReadyIndex) Option {
	return func(jm *JobManager) { jm.ready = r }
}

// WithJournal connects the write-ahead log
func WithJournal(j Journal) Option {
	return func(jm *JobManager) { jm.journal = j }
}

// WithPublisher connects the event notifier
func WithPublisher(p Publisher) Option {
	return func(jm *JobManager) { jm.publisher = p }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(jm *JobManager) { jm.now = now }
}

// WithMaxAttempts sets MaxAttempts for newly created jobs
func WithMaxAttempts(n int) Option {
	return func(jm *JobManager) {
		if n > 0 {
			jm.maxAttempts = n
		}
	}
}

// WithMaxJobs caps the number of records held; 0 means unlimited
func WithMaxJobs(n int) Option {
	return func(jm *JobManager) { jm.maxJobs = n }
}

// NewJobManager creates an empty store
func NewJobManager(opts ...Option) *JobManager {
	jm := &JobManager{
		jobs:        make(map[types.JobID]*entry),
		now:         time.Now,
		maxAttempts: retry.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// Create stores a new pending job and makes it dispatchable.
//
// The record is journaled (and flushed) before Create returns; when the
// journal refuses it the job is dropped and the error returned.
func (jm *JobManager) Create(jobType types.JobType, payload json.RawMessage, priority int) (types.JobID, error) {
	now := jm.now()
	id := types.JobID(uuid.NewString())

	jm.mu.Lock()
	if jm.maxJobs > 0 && len(jm.jobs) >= jm.maxJobs {
		jm.mu.Unlock()
		return "", ErrStoreFull
	}
	jm.seq++
	e := &entry{job: types.Job{
		ID:             id,
		Type:           jobType,
		Payload:        append(json.RawMessage(nil), payload...),
		Priority:       priority,
		Seq:            jm.seq,
		Status:         types.StatusPending,
		MaxAttempts:    jm.maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
		NextEligibleAt: now,
	}}
	e.mu.Lock()
	jm.jobs[id] = e
	jm.mu.Unlock()
	defer e.mu.Unlock()

	if jm.journal != nil {
		if err := jm.journal.Append(wal.EventEnqueue, e.job, true); err != nil {
			e.removed = true
			jm.mu.Lock()
			delete(jm.jobs, id)
			jm.mu.Unlock()
			return "", fmt.Errorf("journal job: %w", err)
		}
	}

	jm.addReady(e.job)
	jm.publish(e.job, "", types.KindQueued, now)
	return id, nil
}

// Get returns a copy of the record
func (jm *JobManager) Get(id types.JobID) (types.Job, error) {
	e, err := jm.lookup(id)
	if err != nil {
		return types.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return types.Job{}, ErrJobNotFound
	}
	return e.job.Clone(), nil
}

// ListAll returns a copy of every record in creation order
func (jm *JobManager) ListAll() []types.Job {
	entries := jm.entries()

	jobs := make([]types.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			jobs = append(jobs, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
	return jobs
}

// Len returns the number of records held
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// TryClaim atomically moves a pending, eligible job to active.
// Any other caller racing on the same id gets ErrClaimConflict.
func (jm *JobManager) TryClaim(id types.JobID) error {
	e, err := jm.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := jm.now()
	if e.removed || e.job.Status != types.StatusPending || e.job.NextEligibleAt.After(now) {
		return ErrClaimConflict
	}

	e.job.Status = types.StatusActive
	e.job.UpdatedAt = now
	if e.job.StartedAt == nil {
		started := now
		e.job.StartedAt = &started
	}

	jm.appendJournal(wal.EventDispatch, e.job, false)
	jm.removeReady(id)
	jm.publish(e.job, types.StatusPending, types.KindActive, now)
	return nil
}

// Complete records a successful attempt
func (jm *JobManager) Complete(id types.JobID, result json.RawMessage) error {
	return jm.finishActive(id, func(e *entry, now time.Time) {
		e.job.Status = types.StatusCompleted
		e.job.Attempts++
		e.job.Result = append(json.RawMessage(nil), result...)
		e.job.Error = ""
		e.job.UpdatedAt = now
		completed := now
		e.job.CompletedAt = &completed

		jm.appendJournal(wal.EventAck, e.job, false)
		jm.publish(e.job, types.StatusActive, types.KindCompleted, now)
	})
}

// Fail records a terminal failed attempt
func (jm *JobManager) Fail(id types.JobID, errMsg string) error {
	return jm.finishActive(id, func(e *entry, now time.Time) {
		jm.failLocked(e, errMsg, now)
	})
}

// Retry records a failed attempt and puts the job back to pending, eligible
// no earlier than now+delay. When this attempt is the job's last allowed one
// the job fails instead.
func (jm *JobManager) Retry(id types.JobID, errMsg string, delay time.Duration) error {
	return jm.finishActive(id, func(e *entry, now time.Time) {
		if e.job.Attempts+1 >= e.job.MaxAttempts {
			jm.failLocked(e, errMsg, now)
			return
		}

		e.job.Status = types.StatusPending
		e.job.Attempts++
		e.job.Error = errMsg
		e.job.UpdatedAt = now
		if next := now.Add(delay); next.After(e.job.NextEligibleAt) {
			e.job.NextEligibleAt = next
		}

		jm.appendJournal(wal.EventRetry, e.job, false)
		jm.addReady(e.job)
		jm.publish(e.job, types.StatusActive, types.KindRetrying, now)
	})
}

// Cancel fails a pending job with the error "cancelled".
// Active and terminal jobs are left untouched and ErrNotPending returned.
func (jm *JobManager) Cancel(id types.JobID) error {
	e, err := jm.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return ErrJobNotFound
	}
	if e.job.Status != types.StatusPending {
		return fmt.Errorf("%w: status %s", ErrNotPending, e.job.Status)
	}

	now := jm.now()
	e.job.Status = types.StatusFailed
	e.job.Error = CancelledError
	e.job.UpdatedAt = now
	failed := now
	e.job.FailedAt = &failed

	jm.appendJournal(wal.EventCancel, e.job, false)
	jm.removeReady(id)
	jm.publish(e.job, types.StatusPending, types.KindCancelled, now)
	return nil
}

// Stats returns record counts per status plus "total"
func (jm *JobManager) Stats() map[string]int {
	stats := map[string]int{
		"total":                       0,
		string(types.StatusPending):   0,
		string(types.StatusActive):    0,
		string(types.StatusCompleted): 0,
		string(types.StatusFailed):    0,
	}
	for _, e := range jm.entries() {
		e.mu.Lock()
		if !e.removed {
			stats[string(e.job.Status)]++
			stats["total"]++
		}
		e.mu.Unlock()
	}
	return stats
}

// ============================================================================
// Persistence support
// ============================================================================

// Snapshot returns a deep copy of every record
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	lastSeq := jm.seq
	jm.mu.RUnlock()

	data := types.SnapshotData{
		Jobs:      make(map[types.JobID]*types.Job),
		SchemaVer: SchemaVersion,
		LastSeq:   lastSeq,
	}
	for _, job := range jm.ListAll() {
		j := job
		data.Jobs[j.ID] = &j
		if j.Seq > data.LastSeq {
			data.LastSeq = j.Seq
		}
	}
	return data
}

// Restore replaces the store content with a snapshot image and rebuilds
// the ready index. Nothing is journaled or published.
func (jm *JobManager) Restore(data types.SnapshotData) {
	jobs := make(map[types.JobID]*entry, len(data.Jobs))
	seq := data.LastSeq
	for id, j := range data.Jobs {
		if j == nil {
			continue
		}
		jobs[id] = &entry{job: j.Clone()}
		if j.Seq > seq {
			seq = j.Seq
		}
	}

	jm.mu.Lock()
	old := jm.jobs
	jm.jobs = jobs
	jm.seq = seq
	jm.mu.Unlock()

	for id := range old {
		if _, ok := jobs[id]; !ok {
			jm.removeReady(id)
		}
	}
	for _, e := range jobs {
		jm.syncReady(e.job)
	}
}

// Apply upserts a record replayed from the journal. Replaying the same
// record twice leaves the store unchanged.
func (jm *JobManager) Apply(job types.Job) {
	jm.mu.Lock()
	e, ok := jm.jobs[job.ID]
	if !ok {
		e = &entry{}
		jm.jobs[job.ID] = e
	}
	if job.Seq > jm.seq {
		jm.seq = job.Seq
	}
	jm.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.job = job.Clone()
	e.removed = false
	jm.syncReady(e.job)
}

// RequeueActive returns every active job to pending. It runs once at
// startup, before workers exist, for jobs whose worker died with the
// process. The interrupted attempt is not counted.
func (jm *JobManager) RequeueActive() []types.JobID {
	var requeued []types.JobID
	for _, e := range jm.entries() {
		e.mu.Lock()
		if !e.removed && e.job.Status == types.StatusActive {
			now := jm.now()
			e.job.Status = types.StatusPending
			e.job.UpdatedAt = now

			jm.appendJournal(wal.EventRecover, e.job, false)
			jm.addReady(e.job)
			jm.publish(e.job, types.StatusActive, types.KindRecovered, now)
			requeued = append(requeued, e.job.ID)
		}
		e.mu.Unlock()
	}
	return requeued
}

// ============================================================================
// Internal helpers
// ============================================================================

func (jm *JobManager) lookup(id types.JobID) (*entry, error) {
	jm.mu.RLock()
	e, ok := jm.jobs[id]
	jm.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return e, nil
}

func (jm *JobManager) entries() []*entry {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*entry, 0, len(jm.jobs))
	for _, e := range jm.jobs {
		out = append(out, e)
	}
	return out
}

// finishActive runs fn under the job lock when the job is active
func (jm *JobManager) finishActive(id types.JobID, fn func(e *entry, now time.Time)) error {
	e, err := jm.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return ErrJobNotFound
	}
	if e.job.Status != types.StatusActive {
		return fmt.Errorf("%w: status %s", ErrNotActive, e.job.Status)
	}
	fn(e, jm.now())
	return nil
}

func (jm *JobManager) failLocked(e *entry, errMsg string, now time.Time) {
	e.job.Status = types.StatusFailed
	e.job.Attempts++
	e.job.Error = errMsg
	e.job.UpdatedAt = now
	failed := now
	e.job.FailedAt = &failed

	jm.appendJournal(wal.EventDead, e.job, false)
	jm.publish(e.job, types.StatusActive, types.KindFailed, now)
}

// appendJournal logs journal failures; the in-memory transition stands
func (jm *JobManager) appendJournal(eventType wal.EventType, job types.Job, force bool) {
	if jm.journal == nil {
		return
	}
	if err := jm.journal.Append(eventType, job, force); err != nil {
		log.Error("journal append failed", "job_id", job.ID, "event", eventType, "error", err)
	}
}

func (jm *JobManager) addReady(job types.Job) {
	if jm.ready != nil {
		jm.ready.Add(types.CandidateOf(job))
	}
}

func (jm *JobManager) removeReady(id types.JobID) {
	if jm.ready != nil {
		jm.ready.Remove(id)
	}
}

// syncReady makes the ready index agree with the record's status
func (jm *JobManager) syncReady(job types.Job) {
	if job.Status == types.StatusPending {
		jm.addReady(job)
	} else {
		jm.removeReady(job.ID)
	}
}

func (jm *JobManager) publish(job types.Job, from types.JobStatus, kind types.TransitionKind, now time.Time) {
	if jm.publisher == nil {
		return
	}
	jm.publisher.Publish(types.Transition{
		JobID:     job.ID,
		JobType:   job.Type,
		Kind:      kind,
		From:      from,
		To:        job.Status,
		Attempts:  job.Attempts,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		Timestamp: now,
	})
}
