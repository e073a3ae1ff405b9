package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types, one per job transition
type EventType string

const (
	EventEnqueue  EventType = "ENQUEUE"  // Job created (pending)
	EventDispatch EventType = "DISPATCH" // Job claimed by a worker (active)
	EventAck      EventType = "ACK"      // Processor succeeded (completed)
	EventRetry    EventType = "RETRY"    // Failed attempt, job back to pending with a delay
	EventDead     EventType = "DEAD"     // Job failed terminally
	EventCancel   EventType = "CANCEL"   // Pending job cancelled by a client
	EventRecover  EventType = "RECOVER"  // Job found active at startup, returned to pending
)

// Event represents a WAL event record.
//
// Job holds the full post-transition record, so replaying an event is an
// upsert and replaying the same log twice yields the same state.
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Job       json.RawMessage `json:"job"`       // Encoded types.Job after the transition
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// DecodeJob returns the job record carried by the event
func (e Event) DecodeJob() (types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(e.Job, &job); err != nil {
		return types.Job{}, fmt.Errorf("wal: decode job at seq=%d: %w", e.Seq, err)
	}
	return job, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
