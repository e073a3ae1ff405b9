package wal

// ============================================================================
// WAL helpers
// Responsibility: read-only inspection of WAL files
// ============================================================================

import (
	"fmt"
	"io"
	"os"
	"time"
)

// GetLastEvent returns the last intact event of a WAL file.
// A full scan is used; segments are bounded by snapshot rotation.
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	err = scanEvents(file, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return last, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns the number of intact events in a WAL file
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n := 0
	err = scanEvents(file, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL checks every checksum and that sequence numbers are contiguous
func ValidateWAL(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var lastSeq uint64
	return scanEvents(file, func(e Event) error {
		if err := VerifyChecksum(e); err != nil {
			return err
		}
		if lastSeq != 0 && e.Seq != lastSeq+1 {
			return fmt.Errorf("wal: sequence gap: %d follows %d", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// DumpWAL writes a human readable listing of a WAL file, one event per line:
//
//	[Seq:1] ENQUEUE 6f1c… at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return scanEvents(file, func(e Event) error {
		mark := ""
		if VerifyChecksum(e) != nil {
			mark = " CORRUPTED"
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x)%s\n",
			e.Seq, e.Type, e.JobID,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Checksum, mark)
		return err
	})
}

// WALStats summarises a WAL file
type WALStats struct {
	TotalEvents    int               // intact events
	EventTypes     map[EventType]int // events per type
	FirstSeq       uint64
	LastSeq        uint64
	TimeRange      [2]int64 // [earliest, latest] unix millis
	CorruptedCount int      // events with a bad checksum
}

// GetWALStats scans a WAL file and collects its statistics
func GetWALStats(path string) (*WALStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err = scanEvents(file, func(e Event) error {
		if VerifyChecksum(e) != nil {
			stats.CorruptedCount++
			return nil
		}
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		if e.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = e.Timestamp
		}
		if e.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = e.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
