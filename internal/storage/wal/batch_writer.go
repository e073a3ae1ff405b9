package wal

// ============================================================================
// Batch Writer
// Purpose: flush the WAL buffer on a timer so a quiet queue still persists
// its last transitions without an fsync per event
// ============================================================================

import (
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// BatchWriter wraps a WAL with a background flush loop.
//
// Trade-off: an event appended without force sits in memory for at most
// flushInterval before it reaches disk.
type BatchWriter struct {
	wal *WAL

	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// NewBatchWriter starts a flush loop over wal
func NewBatchWriter(wal *WAL, flushInterval time.Duration) *BatchWriter {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	bw := &BatchWriter{
		wal:           wal,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.flushLoop()
	return bw
}

// Append forwards to the WAL; buffered events are picked up by the loop
func (bw *BatchWriter) Append(eventType EventType, job types.Job, isForceFlush bool) error {
	return bw.wal.Append(eventType, job, isForceFlush)
}

// Flush immediately writes all buffered events
func (bw *BatchWriter) Flush() error {
	return bw.wal.Flush()
}

// Close stops the loop and flushes what is left.
// The underlying WAL stays open; closing it is the caller's job.
func (bw *BatchWriter) Close() error {
	var err error
	bw.closeOnce.Do(func() {
		close(bw.stopCh)
		bw.wg.Wait()
		err = bw.wal.Flush()
	})
	return err
}

func (bw *BatchWriter) flushLoop() {
	defer bw.wg.Done()

	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.stopCh:
			return
		case <-ticker.C:
			if err := bw.wal.Flush(); err != nil {
				log.Error("wal: periodic flush failed", "error", err)
			}
		}
	}
}
