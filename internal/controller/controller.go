// ============================================================================
// Beaver-Queue Controller - queue facade and coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Wire every component together and expose the client operations
//          (submit, status, cancel, list, stats).
//
// Components:
//   - JobManager: job records and their state machine
//   - Dispatcher: priority ready index the workers pick from
//   - Pool:       workers running processors under timeout + panic guard
//   - WAL:        every transition, appended under the job's lock
//   - Snapshot:   periodic image of the store, paired with a WAL rotation
//   - Notifier:   transitions fanned out to the log and metrics observers
//
// Background loops:
//   1. Snapshot loop - rotate WAL, capture store, flush, write snapshot
//   2. Stats loop    - refresh queue gauges
//
// Crash recovery (Start):
//   1. load snapshot              → JobManager.Restore
//   2. replay newest WAL archive  → JobManager.Apply
//   3. replay active WAL segment  → JobManager.Apply
//   4. requeue jobs found active  → JobManager.RequeueActive
//
//   Every WAL event carries the full record after its transition, so replay
//   is an upsert and replaying an event twice is harmless. The archive is
//   replayed because a crash between a rotation and the following snapshot
//   write leaves the previous snapshot next to a fresh segment.
//
// Shutdown order (Stop):
//   loops → worker pool → final snapshot → WAL → notifier
//
// An empty WALPath runs the queue in memory only.
//
// ============================================================================

package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-queue/internal/dispatcher"
	"github.com/ChuLiYu/beaver-queue/internal/events"
	"github.com/ChuLiYu/beaver-queue/internal/jobmanager"
	"github.com/ChuLiYu/beaver-queue/internal/metrics"
	"github.com/ChuLiYu/beaver-queue/internal/processor"
	"github.com/ChuLiYu/beaver-queue/internal/retry"
	"github.com/ChuLiYu/beaver-queue/internal/snapshot"
	"github.com/ChuLiYu/beaver-queue/internal/storage/wal"
	"github.com/ChuLiYu/beaver-queue/internal/worker"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Configuration
// ============================================================================

// Config Controller configuration
type Config struct {
	WorkerCount     int           // workers, <= 0 uses worker.DefaultWorkerCount
	TaskTimeout     time.Duration // per-attempt timeout, 0 disables it
	PollMin         time.Duration // idle poll interval lower bound
	PollMax         time.Duration // idle poll interval upper bound
	ShutdownTimeout time.Duration // how long Stop waits for in-flight attempts
	MaxJobs         int           // store cap, 0 = unbounded

	Retry retry.Policy

	WALPath          string      // empty = in-memory only
	WAL              wal.Options // buffering and archive retention
	SnapshotPath     string      // defaults to WALPath + ".snapshot"
	SnapshotInterval time.Duration
	SnapshotBackups  int // previous snapshots kept next to the live one

	StatsInterval time.Duration // gauge refresh period
	EventBuffer   int           // per-observer buffer

	Processors processor.Delays // simulated durations of the built-in processors
}

// DefaultConfig returns an in-memory queue with the default retry policy
func DefaultConfig() Config {
	return Config{
		WorkerCount:      worker.DefaultWorkerCount(),
		TaskTimeout:      30 * time.Second,
		PollMin:          worker.DefaultMinPoll,
		PollMax:          worker.DefaultMaxPoll,
		ShutdownTimeout:  10 * time.Second,
		Retry:            retry.DefaultPolicy(),
		SnapshotInterval: time.Minute,
		SnapshotBackups:  2,
		StatsInterval:    5 * time.Second,
		EventBuffer:      events.DefaultBufferSize,
		Processors:       processor.DefaultDelays(),
	}
}

// Option customizes collaborators that are not plain configuration
type Option func(*Controller)

// WithRegistry replaces the built-in processors
func WithRegistry(r *processor.Registry) Option {
	return func(c *Controller) { c.registry = r }
}

// WithMetrics subscribes a Prometheus collector and feeds its gauges
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithObserver subscribes an additional transition observer
func WithObserver(name string, o events.Observer) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, namedObserver{name: name, observer: o})
	}
}

// WithClock overrides time.Now in the store, dispatcher and pool
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type namedObserver struct {
	name     string
	observer events.Observer
}

// ============================================================================
// Controller
// ============================================================================

// Controller owns the queue components
type Controller struct {
	config Config
	now    func() time.Time

	store      *jobmanager.JobManager
	dispatcher *dispatcher.Dispatcher
	pool       *worker.Pool
	registry   *processor.Registry
	notifier   *events.Notifier
	metrics    *metrics.Collector
	observers  []namedObserver

	wal       *wal.WAL          // nil when in memory
	batch     *wal.BatchWriter  // nil when in memory
	snapshots *snapshot.Manager // nil when in memory

	mu        sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	startTime time.Time
}

// NewController builds the queue. Nothing runs until Start.
func NewController(config Config, opts ...Option) (*Controller, error) {
	c := &Controller{
		config: config,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = processor.NewDefaultRegistry(config.Processors)
	}

	c.dispatcher = dispatcher.New(dispatcher.WithClock(c.now))

	c.notifier = events.NewNotifier(config.EventBuffer)
	c.notifier.Subscribe("log", events.NewLogObserver(nil))
	if c.metrics != nil {
		c.notifier.Subscribe("metrics", c.metrics)
	}
	for _, o := range c.observers {
		c.notifier.Subscribe(o.name, o.observer)
	}

	storeOpts := []jobmanager.Option{
		jobmanager.WithReadyIndex(c.dispatcher),
		jobmanager.WithPublisher(c.notifier),
		jobmanager.WithClock(c.now),
		jobmanager.WithMaxAttempts(config.Retry.Attempts()),
		jobmanager.WithMaxJobs(config.MaxJobs),
	}

	if config.WALPath != "" {
		w, err := wal.NewWAL(config.WALPath, config.WAL)
		if err != nil {
			c.notifier.Close()
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		c.wal = w
		c.batch = wal.NewBatchWriter(w, config.WAL.FlushInterval)
		storeOpts = append(storeOpts, jobmanager.WithJournal(c.batch))

		snapshotPath := config.SnapshotPath
		if snapshotPath == "" {
			snapshotPath = config.WALPath + ".snapshot"
		}
		c.snapshots = snapshot.NewManager(snapshotPath)
	}

	c.store = jobmanager.NewJobManager(storeOpts...)

	poolOpts := []worker.Option{
		worker.WithTimeout(config.TaskTimeout),
		worker.WithPollInterval(config.PollMin, config.PollMax),
		worker.WithClock(c.now),
	}
	if c.metrics != nil {
		poolOpts = append(poolOpts, worker.WithExecutionHook(c.metrics.ObserveExecution))
	}
	c.pool = worker.NewPool(c.store, c.dispatcher, c.registry, config.Retry, poolOpts...)

	return c, nil
}

// Start recovers persisted state, then starts the workers and the
// background loops
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrNotRunning
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = c.now()

	if err := c.recover(); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if c.snapshots != nil && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}
	if c.metrics != nil && c.config.StatsInterval > 0 {
		c.loopWg.Add(1)
		go c.statsLoop()
	}

	c.started = true
	log.Info("queue started",
		"workers", c.pool.WorkerCount(),
		"persistent", c.wal != nil,
		"types", c.registry.Types())
	return nil
}

// recover rebuilds the store from the snapshot and the WAL
func (c *Controller) recover() error {
	if c.wal == nil {
		return nil
	}
	start := time.Now()

	data, err := c.snapshots.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	c.store.Restore(data)

	apply := func(event wal.Event) error {
		job, err := event.DecodeJob()
		if err != nil {
			return err
		}
		c.store.Apply(job)
		return nil
	}

	archives, err := c.wal.Archives()
	if err != nil {
		return fmt.Errorf("failed to list WAL archives: %w", err)
	}
	if len(archives) > 0 {
		newest := archives[len(archives)-1]
		if err := wal.ReplayArchive(newest, apply); err != nil {
			return fmt.Errorf("failed to replay WAL archive %s: %w", newest, err)
		}
	}

	if err := c.wal.Replay(apply); err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	requeued := c.store.RequeueActive()

	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.SetRecoveryTime(elapsed)
	}
	log.Info("recovery completed",
		"duration", elapsed,
		"snapshot_jobs", len(data.Jobs),
		"jobs", c.store.Len(),
		"requeued", len(requeued))
	return nil
}

// ============================================================================
// Background loops
// ============================================================================

func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error("failed to take snapshot", "error", err)
			}
		}
	}
}

func (c *Controller) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		c.refreshGauges()
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) refreshGauges() {
	c.metrics.UpdateQueueStats(c.store.Stats())
	c.metrics.SetActiveWorkers(c.pool.ActiveCount())
	c.metrics.SetEventsDropped(c.notifier.Dropped())
}

// takeSnapshot rotates the WAL and writes a snapshot taken after the
// rotation. The new segment is flushed before the snapshot is written so
// the snapshot is never ahead of the log on disk.
func (c *Controller) takeSnapshot() error {
	if c.wal == nil {
		return nil
	}
	start := time.Now()

	if err := c.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	data := c.store.Snapshot()

	if err := c.wal.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := c.snapshots.WriteWithBackup(data, c.config.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	log.Info("snapshot taken", "duration", time.Since(start), "jobs", len(data.Jobs))
	return nil
}

// ============================================================================
// Client operations
// ============================================================================

// Submit validates and enqueues a job. A nil priority means 0.
// Validation failures are *ValidationError and no record is created.
func (c *Controller) Submit(jobType string, payload json.RawMessage, priority *int) (types.JobID, error) {
	if jobType == "" || !types.JobType(jobType).IsKnown() {
		return "", &ValidationError{Field: "type", Err: ErrInvalidType}
	}
	if isMissingPayload(payload) {
		return "", &ValidationError{Field: "payload", Err: ErrMissingPayload}
	}
	if !c.IsRunning() {
		return "", ErrNotRunning
	}

	p := 0
	if priority != nil {
		p = *priority
	}

	id, err := c.store.Create(types.JobType(jobType), payload, p)
	if err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}
	return id, nil
}

// isMissingPayload treats absent, null and falsy scalars as no payload
func isMissingPayload(payload json.RawMessage) bool {
	switch string(bytes.TrimSpace(payload)) {
	case "", "null", `""`, "0", "false":
		return true
	}
	return false
}

// Status returns the current view of a job; it never changes anything
func (c *Controller) Status(id types.JobID) (types.JobView, error) {
	job, err := c.store.Get(id)
	if err != nil {
		if errors.Is(err, jobmanager.ErrJobNotFound) {
			return types.JobView{}, ErrNotFound
		}
		return types.JobView{}, err
	}
	return job.View(), nil
}

// Cancel fails a pending job. Active and finished jobs yield a
// *ConflictError matching ErrConflict.
func (c *Controller) Cancel(id types.JobID) error {
	err := c.store.Cancel(id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return ErrNotFound
	case errors.Is(err, jobmanager.ErrNotPending):
		status := ""
		if job, getErr := c.store.Get(id); getErr == nil {
			status = string(job.Status)
		}
		return &ConflictError{ID: string(id), Status: status}
	default:
		return err
	}
}

// List returns every job in submission order
func (c *Controller) List() []types.JobView {
	jobs := c.store.ListAll()
	views := make([]types.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	return views
}

// GetStats returns job counts per status plus "total"
func (c *Controller) GetStats() map[string]int {
	return c.store.Stats()
}

// Uptime is the time since Start, 0 before it
func (c *Controller) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	return c.now().Sub(c.startTime)
}

// IsRunning reports whether Start succeeded and Stop has not been called
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// Types lists the job types with a registered processor
func (c *Controller) Types() []types.JobType {
	return c.registry.Types()
}

// ============================================================================
// Shutdown
// ============================================================================

// Stop shuts the queue down.
//
// Order:
//  1. close(stopCh) and wait for the background loops
//  2. stop the worker pool; attempts still running after ShutdownTimeout
//     are cancelled and go through the retry policy
//  3. final snapshot (rotates the WAL)
//  4. close the batch writer and the WAL
//  5. close the notifier, draining pending transitions to observers
//
// Stop is idempotent. Errors from every step are joined.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	log.Info("stopping queue")
	var errs []error

	close(c.stopCh)
	c.loopWg.Wait()

	if started {
		ctx := context.Background()
		if c.config.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.config.ShutdownTimeout)
			defer cancel()
		}
		if err := c.pool.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}

		if err := c.takeSnapshot(); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		}
	}

	if c.batch != nil {
		if err := c.batch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wal batch writer: %w", err))
		}
	}
	if c.wal != nil {
		if err := c.wal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wal: %w", err))
		}
	}

	c.notifier.Close()
	if c.metrics != nil {
		c.refreshGauges()
	}

	log.Info("queue stopped", "dropped_events", c.notifier.Dropped())
	return errors.Join(errs...)
}
