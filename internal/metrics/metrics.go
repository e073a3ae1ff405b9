// ============================================================================
// Beaver-Queue Metrics - Prometheus monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose queue metrics for Prometheus.
//
// Sources:
//   - Transitions: the Collector is an events.Observer, so every job
//     lifecycle transition lands here without the store knowing about
//     Prometheus.
//   - Attempts: ObserveExecution is installed as the worker pool's
//     execution hook.
//   - Gauges: the controller's stats loop calls UpdateQueueStats.
//
// Metrics:
//
//   1. Counters:
//      - queue_jobs_enqueued_total    (queued)
//      - queue_jobs_dispatched_total  (active)
//      - queue_jobs_completed_total   (completed)
//      - queue_jobs_retried_total     (retrying)
//      - queue_jobs_failed_total      (failed)
//      - queue_jobs_cancelled_total   (cancelled)
//      - queue_jobs_recovered_total   (recovered)
//
//   2. Histograms:
//      - queue_job_latency_seconds{status}          creation → terminal
//      - queue_job_execution_seconds{type,outcome}  one attempt
//
//   3. Gauges:
//      - queue_jobs{status}
//      - queue_workers_active
//      - queue_events_dropped
//      - queue_recovery_time_seconds
//
// Example queries:
//
//   rate(queue_jobs_completed_total[1m])
//   histogram_quantile(0.95, rate(queue_job_latency_seconds_bucket[5m]))
//   rate(queue_jobs_failed_total[5m]) / rate(queue_jobs_dispatched_total[5m])
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-queue/internal/worker"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Execution outcomes
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Collector Prometheus collector for the queue
type Collector struct {
	// transition counters
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsRetried    prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsCancelled  prometheus.Counter
	jobsRecovered  prometheus.Counter

	// performance
	jobLatency    *prometheus.HistogramVec
	execDuration  *prometheus.HistogramVec
	recoveryTime  prometheus.Gauge
	workersActive prometheus.Gauge

	// state
	jobsByStatus  *prometheus.GaugeVec
	eventsDropped prometheus.Gauge
}

// NewCollector creates the collector and registers it on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Total number of jobs made pending by submission",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_dispatched_total",
			Help: "Total number of jobs claimed by workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_retried_total",
			Help: "Total number of failed attempts scheduled for retry",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of jobs that reached the failed state",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_cancelled_total",
			Help: "Total number of pending jobs cancelled by clients",
		}),
		jobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_recovered_total",
			Help: "Total number of active jobs returned to pending during recovery",
		}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_job_latency_seconds",
			Help:    "Time from job creation to its terminal state",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_job_execution_seconds",
			Help:    "Duration of a single processor attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "outcome"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_recovery_time_seconds",
			Help: "Time taken by the last startup recovery",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_workers_active",
			Help: "Attempts currently running",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_jobs",
			Help: "Current number of jobs per status",
		}, []string{"status"}),
		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_events_dropped",
			Help: "Transitions dropped because an observer buffer was full",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsRetried,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobsRecovered,
		c.jobLatency,
		c.execDuration,
		c.recoveryTime,
		c.workersActive,
		c.jobsByStatus,
		c.eventsDropped,
	)

	return c
}

// Observe records one transition; it implements events.Observer
func (c *Collector) Observe(t types.Transition) error {
	switch t.Kind {
	case types.KindQueued:
		c.jobsEnqueued.Inc()
	case types.KindActive:
		c.jobsDispatched.Inc()
	case types.KindCompleted:
		c.jobsCompleted.Inc()
		c.observeLatency(t)
	case types.KindRetrying:
		c.jobsRetried.Inc()
	case types.KindFailed:
		c.jobsFailed.Inc()
		c.observeLatency(t)
	case types.KindCancelled:
		c.jobsCancelled.Inc()
		c.observeLatency(t)
	case types.KindRecovered:
		c.jobsRecovered.Inc()
	}
	return nil
}

func (c *Collector) observeLatency(t types.Transition) {
	if t.CreatedAt.IsZero() || t.Timestamp.Before(t.CreatedAt) {
		return
	}
	c.jobLatency.WithLabelValues(string(t.To)).Observe(t.Timestamp.Sub(t.CreatedAt).Seconds())
}

// ObserveExecution records one attempt; it has the worker.ExecutionHook shape
func (c *Collector) ObserveExecution(r worker.Result) {
	outcome := OutcomeSuccess
	switch {
	case r.TimedOut:
		outcome = OutcomeTimeout
	case !r.Success:
		outcome = OutcomeError
	}
	c.execDuration.WithLabelValues(string(r.JobType), outcome).Observe(r.Duration.Seconds())
}

// SetRecoveryTime records how long startup recovery took
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats sets the per-status gauges from the store counters.
// The "total" key is skipped; it is the sum of the others.
func (c *Collector) UpdateQueueStats(stats map[string]int) {
	for status, n := range stats {
		if status == "total" {
			continue
		}
		c.jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetActiveWorkers sets the number of running attempts
func (c *Collector) SetActiveWorkers(n int) {
	c.workersActive.Set(float64(n))
}

// SetEventsDropped sets the notifier's drop counter
func (c *Collector) SetEventsDropped(n uint64) {
	c.eventsDropped.Set(float64(n))
}

// ============================================================================
// HTTP
// ============================================================================

// Handler serves the metrics gathered by g in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr. The caller
// runs ListenAndServe and Shutdown.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
