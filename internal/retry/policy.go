// ============================================================================
// Beaver-Queue Retry Policy
// ============================================================================
//
// Package: internal/retry
// File: policy.go
// Purpose: Decide, after a failed attempt, whether a job is re-enqueued with
//          a delay or marked terminally failed.
//
// Backoff:
//   delay = BaseDelay * 2^(attempts-1), capped at MaxDelay (24h when unset)
//
//   attempts | delay (base 1s)
//   ---------+----------------
//       1    | 1s
//       2    | 2s
//       3    | terminal (MaxAttempts = 3)
//
// The decision is deterministic for a given attempt count. Full jitter is
// applied only when Jitter is switched on in the configuration.
//
// ============================================================================

package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Defaults used when the configuration leaves a field at zero
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1000 * time.Millisecond
	// DefaultMaxDelay bounds a single delay when MaxDelay is unset
	DefaultMaxDelay = 24 * time.Hour
)

// Policy holds the retry configuration. The zero value is not useful, use
// DefaultPolicy or fill every field.
type Policy struct {
	MaxAttempts int           // attempts allowed per job, including the first
	BaseDelay   time.Duration // delay after the first failed attempt
	MaxDelay    time.Duration // upper bound for a single delay, 0 = DefaultMaxDelay
	Jitter      bool          // full jitter in [0, delay]
}

// Decision is the outcome of Decide
type Decision struct {
	Retry bool          // true: re-enqueue after Delay, false: fail terminally
	Delay time.Duration // only meaningful when Retry is true
}

// DefaultPolicy returns 3 attempts with a 1s exponential base and no jitter
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
}

// Decide returns the decision for a job that has just finished its
// attempts-th attempt (the failed one included) out of maxAttempts.
func (p Policy) Decide(attempts, maxAttempts int) Decision {
	if attempts >= maxAttempts {
		return Decision{Retry: false}
	}
	return Decision{Retry: true, Delay: p.Delay(attempts)}
}

// Delay returns the backoff before the next attempt after attempts failures
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}

	limit := p.MaxDelay
	if limit <= 0 {
		limit = DefaultMaxDelay
	}

	d := float64(base) * math.Pow(2, float64(attempts-1))
	if d > float64(limit) {
		d = float64(limit)
	}

	if p.Jitter {
		return time.Duration(rand.Float64() * d) //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}

// Attempts returns MaxAttempts, falling back to the default when unset
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}
