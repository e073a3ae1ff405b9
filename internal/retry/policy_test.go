package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.False(t, p.Jitter)
}

func TestDecide(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name      string
		attempts  int
		wantRetry bool
		wantDelay time.Duration
	}{
		{"first failure", 1, true, 1000 * time.Millisecond},
		{"second failure", 2, true, 2000 * time.Millisecond},
		{"third failure is terminal", 3, false, 0},
		{"beyond max is terminal", 4, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.attempts, 3)
			assert.Equal(t, tt.wantRetry, d.Retry)
			assert.Equal(t, tt.wantDelay, d.Delay)
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 10; i++ {
		assert.Equal(t, p.Decide(2, 5), p.Decide(2, 5))
	}
}

func TestDelayCappedByMaxDelay(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(9))
}

func TestDelayWithoutMaxDelayIsBounded(t *testing.T) {
	p := Policy{MaxAttempts: 1000, BaseDelay: time.Second}

	assert.Equal(t, 18*time.Hour+12*time.Minute+16*time.Second, p.Delay(17))
	assert.Equal(t, DefaultMaxDelay, p.Delay(18))
	assert.Equal(t, DefaultMaxDelay, p.Delay(999))

	now := time.Now()
	assert.True(t, now.Add(p.Decide(999, 1000).Delay).After(now), "eligibility must stay in the future")
}

func TestDelayWithJitterStaysInRange(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Jitter: true}

	for i := 0; i < 100; i++ {
		d := p.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestDelayZeroBaseFallsBackToDefault(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	assert.Equal(t, DefaultBaseDelay, p.Delay(1))
	assert.Equal(t, DefaultBaseDelay, p.Delay(0))
	assert.Equal(t, DefaultMaxAttempts, p.Attempts())
}
