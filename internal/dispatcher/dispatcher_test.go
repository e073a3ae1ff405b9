package dispatcher

import (
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock shared with the dispatcher
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func candidate(id string, priority int, created time.Time, seq uint64) types.Candidate {
	return types.Candidate{
		ID:         types.JobID(id),
		Priority:   priority,
		CreatedAt:  created,
		Seq:        seq,
		EligibleAt: created,
	}
}

// drain pops jobs in dispatch order the way the store would after each claim
func drain(d *Dispatcher) []types.JobID {
	var order []types.JobID
	for {
		id, ok := d.Next()
		if !ok {
			return order
		}
		order = append(order, id)
		d.Remove(id)
	}
}

func TestNextEmpty(t *testing.T) {
	d := New()
	id, ok := d.Next()
	assert.False(t, ok)
	assert.Empty(t, id)
	assert.Equal(t, 0, d.Len())
}

func TestDispatchOrderPriorityThenFIFO(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))

	t1 := clock.Now().Add(-3 * time.Second)
	t2 := t1.Add(time.Second)
	t3 := t2.Add(time.Second)

	d.Add(candidate("A", 1, t1, 1))
	d.Add(candidate("B", 5, t2, 2))
	d.Add(candidate("C", 1, t3, 3))

	assert.Equal(t, []types.JobID{"B", "A", "C"}, drain(d))
}

func TestEqualCreatedAtFallsBackToSeq(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	ts := clock.Now()

	d.Add(candidate("third", 0, ts, 3))
	d.Add(candidate("first", 0, ts, 1))
	d.Add(candidate("second", 0, ts, 2))

	assert.Equal(t, []types.JobID{"first", "second", "third"}, drain(d))
}

func TestNextDoesNotRemove(t *testing.T) {
	d := New()
	d.Add(candidate("A", 0, time.Now().Add(-time.Second), 1))

	first, ok := d.Next()
	require.True(t, ok)
	second, ok := d.Next()
	require.True(t, ok)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, d.Len())
}

func TestDelayedCandidateBecomesEligible(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))

	c := candidate("retry", 10, clock.Now(), 1)
	c.EligibleAt = clock.Now().Add(time.Second)
	d.Add(c)
	d.Add(candidate("low", 0, clock.Now(), 2))

	// the high-priority job is still backing off, so the low one goes first
	id, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, types.JobID("low"), id)
	d.Remove(id)

	_, ok = d.Next()
	assert.False(t, ok)

	at, ok := d.NextEligibleAt()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Second), at)

	clock.Advance(time.Second)
	id, ok = d.Next()
	require.True(t, ok)
	assert.Equal(t, types.JobID("retry"), id)
	assert.Equal(t, 1, d.ReadyLen())

	_, ok = d.NextEligibleAt()
	assert.False(t, ok)
}

func TestAddReplacesExistingEntry(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))

	d.Add(candidate("A", 0, clock.Now(), 1))
	c := candidate("A", 0, clock.Now(), 1)
	c.EligibleAt = clock.Now().Add(time.Minute)
	d.Add(c)

	assert.Equal(t, 1, d.Len())
	_, ok := d.Next()
	assert.False(t, ok)
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	d := New()
	assert.NotPanics(t, func() { d.Remove("missing") })
}

func TestRemoveFromMiddleKeepsHeapOrder(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	base := clock.Now().Add(-time.Minute)

	for i, p := range []int{3, 9, 1, 7, 5} {
		d.Add(candidate(string(rune('a'+i)), p, base, uint64(i)))
	}
	d.Remove("d") // priority 7

	assert.Equal(t, []types.JobID{"b", "e", "a", "c"}, drain(d))
}

func TestWakeClosedOnAdd(t *testing.T) {
	d := New()
	wake := d.Wake()

	select {
	case <-wake:
		t.Fatal("wake channel closed before any job was added")
	default:
	}

	d.Add(candidate("A", 0, time.Now().Add(-time.Second), 1))

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("wake channel not closed after Add")
	}

	// a fresh channel is handed out after each signal
	assert.NotEqual(t, wake, d.Wake())
}

func TestConcurrentAddAndNext(t *testing.T) {
	d := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Add(candidate(string(rune(i+'0')), i%5, time.Now().Add(-time.Second), uint64(i)))
			d.Next()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, d.Len())
	assert.Len(t, drain(d), 50)
}
