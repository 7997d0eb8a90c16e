package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
		RateWindow:       time.Minute,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(testConfig(), clock.Now)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Check().Allowed)

	b.RecordFailure()
	assert.Equal(t, Open, b.State())

	d := b.Check()
	assert.False(t, d.Allowed)
	assert.Equal(t, Open, d.State)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
	assert.Contains(t, d.Reason, "consecutive failures")
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := newBreaker(testConfig(), newFakeClock().Now)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 2, b.Failures())
}

func TestBreakerFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(testConfig(), clock.Now)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(2 * time.Minute)
	b.RecordFailure()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Failures())
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(testConfig(), clock.Now)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	clock.Advance(31 * time.Second)
	assert.Equal(t, HalfOpen, b.State())

	first := b.Check()
	assert.True(t, first.Allowed)
	assert.Equal(t, HalfOpen, first.State)

	second := b.Check()
	assert.False(t, second.Allowed, "only one trial call in half-open")

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Check().Allowed)
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(testConfig(), clock.Now)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)

	require.True(t, b.Check().Allowed)
	b.RecordFailure()
	assert.Equal(t, Open, b.State())

	clock.Advance(10 * time.Second)
	assert.False(t, b.Check().Allowed, "cool-down restarts after a failed trial")
}

func TestBreakerPeekDoesNotClaimTrial(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(testConfig(), clock.Now)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.Peek().Allowed)

	clock.Advance(30 * time.Second)
	assert.True(t, b.Peek().Allowed)
	assert.True(t, b.Peek().Allowed)
	assert.True(t, b.Check().Allowed)
}

func TestBreakerAbandonedTrialExpires(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(testConfig(), clock.Now)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	require.True(t, b.Check().Allowed)

	clock.Advance(31 * time.Second)
	assert.True(t, b.Check().Allowed)
}

func TestBreakerRateGovernor(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.MaxCallsPerWindow = 3
	b := newBreaker(cfg, clock.Now)

	for i := 0; i < 3; i++ {
		require.True(t, b.Check().Allowed)
	}
	d := b.Check()
	assert.False(t, d.Allowed)
	assert.Equal(t, "call rate exceeded", d.Reason)
	assert.Equal(t, Open, b.State())
}

func TestBreakerRateWindowSlides(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.MaxCallsPerWindow = 2
	b := newBreaker(cfg, clock.Now)

	require.True(t, b.Check().Allowed)
	require.True(t, b.Check().Allowed)
	clock.Advance(61 * time.Second)
	assert.True(t, b.Check().Allowed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
}
