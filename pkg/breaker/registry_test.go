package breaker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(clock *fakeClock, cfg RegistryConfig) *Registry {
	if cfg.Breaker == (Config{}) {
		cfg.Breaker = testConfig()
	}
	return NewRegistry(cfg, WithClock(clock.Now))
}

func TestRegistryGetIsStable(t *testing.T) {
	r := testRegistry(newFakeClock(), RegistryConfig{})

	a := r.Get("s-1")
	assert.Same(t, a, r.Get("s-1"))
	assert.NotSame(t, a, r.Get("s-2"))
	assert.Equal(t, 2, r.Len())

	_, ok := r.Lookup("s-3")
	assert.False(t, ok)
}

func TestRegistryIsolatesSessions(t *testing.T) {
	r := testRegistry(newFakeClock(), RegistryConfig{})

	a := r.Get("session-a")
	b := r.Get("session-b")
	for i := 0; i < 10; i++ {
		a.RecordFailure()
	}

	assert.Equal(t, Open, a.State())
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Check().Allowed)
	assert.Equal(t, 0, b.Failures())
}

func TestRegistrySweepRemovesIdleClosedEntries(t *testing.T) {
	clock := newFakeClock()
	r := testRegistry(clock, RegistryConfig{IdleTTL: time.Minute, MaxEntries: 100, SweepEvery: 10})

	r.Get("idle")
	failing := r.Get("failing")
	failing.RecordFailure()
	opened := r.Get("opened")
	for i := 0; i < 3; i++ {
		opened.RecordFailure()
	}

	clock.Advance(2 * time.Minute)
	r.Get("fresh")

	removed := r.Sweep()
	assert.Equal(t, 1, removed)

	_, ok := r.Lookup("idle")
	assert.False(t, ok)
	for _, id := range []string{"failing", "opened", "fresh"} {
		_, ok := r.Lookup(id)
		assert.True(t, ok, id)
	}
}

func TestRegistrySweepEnforcesMaxEntriesInInsertionOrder(t *testing.T) {
	clock := newFakeClock()
	r := testRegistry(clock, RegistryConfig{IdleTTL: time.Hour, MaxEntries: 3, SweepEvery: 1000})

	for i := 0; i < 5; i++ {
		b := r.Get(fmt.Sprintf("s-%d", i))
		b.RecordFailure()
	}
	// Touching an old entry does not protect it; eviction is by insertion.
	r.Get("s-0").Check()

	assert.Equal(t, 2, r.Sweep())
	assert.Equal(t, 3, r.Len())
	for _, id := range []string{"s-0", "s-1"} {
		_, ok := r.Lookup(id)
		assert.False(t, ok, id)
	}
	for _, id := range []string{"s-2", "s-3", "s-4"} {
		_, ok := r.Lookup(id)
		assert.True(t, ok, id)
	}
}

func TestRegistryTickSweepsEveryN(t *testing.T) {
	clock := newFakeClock()
	r := testRegistry(clock, RegistryConfig{IdleTTL: time.Second, MaxEntries: 100, SweepEvery: 3})

	r.Get("s-1")
	clock.Advance(time.Minute)

	assert.Equal(t, 0, r.Tick())
	assert.Equal(t, 0, r.Tick())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, r.Tick())
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRecreatesAfterSweep(t *testing.T) {
	clock := newFakeClock()
	r := testRegistry(clock, RegistryConfig{IdleTTL: time.Second, MaxEntries: 100, SweepEvery: 100})

	old := r.Get("s-1")
	clock.Advance(time.Minute)
	r.Sweep()

	fresh := r.Get("s-1")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, Closed, fresh.State())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := testRegistry(newFakeClock(), RegistryConfig{MaxEntries: 50, SweepEvery: 7})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b := r.Get(fmt.Sprintf("s-%d-%d", i, j%5))
				b.Check()
				b.RecordSuccess()
				r.Tick()
			}
		}(i)
	}
	wg.Wait()

	r.Sweep()
	assert.LessOrEqual(t, r.Len(), 50)
}

func TestRegistrySetConfigPropagates(t *testing.T) {
	r := testRegistry(newFakeClock(), RegistryConfig{})
	b := r.Get("s-1")

	cfg := DefaultRegistryConfig()
	cfg.Breaker.FailureThreshold = 1
	r.SetConfig(cfg)

	b.RecordFailure()
	require.Equal(t, Open, b.State())
}
