package budget

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harun/concierge/pkg/tools"
)

func TestNewTurnBudgetDefaults(t *testing.T) {
	b := NewTracker(Limits{}).NewTurnBudget()
	assert.Equal(t, 10, b.Remaining(tools.T1))
	assert.Equal(t, 3, b.Remaining(tools.T2))
	assert.Equal(t, 1, b.Remaining(tools.T3))
}

func TestConsumeUntilExhausted(t *testing.T) {
	b := NewTracker(Limits{T1: 2, T2: 1, T3: 1}).NewTurnBudget()

	assert.True(t, b.Consume(tools.T1))
	assert.True(t, b.Consume(tools.T1))
	assert.False(t, b.Consume(tools.T1))
	assert.True(t, b.Exhausted(tools.T1))
	assert.Equal(t, 1, b.Refused(tools.T1))
	assert.Equal(t, 0, b.Remaining(tools.T1))
}

func TestTiersAreIndependent(t *testing.T) {
	b := NewTracker(DefaultLimits).NewTurnBudget()

	for i := 0; i < 8; i++ {
		assert.True(t, b.Consume(tools.T1))
	}
	assert.True(t, b.Consume(tools.T2), "T2 must not be blocked by T1 consumption")

	for b.Consume(tools.T1) {
	}
	assert.True(t, b.Exhausted(tools.T1))
	assert.True(t, b.Consume(tools.T3), "T3 must not be blocked by an exhausted T1")
	assert.Equal(t, DefaultLimits.T2-1, b.Remaining(tools.T2), "only the one T2 call counts against T2")
}

func TestZeroLimitDisablesTier(t *testing.T) {
	b := NewTracker(Limits{T1: 5}).NewTurnBudget()
	assert.False(t, b.Consume(tools.T3))
	assert.True(t, b.Consume(tools.T1))
}

func TestInvalidTierNeverConsumes(t *testing.T) {
	b := NewTracker(DefaultLimits).NewTurnBudget()
	assert.False(t, b.Consume(tools.TrustTier(0)))
	assert.Equal(t, 0, b.Remaining(tools.TrustTier(9)))
}

func TestConcurrentConsumeIsAtomic(t *testing.T) {
	b := NewTracker(Limits{T1: 50, T2: 1, T3: 1}).NewTurnBudget()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Consume(tools.T1) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), granted.Load())
	assert.Equal(t, 150, b.Refused(tools.T1))
}

func TestSetLimitsAffectsOnlyNewBudgets(t *testing.T) {
	tr := NewTracker(DefaultLimits)
	old := tr.NewTurnBudget()

	tr.SetLimits(Limits{T1: 1, T2: 1, T3: 0})
	fresh := tr.NewTurnBudget()

	assert.Equal(t, 10, old.Remaining(tools.T1))
	assert.Equal(t, 1, fresh.Remaining(tools.T1))
	assert.Equal(t, Limits{T1: 1, T2: 1, T3: 0}, tr.Limits())
}

func TestSnapshotAndString(t *testing.T) {
	b := NewTracker(DefaultLimits).NewTurnBudget()
	b.Consume(tools.T2)

	snap := b.Snapshot()
	assert.Equal(t, DefaultLimits, snap.Limits)
	assert.Equal(t, 2, snap.Remaining.T2)
	assert.Equal(t, "T1 10/10, T2 2/3, T3 1/1", b.String())
}
