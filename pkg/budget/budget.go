// Package budget limits how many tool calls of each trust tier one chat turn
// may issue. Tiers are counted independently so cheap reads cannot starve a
// necessary write.
package budget

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/harun/concierge/pkg/tools"
)

// Limits holds the per-turn allowance for each tier. A zero limit disables
// calls of that tier for the turn.
type Limits struct {
	T1 int
	T2 int
	T3 int
}

// DefaultLimits are used when a tracker is created with zero limits.
var DefaultLimits = Limits{T1: 10, T2: 3, T3: 1}

func (l Limits) of(tier tools.TrustTier) int {
	switch tier {
	case tools.T1:
		return l.T1
	case tools.T2:
		return l.T2
	case tools.T3:
		return l.T3
	}
	return 0
}

// Tracker hands out fresh budgets. Its limits may be swapped at runtime
// (config reload); budgets already issued keep the limits they started with.
type Tracker struct {
	mu     sync.RWMutex
	limits Limits
}

// NewTracker creates a tracker. The zero Limits value selects DefaultLimits.
func NewTracker(limits Limits) *Tracker {
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	return &Tracker{limits: limits}
}

// SetLimits replaces the limits used for future turns.
func (t *Tracker) SetLimits(limits Limits) {
	t.mu.Lock()
	t.limits = limits
	t.mu.Unlock()
}

// Limits returns the limits used for new turns.
func (t *Tracker) Limits() Limits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits
}

// NewTurnBudget allocates a budget for one turn.
func (t *Tracker) NewTurnBudget() *Budget {
	l := t.Limits()
	b := &Budget{limits: l}
	b.remaining[0].Store(int64(l.T1))
	b.remaining[1].Store(int64(l.T2))
	b.remaining[2].Store(int64(l.T3))
	return b
}

// Budget is the per-turn, per-tier counter set. Consume is safe for
// concurrent use, e.g. parallel read-only T1 calls.
type Budget struct {
	limits    Limits
	remaining [3]atomic.Int64
	refused   [3]atomic.Int64
}

func index(tier tools.TrustTier) (int, bool) {
	if !tier.Valid() {
		return 0, false
	}
	return int(tier) - 1, true
}

// Consume takes one unit of tier's budget and reports whether one was left.
func (b *Budget) Consume(tier tools.TrustTier) bool {
	i, ok := index(tier)
	if !ok {
		return false
	}
	for {
		cur := b.remaining[i].Load()
		if cur <= 0 {
			b.refused[i].Add(1)
			return false
		}
		if b.remaining[i].CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Remaining returns the units left for tier.
func (b *Budget) Remaining(tier tools.TrustTier) int {
	i, ok := index(tier)
	if !ok {
		return 0
	}
	return int(b.remaining[i].Load())
}

// Exhausted reports whether tier has no units left.
func (b *Budget) Exhausted(tier tools.TrustTier) bool {
	return b.Remaining(tier) <= 0
}

// Refused returns how many Consume calls for tier were turned down.
func (b *Budget) Refused(tier tools.TrustTier) int {
	i, ok := index(tier)
	if !ok {
		return 0
	}
	return int(b.refused[i].Load())
}

// Snapshot is a point-in-time view of a budget.
type Snapshot struct {
	Limits    Limits `json:"limits"`
	Remaining Limits `json:"remaining"`
}

// Snapshot returns the limits and what is left of them.
func (b *Budget) Snapshot() Snapshot {
	return Snapshot{
		Limits: b.limits,
		Remaining: Limits{
			T1: b.Remaining(tools.T1),
			T2: b.Remaining(tools.T2),
			T3: b.Remaining(tools.T3),
		},
	}
}

// String renders the remaining budget for logs and model notes.
func (b *Budget) String() string {
	return fmt.Sprintf("T1 %d/%d, T2 %d/%d, T3 %d/%d",
		b.Remaining(tools.T1), b.limits.of(tools.T1),
		b.Remaining(tools.T2), b.limits.of(tools.T2),
		b.Remaining(tools.T3), b.limits.of(tools.T3))
}
