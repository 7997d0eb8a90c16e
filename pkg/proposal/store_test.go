package proposal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/concierge/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(id, tenant, session string, tier tools.TrustTier, created time.Time) *Proposal {
	p := &Proposal{
		ID:        id,
		TenantID:  tenant,
		SessionID: session,
		ToolName:  "update_pricing",
		Tier:      tier,
		Payload:   map[string]interface{}{"price": 10},
		Status:    StatusPending,
		CreatedAt: created,
	}
	if tier == tools.T2 {
		p.ConfirmAfter = created.Add(time.Minute)
	} else {
		p.ExpiresAt = created.Add(time.Hour)
	}
	return p
}

func TestMemoryStore_ScopedReads(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Create(ctx, newPending("p1", "t1", "s1", tools.T2, now)))
	assert.ErrorIs(t, s.Create(ctx, newPending("p1", "t1", "s1", tools.T2, now)), ErrAlreadyExists)

	_, err := s.Get(ctx, Scope{"t1", "s1"}, "p1")
	require.NoError(t, err)

	_, err = s.Get(ctx, Scope{"t1", "s2"}, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, Scope{"t2", "s1"}, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	owner, err := s.Owner(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, Scope{"t1", "s1"}, owner)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newPending("p1", "t1", "s1", tools.T2, time.Now())))

	got, err := s.Get(ctx, Scope{"t1", "s1"}, "p1")
	require.NoError(t, err)
	got.Status = StatusExecuted
	got.Payload["price"] = 0

	again, err := s.Get(ctx, Scope{"t1", "s1"}, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
	assert.Equal(t, 10, again.Payload["price"])
}

func TestMemoryStore_ListByStatusOrdersByCreation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Create(ctx, newPending("late", "t1", "s1", tools.T2, base.Add(time.Second))))
	require.NoError(t, s.Create(ctx, newPending("early", "t1", "s1", tools.T3, base)))
	require.NoError(t, s.Create(ctx, newPending("other", "t1", "s2", tools.T2, base)))

	list, err := s.ListByStatus(ctx, Scope{"t1", "s1"}, StatusPending)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].ID)
	assert.Equal(t, "late", list[1].ID)

	list, err = s.ListByStatus(ctx, Scope{"t1", "s1"}, StatusExecuted)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore_TransitionIsConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	scope := Scope{"t1", "s1"}
	require.NoError(t, s.Create(ctx, newPending("p1", "t1", "s1", tools.T3, time.Now())))

	_, err := s.Transition(ctx, scope, "p1", StatusPending, StatusExecuted, Patch{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Transition(ctx, Scope{"t1", "s2"}, "p1", StatusPending, StatusConfirmed, Patch{})
	assert.ErrorIs(t, err, ErrNotFound)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transition(ctx, scope, "p1", StatusPending, StatusConfirmed, Patch{}); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	done, err := s.Transition(ctx, scope, "p1", StatusConfirmed, StatusExecuted, Patch{Result: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", done.Result)

	_, err = s.Transition(ctx, scope, "p1", StatusConfirmed, StatusExecuted, Patch{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_ListDue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, newPending("t2", "t1", "s1", tools.T2, base)))
	require.NoError(t, s.Create(ctx, newPending("t3", "t1", "s1", tools.T3, base)))

	due, err := s.ListDue(ctx, base.Add(30*time.Second), 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDue(ctx, base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t2", due[0].ID)

	due, err = s.ListDue(ctx, base.Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusConfirmed))
	assert.True(t, CanTransition(StatusPending, StatusRejected))
	assert.True(t, CanTransition(StatusPending, StatusFailed))
	assert.True(t, CanTransition(StatusConfirmed, StatusExecuted))
	assert.True(t, CanTransition(StatusConfirmed, StatusFailed))

	assert.False(t, CanTransition(StatusPending, StatusExecuted))
	assert.False(t, CanTransition(StatusConfirmed, StatusRejected))
	for _, terminal := range []Status{StatusExecuted, StatusRejected, StatusFailed} {
		assert.True(t, terminal.Terminal())
		for _, to := range []Status{StatusPending, StatusConfirmed, StatusExecuted, StatusRejected, StatusFailed} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}
