package sqldb

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/concierge/pkg/proposal"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "concierge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := New(context.Background(), Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestSessionStore_FindOrCreate(t *testing.T) {
	store := newTestStore(t).Sessions()
	ctx := context.Background()

	s, created, err := store.FindOrCreate(ctx, &session.Session{ID: "s1", TenantID: "t1", CreatedAt: base, LastActivityAt: base})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, base, s.CreatedAt)
	assert.Empty(t, s.History)

	s, created, err = store.FindOrCreate(ctx, &session.Session{ID: "s1", TenantID: "t2", CreatedAt: base, LastActivityAt: base})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "t1", s.TenantID)

	_, err = store.Get(ctx, "t2", "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)

	owner, err := store.Owner(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "t1", owner)

	_, err = store.Owner(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSessionStore_ConcurrentFindOrCreate(t *testing.T) {
	store := newTestStore(t).Sessions()
	ctx := context.Background()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.FindOrCreate(ctx, &session.Session{ID: "same", TenantID: "t1", CreatedAt: base, LastActivityAt: base})
			if assert.NoError(t, err) && ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
}

func TestSessionStore_AppendMessages(t *testing.T) {
	store := newTestStore(t).Sessions()
	ctx := context.Background()
	_, _, err := store.FindOrCreate(ctx, &session.Session{ID: "s1", TenantID: "t1", CreatedAt: base, LastActivityAt: base})
	require.NoError(t, err)

	later := base.Add(time.Minute)
	_, err = store.AppendMessages(ctx, "t1", "s1", later, 2,
		session.Message{Role: session.RoleUser, Content: "one", Timestamp: later},
		session.Message{Role: session.RoleAssistant, Content: "two", Timestamp: later},
		session.Message{Role: session.RoleUser, Content: "three", Timestamp: later},
	)
	require.NoError(t, err)

	got, err := store.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, "two", got.History[0].Content)
	assert.Equal(t, "three", got.History[1].Content)
	assert.Equal(t, later, got.LastActivityAt)

	_, err = store.AppendMessages(ctx, "t2", "s1", later, 2, session.Message{Role: session.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func newProposal(id, tenant, sess string, tier tools.TrustTier) *proposal.Proposal {
	p := &proposal.Proposal{
		ID:        id,
		TenantID:  tenant,
		SessionID: sess,
		ToolName:  "update_pricing",
		Tier:      tier,
		Payload:   map[string]interface{}{"product_id": "sku-1", "price": 19.5},
		Preview:   "Set price of sku-1 to 19.5",
		Status:    proposal.StatusPending,
		CreatedAt: base,
	}
	if tier == tools.T2 {
		p.ConfirmAfter = base.Add(2 * time.Minute)
	} else {
		p.ExpiresAt = base.Add(time.Hour)
	}
	return p
}

func TestProposalStore_CreateAndScopedGet(t *testing.T) {
	store := newTestStore(t).Proposals()
	ctx := context.Background()
	p := newProposal("p1", "t1", "s1", tools.T2)

	require.NoError(t, store.Create(ctx, p))
	assert.ErrorIs(t, store.Create(ctx, p), proposal.ErrAlreadyExists)

	got, err := store.Get(ctx, proposal.Scope{TenantID: "t1", SessionID: "s1"}, "p1")
	require.NoError(t, err)
	assert.Equal(t, tools.T2, got.Tier)
	assert.Equal(t, proposal.StatusPending, got.Status)
	assert.Equal(t, p.ConfirmAfter, got.ConfirmAfter)
	assert.True(t, got.ExpiresAt.IsZero())
	assert.Equal(t, 19.5, got.Payload["price"])

	_, err = store.Get(ctx, proposal.Scope{TenantID: "t1", SessionID: "s2"}, "p1")
	assert.ErrorIs(t, err, proposal.ErrNotFound)

	owner, err := store.Owner(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, proposal.Scope{TenantID: "t1", SessionID: "s1"}, owner)
}

func TestProposalStore_ListByStatus(t *testing.T) {
	store := newTestStore(t).Proposals()
	ctx := context.Background()
	scope := proposal.Scope{TenantID: "t1", SessionID: "s1"}

	second := newProposal("b", "t1", "s1", tools.T3)
	second.CreatedAt = base.Add(time.Second)
	require.NoError(t, store.Create(ctx, second))
	require.NoError(t, store.Create(ctx, newProposal("a", "t1", "s1", tools.T2)))
	require.NoError(t, store.Create(ctx, newProposal("c", "t1", "s2", tools.T2)))

	list, err := store.ListByStatus(ctx, scope, proposal.StatusPending, proposal.StatusConfirmed)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	all, err := store.ListByStatus(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestProposalStore_TransitionCompareAndSwap(t *testing.T) {
	store := newTestStore(t).Proposals()
	ctx := context.Background()
	scope := proposal.Scope{TenantID: "t1", SessionID: "s1"}
	require.NoError(t, store.Create(ctx, newProposal("p1", "t1", "s1", tools.T3)))

	_, err := store.Transition(ctx, scope, "p1", proposal.StatusPending, proposal.StatusExecuted, proposal.Patch{})
	assert.ErrorIs(t, err, proposal.ErrInvalidTransition)

	_, err = store.Transition(ctx, proposal.Scope{TenantID: "t2", SessionID: "s1"}, "p1", proposal.StatusPending, proposal.StatusConfirmed, proposal.Patch{})
	assert.ErrorIs(t, err, proposal.ErrNotFound)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, scope, "p1", proposal.StatusPending, proposal.StatusConfirmed, proposal.Patch{ConfirmedAt: base})
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, proposal.ErrConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	done, err := store.Transition(ctx, scope, "p1", proposal.StatusConfirmed, proposal.StatusExecuted,
		proposal.Patch{ResolvedAt: base.Add(time.Second), Result: "cancelled"})
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, done.Status)
	assert.Equal(t, base, done.ConfirmedAt)
	assert.Equal(t, "cancelled", done.Result)

	_, err = store.Transition(ctx, scope, "p1", proposal.StatusConfirmed, proposal.StatusFailed, proposal.Patch{})
	assert.ErrorIs(t, err, proposal.ErrConflict)
}

func TestProposalStore_ListDue(t *testing.T) {
	store := newTestStore(t).Proposals()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newProposal("t2", "t1", "s1", tools.T2)))
	require.NoError(t, store.Create(ctx, newProposal("t3", "t1", "s1", tools.T3)))

	due, err := store.ListDue(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.ListDue(ctx, base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t2", due[0].ID)

	due, err = store.ListDue(ctx, base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestProposalStore_WithEngine(t *testing.T) {
	store := newTestStore(t).Proposals()
	registry := tools.NewRegistry()
	var calls atomic.Int32
	require.NoError(t, registry.Register(tools.Definition{
		Name:        "cancel_booking",
		Description: "Cancel a booking",
		Tier:        tools.T3,
		Executor: func(ctx context.Context, tenantID string, payload map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			return "ok", nil
		},
	}))
	engine := proposal.NewEngine(store, registry, nil, proposal.Options{})
	ctx := context.Background()

	p, err := engine.Propose(ctx, proposal.ProposeParams{TenantID: "t1", SessionID: "s1", ToolName: "cancel_booking"})
	require.NoError(t, err)

	_, err = engine.ConfirmAndExecute(ctx, "t1", "s2", p.ID)
	assert.ErrorIs(t, err, proposal.ErrScopeViolation)

	done, err := engine.ConfirmAndExecute(ctx, "t1", "s1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, done.Status)
	assert.Equal(t, int32(1), calls.Load())
}
