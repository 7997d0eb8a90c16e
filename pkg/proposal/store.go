package proposal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/concierge/pkg/tools"
)

// Store persists proposals. Implementations must make Transition a
// compare-and-swap on the current status so that exactly one caller wins.
type Store interface {
	// Create inserts a new proposal. It fails with ErrAlreadyExists on an
	// ID collision.
	Create(ctx context.Context, p *Proposal) error
	// Get returns the proposal only if it belongs to scope; otherwise it
	// reports ErrNotFound.
	Get(ctx context.Context, scope Scope, id string) (*Proposal, error)
	// Owner returns the owning scope of id regardless of the caller. It is
	// used only to tell a scope violation from a missing proposal.
	Owner(ctx context.Context, id string) (Scope, error)
	// ListByStatus returns scope's proposals in any of statuses, oldest first.
	ListByStatus(ctx context.Context, scope Scope, statuses ...Status) ([]*Proposal, error)
	// Transition moves id from from to to if and only if it is currently
	// in from and belongs to scope. It returns ErrConflict when the status
	// no longer matches.
	Transition(ctx context.Context, scope Scope, id string, from, to Status, patch Patch) (*Proposal, error)
	// ListDue returns proposals that a sweep must act on at now: pending T2
	// past their confirm deadline, pending T3 past expiry and confirmed
	// proposals that were never executed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Proposal, error)
}

// Due reports whether a sweep must act on p at now.
func Due(p *Proposal, now time.Time) bool {
	switch p.Status {
	case StatusPending:
		switch p.Tier {
		case tools.T2:
			return !p.ConfirmAfter.IsZero() && !p.ConfirmAfter.After(now)
		case tools.T3:
			return !p.ExpiresAt.IsZero() && !p.ExpiresAt.After(now)
		}
	case StatusConfirmed:
		return true
	}
	return false
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]*Proposal)}
}

func (s *MemoryStore) Create(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p.ID)
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, scope Scope, id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok || p.Scope() != scope {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Owner(_ context.Context, id string) (Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return Scope{}, ErrNotFound
	}
	return p.Scope(), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, scope Scope, statuses ...Status) ([]*Proposal, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.RLock()
	var out []*Proposal
	for _, p := range s.proposals {
		if p.Scope() != scope {
			continue
		}
		if len(want) > 0 && !want[p.Status] {
			continue
		}
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()

	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, scope Scope, id string, from, to Status, patch Patch) (*Proposal, error) {
	if !CanTransition(from, to) {
		return nil, invalidTransition(from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok || p.Scope() != scope {
		return nil, ErrNotFound
	}
	if p.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, id, p.Status, from)
	}
	p.apply(to, patch)
	return p.Clone(), nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Proposal, error) {
	s.mu.RLock()
	var out []*Proposal
	for _, p := range s.proposals {
		if Due(p, now) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByCreated(ps []*Proposal) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
