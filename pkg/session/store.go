package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store persists sessions.
type Store interface {
	// FindOrCreate inserts candidate unless a session with the same ID
	// already exists, in one atomic step. It returns the stored session and
	// whether this call created it. The returned session may belong to a
	// different tenant than candidate; callers must check.
	FindOrCreate(ctx context.Context, candidate *Session) (*Session, bool, error)
	// Get returns the session only if it belongs to tenantID.
	Get(ctx context.Context, tenantID, sessionID string) (*Session, error)
	// Owner returns the tenant that owns sessionID.
	Owner(ctx context.Context, sessionID string) (string, error)
	// AppendMessages appends msgs, bumps LastActivityAt to at and trims the
	// history to maxHistory.
	AppendMessages(ctx context.Context, tenantID, sessionID string, at time.Time, maxHistory int, msgs ...Message) (*Session, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) FindOrCreate(_ context.Context, candidate *Session) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[candidate.ID]; ok {
		return existing.Clone(), false, nil
	}
	m.sessions[candidate.ID] = candidate.Clone()
	return candidate.Clone(), true, nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Owner(_ context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	return s.TenantID, nil
}

func (m *MemoryStore) AppendMessages(_ context.Context, tenantID, sessionID string, at time.Time, maxHistory int, msgs ...Message) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.History = TrimHistory(append(s.History, msgs...), maxHistory)
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	return s.Clone(), nil
}
