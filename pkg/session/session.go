package session

import (
	"errors"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrTenantRequired = errors.New("tenant id is required")
	ErrInvalidID      = errors.New("invalid session id")
)

// Message is a single conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversational thread of a tenant.
type Session struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	History        []Message `json:"history"`
}

// Clone returns a copy whose history can be modified independently.
func (s *Session) Clone() *Session {
	c := *s
	if s.History != nil {
		c.History = append([]Message(nil), s.History...)
	}
	return &c
}

// Expired reports whether the session has been idle for longer than ttl.
// A non-positive ttl never expires.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.LastActivityAt) > ttl
}

// TrimHistory keeps the most recent max messages. A non-positive max keeps
// everything.
func TrimHistory(history []Message, max int) []Message {
	if max <= 0 || len(history) <= max {
		return history
	}
	return append([]Message(nil), history[len(history)-max:]...)
}
