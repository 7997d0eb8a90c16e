// Package proposal persists deferred tool calls and drives them through
// their confirmation lifecycle.
//
//	PENDING -> CONFIRMED -> EXECUTED
//	   |           \-----> FAILED
//	   +--> REJECTED
//	   +--> FAILED
//
// EXECUTED, REJECTED and FAILED are terminal. Every read and every
// transition is scoped by tenant and session.
package proposal

import (
	"errors"
	"fmt"
	"time"

	"github.com/harun/concierge/pkg/tools"
)

// Status is the lifecycle state of a proposal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExecuted  Status = "executed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusExecuted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusRejected: true, StatusFailed: true},
	StatusConfirmed: {StatusExecuted: true, StatusFailed: true},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

var (
	ErrNotFound          = errors.New("proposal not found")
	ErrConflict          = errors.New("proposal status changed concurrently")
	ErrInvalidTransition = errors.New("invalid proposal transition")
	ErrScopeViolation    = errors.New("proposal belongs to another tenant or session")
	ErrNotConfirmable    = errors.New("tool does not require confirmation")
	ErrAlreadyExists     = errors.New("proposal already exists")
	ErrExpired           = errors.New("proposal expired")
)

// Scope is the (tenant, session) pair every proposal lookup is bound to.
type Scope struct {
	TenantID  string
	SessionID string
}

func (s Scope) String() string {
	return s.TenantID + "/" + s.SessionID
}

// Valid reports whether both halves of the scope are set.
func (s Scope) Valid() bool {
	return s.TenantID != "" && s.SessionID != ""
}

// Proposal is one deferred tool call.
type Proposal struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	SessionID string                 `json:"session_id"`
	ToolName  string                 `json:"tool_name"`
	Tier      tools.TrustTier        `json:"trust_tier"`
	Payload   map[string]interface{} `json:"payload"`
	Preview   string                 `json:"preview"`
	Status    Status                 `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	// ConfirmAfter is the soft-confirm deadline of a T2 proposal.
	ConfirmAfter time.Time `json:"confirm_after,omitempty"`
	// ExpiresAt is the hard-confirm TTL of a T3 proposal.
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Scope returns the proposal's owning scope.
func (p *Proposal) Scope() Scope {
	return Scope{TenantID: p.TenantID, SessionID: p.SessionID}
}

// Clone returns a deep enough copy for callers to mutate safely.
func (p *Proposal) Clone() *Proposal {
	c := *p
	if p.Payload != nil {
		c.Payload = make(map[string]interface{}, len(p.Payload))
		for k, v := range p.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// Patch carries the fields a transition may set alongside the status.
type Patch struct {
	ConfirmedAt time.Time
	ResolvedAt  time.Time
	Result      string
	Error       string
	Reason      string
}

func (p *Proposal) apply(to Status, patch Patch) {
	p.Status = to
	if !patch.ConfirmedAt.IsZero() {
		p.ConfirmedAt = patch.ConfirmedAt
	}
	if !patch.ResolvedAt.IsZero() {
		p.ResolvedAt = patch.ResolvedAt
	}
	if patch.Result != "" {
		p.Result = patch.Result
	}
	if patch.Error != "" {
		p.Error = patch.Error
	}
	if patch.Reason != "" {
		p.Reason = patch.Reason
	}
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
