package orchestrator

import (
	"time"

	"github.com/harun/concierge/pkg/proposal"
)

// ChatRequest is one user turn.
type ChatRequest struct {
	TenantID string `json:"tenant_id"`
	// SessionID resumes a session; empty or unknown IDs start a new one.
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	// SoftConfirmWindow overrides the default T2 window for this turn.
	SoftConfirmWindow time.Duration `json:"soft_confirm_window,omitempty"`
	// RequestID makes the turn idempotent: a retried request with the same
	// ID returns the first result instead of running again.
	RequestID string `json:"request_id,omitempty"`
}

// ChatResponse is the outcome of one turn.
type ChatResponse struct {
	Reply      string `json:"reply"`
	SessionID  string `json:"session_id"`
	NewSession bool   `json:"new_session,omitempty"`
	// PendingProposals lists every proposal of the session still waiting
	// for confirmation after this turn.
	PendingProposals []*proposal.Proposal `json:"pending_proposals"`
	// ExecutedProposals lists proposals resolved during this turn.
	ExecutedProposals []*proposal.Proposal `json:"executed_proposals,omitempty"`
	Notices           []string             `json:"notices,omitempty"`
	Degraded          bool                 `json:"degraded,omitempty"`
	ErrorKind         ErrorKind            `json:"error_kind,omitempty"`
}

func (r *ChatResponse) notice(msg string) {
	for _, n := range r.Notices {
		if n == msg {
			return
		}
	}
	r.Notices = append(r.Notices, msg)
}
