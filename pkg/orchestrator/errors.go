package orchestrator

import (
	"context"
	"errors"

	"github.com/harun/concierge/pkg/agent"
	"github.com/harun/concierge/pkg/proposal"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/tools"
)

var (
	ErrTenantRequired = errors.New("tenant id is required")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrCircuitOpen    = errors.New("session is paused")
)

// ErrorKind is the error taxonomy callers and replies are keyed on.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindValidation  ErrorKind = "validation"
	KindTransient   ErrorKind = "transient"
	KindScope       ErrorKind = "scope"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindExecutor    ErrorKind = "executor"
	KindInternal    ErrorKind = "internal"
)

// Classify maps err onto the taxonomy. Scope is checked first so that a
// wrapped scope violation is never reported as something retryable.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, proposal.ErrScopeViolation):
		return KindScope
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, tools.ErrValidation),
		errors.Is(err, tools.ErrUnknownTool),
		errors.Is(err, ErrTenantRequired),
		errors.Is(err, ErrEmptyMessage),
		errors.Is(err, session.ErrTenantRequired),
		errors.Is(err, proposal.ErrNotFound),
		errors.Is(err, proposal.ErrInvalidTransition),
		errors.Is(err, proposal.ErrExpired):
		return KindValidation
	case errors.Is(err, tools.ErrExecutorFailed), errors.Is(err, tools.ErrExecutorTimeout):
		return KindExecutor
	case errors.Is(err, context.DeadlineExceeded), agent.IsRetryable(err):
		return KindTransient
	}
	return KindInternal
}

const (
	replyRetry      = "Sorry, I couldn't finish that just now. Please try again in a moment."
	replyInternal   = "Sorry, something went wrong on my side while handling that message. Please try again."
	replyScope      = "That item isn't available in this conversation."
	replyIterations = "I've reached the number of steps I can take for one message. Send a follow-up message and I'll continue."
)

func degradedReply(kind ErrorKind) string {
	switch kind {
	case KindTransient:
		return replyRetry
	case KindScope:
		return replyScope
	}
	return replyInternal
}
