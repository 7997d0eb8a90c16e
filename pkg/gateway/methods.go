package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/orchestrator"
	"github.com/harun/concierge/pkg/proposal"
)

// Backend is the orchestration surface the gateway exposes.
type Backend interface {
	Chat(ctx context.Context, req orchestrator.ChatRequest) (*orchestrator.ChatResponse, error)
	ConfirmProposal(ctx context.Context, tenantID, sessionID, proposalID string) (*proposal.Proposal, error)
	RejectProposal(ctx context.Context, tenantID, sessionID, proposalID string) (*proposal.Proposal, error)
	ListProposals(ctx context.Context, tenantID, sessionID string, statuses ...proposal.Status) ([]*proposal.Proposal, error)
}

// Event names pushed to websocket followers of a session.
const (
	EventProposalsPending = "proposals.pending"
	EventProposalUpdated  = "proposal.updated"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("chat", s.handleChat)
	_ = s.router.RegisterMethod("proposal.confirm", s.handleProposalConfirm)
	_ = s.router.RegisterMethod("proposal.reject", s.handleProposalReject)
	_ = s.router.RegisterMethod("proposal.list", s.handleProposalList)
	s.router.SetErrorMapper(toRPCError)
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

func stringParam(params map[string]interface{}, name string, required bool) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return "", invalidParams("%s is required", name)
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParams("%s must be a string", name)
	}
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", invalidParams("%s is required", name)
	}
	return value, nil
}

// proposalScope reads the tenant and session every proposal method needs.
func proposalScope(params map[string]interface{}) (tenantID, sessionID string, err error) {
	if tenantID, err = stringParam(params, "tenant_id", true); err != nil {
		return "", "", err
	}
	if sessionID, err = stringParam(params, "session_id", true); err != nil {
		return "", "", err
	}
	return tenantID, sessionID, nil
}

func (s *Server) handleChat(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	tenantID, err := stringParam(params, "tenant_id", true)
	if err != nil {
		return nil, err
	}
	sessionID, err := stringParam(params, "session_id", false)
	if err != nil {
		return nil, err
	}
	message, err := stringParam(params, "message", true)
	if err != nil {
		return nil, err
	}

	req := orchestrator.ChatRequest{
		TenantID:  tenantID,
		SessionID: sessionID,
		Message:   message,
		RequestID: idempotencyKeyFromContext(ctx),
	}
	if raw, ok := params["soft_confirm_seconds"]; ok {
		secs, ok := raw.(float64)
		if !ok || secs < 0 {
			return nil, invalidParams("soft_confirm_seconds must be a non-negative number")
		}
		req.SoftConfirmWindow = time.Duration(secs * float64(time.Second))
	}

	resp, err := s.backend.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	s.clients.Subscribe(clientIDFromContext(ctx), tenantID, resp.SessionID)
	s.broadcaster.Publish(tenantID, resp.SessionID, EventProposalsPending, resp.PendingProposals)
	return resp, nil
}

func (s *Server) handleProposalConfirm(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.resolveProposal(ctx, params, s.backend.ConfirmProposal)
}

func (s *Server) handleProposalReject(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.resolveProposal(ctx, params, s.backend.RejectProposal)
}

type resolveFunc func(ctx context.Context, tenantID, sessionID, proposalID string) (*proposal.Proposal, error)

func (s *Server) resolveProposal(ctx context.Context, params map[string]interface{}, resolve resolveFunc) (interface{}, error) {
	tenantID, sessionID, err := proposalScope(params)
	if err != nil {
		return nil, err
	}
	proposalID, err := stringParam(params, "proposal_id", true)
	if err != nil {
		return nil, err
	}

	s.clients.Subscribe(clientIDFromContext(ctx), tenantID, sessionID)
	p, err := resolve(ctx, tenantID, sessionID, proposalID)
	if p != nil {
		s.broadcaster.Publish(tenantID, sessionID, EventProposalUpdated, p)
	}
	if err != nil {
		// An executor failure still produced a FAILED proposal the caller
		// should see alongside the error.
		if rpcErr := toRPCError(err); p != nil && rpcErr.Code == ExecutionFailed {
			rpcErr.Data = p
			return nil, rpcErr
		}
		return nil, err
	}
	return p, nil
}

func (s *Server) handleProposalList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	tenantID, sessionID, err := proposalScope(params)
	if err != nil {
		return nil, err
	}

	var statuses []proposal.Status
	if raw, ok := params["statuses"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, invalidParams("statuses must be a list of strings")
		}
		for _, item := range list {
			str, _ := item.(string)
			status := proposal.Status(strings.ToLower(str))
			if !status.Valid() {
				return nil, invalidParams("unknown status %q", str)
			}
			statuses = append(statuses, status)
		}
	}

	proposals, err := s.backend.ListProposals(ctx, tenantID, sessionID, statuses...)
	if err != nil {
		return nil, err
	}
	if proposals == nil {
		proposals = []*proposal.Proposal{}
	}
	return map[string]interface{}{"proposals": proposals}, nil
}

// toRPCError maps orchestration errors onto RPC codes. Scope violations
// are reported exactly like a missing proposal.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	kind := orchestrator.Classify(err)
	switch {
	case kind == orchestrator.KindScope, errors.Is(err, proposal.ErrNotFound):
		return &RPCError{Code: NotFound, Message: "proposal not found"}
	case kind == orchestrator.KindValidation:
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	case kind == orchestrator.KindCircuitOpen:
		return &RPCError{Code: SessionPaused, Message: err.Error()}
	case kind == orchestrator.KindExecutor:
		return &RPCError{Code: ExecutionFailed, Message: err.Error()}
	case kind == orchestrator.KindTransient:
		return &RPCError{Code: Unavailable, Message: "temporarily unavailable, please retry"}
	}
	return &RPCError{Code: InternalError, Message: "internal error"}
}

func requestLogFields(ctx context.Context, req *RPCRequest) map[string]interface{} {
	return map[string]interface{}{
		"trace_id":   tracing.GetTraceID(ctx),
		"request_id": req.ID,
		"method":     req.Method,
	}
}
