package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/agent"
	"github.com/harun/concierge/pkg/breaker"
	"github.com/harun/concierge/pkg/budget"
	"github.com/harun/concierge/pkg/lane"
	"github.com/harun/concierge/pkg/proposal"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/tools"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Deps are the collaborators of an Orchestrator. Lanes and Audit are
// optional.
type Deps struct {
	Sessions  *session.Manager
	Breakers  *breaker.Registry
	Proposals *proposal.Engine
	Tools     *tools.Registry
	Budgets   *budget.Tracker
	Provider  agent.Provider
	Audit     observability.AuditSink
	Lanes     *lane.Queue
}

// Orchestrator is the turn driver every caller talks to.
type Orchestrator struct {
	sessions  *session.Manager
	breakers  *breaker.Registry
	proposals *proposal.Engine
	tools     *tools.Registry
	budgets   *budget.Tracker
	provider  agent.Provider
	audit     observability.AuditSink
	lanes     *lane.Queue
	ownLanes  bool
	now       func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source used for turn timing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	observability.EnsureRegistered()

	switch {
	case deps.Sessions == nil:
		return nil, errors.New("session manager is required")
	case deps.Breakers == nil:
		return nil, errors.New("breaker registry is required")
	case deps.Proposals == nil:
		return nil, errors.New("proposal engine is required")
	case deps.Tools == nil:
		return nil, errors.New("tool registry is required")
	case deps.Provider == nil:
		return nil, errors.New("model provider is required")
	}
	if deps.Budgets == nil {
		deps.Budgets = budget.NewTracker(budget.Limits{})
	}
	if deps.Audit == nil {
		deps.Audit = observability.NopSink{}
	}

	o := &Orchestrator{
		sessions:  deps.Sessions,
		breakers:  deps.Breakers,
		proposals: deps.Proposals,
		tools:     deps.Tools,
		budgets:   deps.Budgets,
		provider:  deps.Provider,
		audit:     deps.Audit,
		lanes:     deps.Lanes,
		now:       time.Now,
		cfg:       cfg.withDefaults(),
	}
	if o.lanes == nil {
		o.lanes = lane.New(lane.Options{Name: "turn", WarnAfter: 30 * time.Second})
		o.ownLanes = true
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SetConfig replaces the turn settings for future turns.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Close drains in-flight turns when the orchestrator owns its lanes.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.ownLanes {
		return nil
	}
	return o.lanes.Close(ctx)
}

func laneKey(tenantID, sessionID string) string {
	return tenantID + "/" + sessionID
}

// Chat runs one user turn. Only a malformed request yields an error; every
// failure inside the turn becomes a degraded reply.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.TenantID == "" {
		return nil, ErrTenantRequired
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	ctx = tracing.NewRequestContext(ctx)
	sess, created, err := o.sessions.GetOrCreate(ctx, req.TenantID, req.SessionID)
	if err != nil {
		kind := Classify(err)
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to resolve session")
		observability.RecordTurn("error", 0)
		return &ChatResponse{
			Reply:     degradedReply(kind),
			SessionID: req.SessionID,
			Degraded:  true,
			ErrorKind: kind,
		}, nil
	}

	requestID := ""
	if req.RequestID != "" {
		requestID = laneKey(req.TenantID, req.RequestID)
	}
	value, _, err := o.lanes.EnqueueOnce(ctx, laneKey(sess.TenantID, sess.ID), requestID, func(ctx context.Context) (interface{}, error) {
		return o.turn(ctx, sess.TenantID, sess.ID, req), nil
	})
	if err != nil {
		// Only queue failures reach here: shutdown, caller cancellation or a
		// panic outside the turn's own recovery.
		kind := Classify(err)
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Turn did not run")
		return &ChatResponse{
			Reply:     degradedReply(kind),
			SessionID: sess.ID,
			Degraded:  true,
			ErrorKind: kind,
		}, nil
	}

	resp := value.(*ChatResponse)
	if created {
		out := *resp
		out.NewSession = true
		resp = &out
	}
	return resp, nil
}

// ConfirmProposal is the explicit confirmation action: it confirms a
// pending proposal of the session and executes it. The session breaker is
// consulted before execution and fed with the outcome.
func (o *Orchestrator) ConfirmProposal(ctx context.Context, tenantID, sessionID, proposalID string) (*proposal.Proposal, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	value, err := o.lanes.Enqueue(ctx, laneKey(tenantID, sessionID), func(ctx context.Context) (interface{}, error) {
		return o.confirm(ctx, tenantID, sessionID, proposalID)
	})
	if value == nil {
		return nil, err
	}
	return value.(*proposal.Proposal), err
}

func (o *Orchestrator) confirm(ctx context.Context, tenantID, sessionID, proposalID string) (*proposal.Proposal, error) {
	ctx = tracing.NewTurnContext(ctx, tenantID, sessionID)
	ctx, span := tracing.StartSpan(ctx, "concierge.orchestrator", "orchestrator.confirm_proposal",
		attribute.String("proposal.id", proposalID),
	)
	defer span.End()

	b := o.breakers.Get(sessionID)
	if d := b.Peek(); !d.Allowed {
		err := fmt.Errorf("%w: retry after %s", ErrCircuitOpen, d.RetryAfter.Round(time.Second))
		tracing.RecordError(span, err)
		return nil, err
	}

	if _, err := o.proposals.Confirm(ctx, tenantID, sessionID, proposalID); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	if d := b.Check(); !d.Allowed {
		// Stays CONFIRMED; the sweeper runs it once the orphan grace passes.
		err := fmt.Errorf("%w: retry after %s", ErrCircuitOpen, d.RetryAfter.Round(time.Second))
		tracing.RecordError(span, err)
		p, _ := o.proposals.Get(ctx, tenantID, sessionID, proposalID)
		return p, err
	}

	p, err := o.proposals.Execute(ctx, tenantID, sessionID, proposalID)
	switch {
	case err == nil:
		b.RecordSuccess()
	case Classify(err) == KindExecutor:
		b.RecordFailure()
	}
	if err != nil {
		tracing.RecordError(span, err)
	}
	return p, err
}

// RejectProposal is the explicit cancel action for a pending proposal.
func (o *Orchestrator) RejectProposal(ctx context.Context, tenantID, sessionID, proposalID string) (*proposal.Proposal, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	value, err := o.lanes.Enqueue(ctx, laneKey(tenantID, sessionID), func(ctx context.Context) (interface{}, error) {
		ctx = tracing.NewTurnContext(ctx, tenantID, sessionID)
		return o.proposals.Reject(ctx, tenantID, sessionID, proposalID, proposal.ReasonCancelled)
	})
	if value == nil {
		return nil, err
	}
	return value.(*proposal.Proposal), err
}

// ListProposals returns the session's proposals, optionally filtered by
// status.
func (o *Orchestrator) ListProposals(ctx context.Context, tenantID, sessionID string, statuses ...proposal.Status) ([]*proposal.Proposal, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	return o.proposals.List(ctx, tenantID, sessionID, statuses...)
}
