package proposal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/breaker"
	"github.com/harun/concierge/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultSoftWindow applies when a caller supplies no soft-confirm window.
	DefaultSoftWindow = 120 * time.Second
	// DefaultHardConfirmTTL bounds how long a T3 proposal waits.
	DefaultHardConfirmTTL = time.Hour

	// ReasonExpired marks a T3 proposal rejected by its TTL.
	ReasonExpired = "expired"
	// ReasonUserMessage marks a T2 proposal rejected by the user's reply.
	ReasonUserMessage = "rejected by user message"
	// ReasonCancelled marks an explicit cancel action.
	ReasonCancelled = "cancelled by user"

	sweepBatch   = 500
	summaryLimit = 512
)

// Options configures an Engine.
type Options struct {
	// DefaultWindow is the soft-confirm window used when a call passes zero.
	DefaultWindow time.Duration
	// HardConfirmTTL is how long a T3 proposal may stay pending.
	HardConfirmTTL time.Duration
	// ExecTimeout overrides the registry's executor timeout when positive.
	ExecTimeout time.Duration
	// OrphanGrace is how long a CONFIRMED proposal may sit unexecuted before
	// a sweep executes it. Defaults to twice the executor timeout.
	OrphanGrace time.Duration
	// Breakers gates sweep executions per session: a paused session's
	// proposals wait and every sweep execution feeds its breaker. Nil
	// leaves sweeps ungated.
	Breakers *breaker.Registry
	Now      func() time.Time
	NewID    func() string
}

func (o Options) withDefaults() Options {
	if o.DefaultWindow <= 0 {
		o.DefaultWindow = DefaultSoftWindow
	}
	if o.HardConfirmTTL <= 0 {
		o.HardConfirmTTL = DefaultHardConfirmTTL
	}
	if o.OrphanGrace <= 0 {
		timeout := o.ExecTimeout
		if timeout <= 0 {
			timeout = tools.DefaultTimeout
		}
		o.OrphanGrace = 2 * timeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.NewString() }
	}
	return o
}

// Engine drives proposals through their lifecycle.
type Engine struct {
	store Store
	tools *tools.Registry
	audit observability.AuditSink
	opts  Options

	// executing holds proposal IDs whose executor is running in this process.
	executing sync.Map
}

// NewEngine creates an engine over store and registry. A nil audit sink
// discards records.
func NewEngine(store Store, registry *tools.Registry, audit observability.AuditSink, opts Options) *Engine {
	observability.EnsureRegistered()
	if audit == nil {
		audit = observability.NopSink{}
	}
	return &Engine{
		store: store,
		tools: registry,
		audit: audit,
		opts:  opts.withDefaults(),
	}
}

// Store returns the engine's proposal store.
func (e *Engine) Store() Store {
	return e.store
}

// ProposeParams describes a deferred tool call.
type ProposeParams struct {
	TenantID  string
	SessionID string
	ToolName  string
	Payload   map[string]interface{}
	// Preview overrides the tool's own preview rendering.
	Preview string
	// Window is the soft-confirm window for a T2 proposal. Zero uses the
	// engine default.
	Window time.Duration
}

// Propose records a PENDING proposal for a T2 or T3 tool call. The tier is
// always taken from the registry.
func (e *Engine) Propose(ctx context.Context, params ProposeParams) (*Proposal, error) {
	scope := Scope{TenantID: params.TenantID, SessionID: params.SessionID}
	ctx, span := e.span(ctx, scope, "proposal.propose", attribute.String("tool", params.ToolName))
	defer span.End()

	if !scope.Valid() {
		err := errors.New("tenant and session are required")
		tracing.RecordError(span, err)
		return nil, err
	}

	def, ok := e.tools.Get(params.ToolName)
	if !ok {
		err := fmt.Errorf("%w: %s", tools.ErrUnknownTool, params.ToolName)
		tracing.RecordError(span, err)
		return nil, err
	}
	if !def.Tier.RequiresConfirmation() {
		err := fmt.Errorf("%w: %s is %s", ErrNotConfirmable, def.Name, def.Tier)
		tracing.RecordError(span, err)
		return nil, err
	}
	if err := e.tools.Validate(def.Name, params.Payload); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	now := e.opts.Now()
	p := &Proposal{
		ID:        e.opts.NewID(),
		TenantID:  scope.TenantID,
		SessionID: scope.SessionID,
		ToolName:  def.Name,
		Tier:      def.Tier,
		Payload:   params.Payload,
		Preview:   params.Preview,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if p.Preview == "" {
		p.Preview = e.tools.Preview(def.Name, params.Payload)
	}
	switch def.Tier {
	case tools.T2:
		window := params.Window
		if window <= 0 {
			window = e.opts.DefaultWindow
		}
		p.ConfirmAfter = now.Add(window)
	case tools.T3:
		p.ExpiresAt = now.Add(e.opts.HardConfirmTTL)
	}

	if err := e.store.Create(ctx, p); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to create proposal: %w", err)
	}

	observability.RecordProposalTransition(p.Tier.String(), string(StatusPending))
	e.record(ctx, p, observability.ApprovalProposed, true, 0, "")
	e.logger(ctx, p).Info().Msg("Proposal created")
	return p, nil
}

// Get returns a proposal of the given session.
func (e *Engine) Get(ctx context.Context, tenantID, sessionID, proposalID string) (*Proposal, error) {
	return e.lookup(ctx, Scope{TenantID: tenantID, SessionID: sessionID}, proposalID)
}

// ListPending returns the session's pending proposals, oldest first.
func (e *Engine) ListPending(ctx context.Context, tenantID, sessionID string) ([]*Proposal, error) {
	return e.List(ctx, tenantID, sessionID, StatusPending)
}

// List returns the session's proposals in any of statuses (all when none).
func (e *Engine) List(ctx context.Context, tenantID, sessionID string, statuses ...Status) ([]*Proposal, error) {
	scope := Scope{TenantID: tenantID, SessionID: sessionID}
	if !scope.Valid() {
		return nil, nil
	}
	return e.store.ListByStatus(ctx, scope, statuses...)
}

// Evaluation is the result of checking a user message against the
// session's pending T2 proposals.
type Evaluation struct {
	Verdict   Verdict
	Confirmed []*Proposal
	Rejected  []*Proposal
}

// ConfirmedIDs lists the IDs of proposals confirmed by the evaluation.
func (ev Evaluation) ConfirmedIDs() []string {
	ids := make([]string, 0, len(ev.Confirmed))
	for _, p := range ev.Confirmed {
		ids = append(ids, p.ID)
	}
	return ids
}

// EvaluatePendingT2 applies the latest user message of one session to that
// session's pending T2 proposals. A rejection rejects all of them. Otherwise
// each proposal whose soft-confirm deadline has passed is confirmed; the
// deadline is CreatedAt+window when window is positive and the proposal's
// stored ConfirmAfter otherwise. Confirmed proposals are not executed here.
func (e *Engine) EvaluatePendingT2(ctx context.Context, tenantID, sessionID, message string, window time.Duration) (Evaluation, error) {
	scope := Scope{TenantID: tenantID, SessionID: sessionID}
	ctx, span := e.span(ctx, scope, "proposal.evaluate_t2")
	defer span.End()

	ev := Evaluation{Verdict: Classify(message)}
	if !scope.Valid() {
		return ev, nil
	}

	pending, err := e.store.ListByStatus(ctx, scope, StatusPending)
	if err != nil {
		tracing.RecordError(span, err)
		return ev, fmt.Errorf("failed to list pending proposals: %w", err)
	}

	now := e.opts.Now()
	for _, p := range pending {
		if p.Tier != tools.T2 {
			continue
		}

		if ev.Verdict.Rejection {
			rejected, err := e.transition(ctx, p, StatusPending, StatusRejected, Patch{ResolvedAt: now, Reason: ReasonUserMessage})
			if errors.Is(err, ErrConflict) {
				continue
			}
			if err != nil {
				return ev, err
			}
			e.record(ctx, rejected, observability.ApprovalRejected, true, 0, ReasonUserMessage)
			ev.Rejected = append(ev.Rejected, rejected)
			continue
		}

		deadline := p.ConfirmAfter
		if window > 0 {
			deadline = p.CreatedAt.Add(window)
		}
		if deadline.IsZero() || now.Before(deadline) {
			continue
		}
		confirmed, err := e.transition(ctx, p, StatusPending, StatusConfirmed, Patch{ConfirmedAt: now})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return ev, err
		}
		ev.Confirmed = append(ev.Confirmed, confirmed)
	}

	span.SetAttributes(
		attribute.Bool("proposal.rejection", ev.Verdict.Rejection),
		attribute.Int("proposal.confirmed", len(ev.Confirmed)),
		attribute.Int("proposal.rejected", len(ev.Rejected)),
	)
	return ev, nil
}

// Confirm explicitly confirms a pending proposal of the session. An expired
// T3 proposal is rejected instead and ErrExpired returned.
func (e *Engine) Confirm(ctx context.Context, tenantID, sessionID, proposalID string) (*Proposal, error) {
	scope := Scope{TenantID: tenantID, SessionID: sessionID}
	ctx, span := e.span(ctx, scope, "proposal.confirm", attribute.String("proposal.id", proposalID))
	defer span.End()

	p, err := e.lookup(ctx, scope, proposalID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if p.Status != StatusPending {
		err := invalidTransition(p.Status, StatusConfirmed)
		tracing.RecordError(span, err)
		return p, err
	}

	now := e.opts.Now()
	if p.Tier == tools.T3 && !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt) {
		if _, err := e.expire(ctx, p, now); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrExpired, proposalID)
	}

	confirmed, err := e.transition(ctx, p, StatusPending, StatusConfirmed, Patch{ConfirmedAt: now})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return confirmed, nil
}

// Reject cancels a pending proposal of the session.
func (e *Engine) Reject(ctx context.Context, tenantID, sessionID, proposalID, reason string) (*Proposal, error) {
	scope := Scope{TenantID: tenantID, SessionID: sessionID}
	ctx, span := e.span(ctx, scope, "proposal.reject", attribute.String("proposal.id", proposalID))
	defer span.End()

	p, err := e.lookup(ctx, scope, proposalID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if p.Status != StatusPending {
		err := invalidTransition(p.Status, StatusRejected)
		tracing.RecordError(span, err)
		return p, err
	}
	if reason == "" {
		reason = ReasonCancelled
	}

	rejected, err := e.transition(ctx, p, StatusPending, StatusRejected, Patch{ResolvedAt: e.opts.Now(), Reason: reason})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	e.record(ctx, rejected, observability.ApprovalRejected, true, 0, reason)
	return rejected, nil
}

// Execute runs the executor of a CONFIRMED proposal and records EXECUTED or
// FAILED. At most one executor call per proposal runs in this process at a
// time and only a CONFIRMED proposal is ever executed, so no proposal reaches
// EXECUTED twice. The executor does not observe ctx cancellation.
func (e *Engine) Execute(ctx context.Context, tenantID, sessionID, proposalID string) (*Proposal, error) {
	scope := Scope{TenantID: tenantID, SessionID: sessionID}
	ctx, span := e.span(ctx, scope, "proposal.execute", attribute.String("proposal.id", proposalID))
	defer span.End()

	if _, busy := e.executing.LoadOrStore(proposalID, struct{}{}); busy {
		err := fmt.Errorf("%w: %s is already executing", ErrConflict, proposalID)
		tracing.RecordError(span, err)
		return nil, err
	}
	defer e.executing.Delete(proposalID)

	// Re-read under the claim: a concurrent executor may have finished.
	p, err := e.lookup(ctx, scope, proposalID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if p.Status != StatusConfirmed {
		err := invalidTransition(p.Status, StatusExecuted)
		tracing.RecordError(span, err)
		return p, err
	}

	return e.run(ctx, p)
}

// ConfirmAndExecute confirms a proposal and, if this call won the
// confirmation, executes it.
func (e *Engine) ConfirmAndExecute(ctx context.Context, tenantID, sessionID, proposalID string) (*Proposal, error) {
	if _, err := e.Confirm(ctx, tenantID, sessionID, proposalID); err != nil {
		return nil, err
	}
	return e.Execute(ctx, tenantID, sessionID, proposalID)
}

func (e *Engine) run(ctx context.Context, p *Proposal) (*Proposal, error) {
	logger := e.logger(ctx, p)

	opts := []tools.ExecOption{tools.OnLateResult(e.lateResult(p))}
	if e.opts.ExecTimeout > 0 {
		opts = append(opts, tools.WithTimeout(e.opts.ExecTimeout))
	}
	res := e.tools.Execute(ctx, p.ToolName, p.TenantID, p.Payload, opts...)

	now := e.opts.Now()
	to := StatusExecuted
	patch := Patch{ResolvedAt: now}
	if res.Success {
		patch.Result = observability.Summarize(fmt.Sprint(res.Output), summaryLimit)
	} else {
		to = StatusFailed
		patch.Error = res.Error
	}

	observability.RecordToolCall(p.ToolName, p.Tier.String(), string(to), res.Duration)
	e.record(ctx, p, observability.ApprovalConfirmed, res.Success, res.Duration, patch.Result+patch.Error)

	// The proposal was CONFIRMED under our claim, so a conflict here means a
	// sweep in another process got there first.
	done, err := e.transition(ctx, p, StatusConfirmed, to, patch)
	if err != nil {
		logger.Error().Err(err).Str("outcome", string(to)).Msg("Failed to record proposal outcome")
		return nil, err
	}

	if res.Success {
		logger.Info().Dur("duration", res.Duration).Msg("Proposal executed")
		return done, nil
	}
	logger.Warn().Dur("duration", res.Duration).Bool("timed_out", res.TimedOut).Str("error", res.Error).Msg("Proposal execution failed")
	return done, res.Err
}

// lateResult audits an executor that completed after the proposal was
// already marked FAILED by its timeout.
func (e *Engine) lateResult(p *Proposal) tools.LateResultFunc {
	return func(ctx context.Context, late tools.LateResult) {
		observability.RecordLateResult(late.ToolName)
		output := ""
		if late.Err != nil {
			output = late.Err.Error()
		} else if late.Output != nil {
			output = fmt.Sprint(late.Output)
		}
		e.record(ctx, p, observability.ApprovalLate, late.Err == nil, late.Duration, output)
		e.logger(ctx, p).Warn().
			Bool("success", late.Err == nil).
			Dur("duration", late.Duration).
			Msg("Late executor result recorded for reconciliation")
	}
}

// SweepExpired rejects pending T3 proposals whose TTL has passed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.opts.Now()
	due, err := e.store.ListDue(ctx, now, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due proposals: %w", err)
	}

	n := 0
	for _, p := range due {
		if p.Status != StatusPending || p.Tier != tools.T3 {
			continue
		}
		if _, err := e.expire(ctx, p, now); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// SweepMatured confirms and executes pending T2 proposals whose
// soft-confirm window passed without a rejection, then executes CONFIRMED
// proposals left behind by an interrupted turn. Proposals of a session whose
// breaker is open are left for a later sweep.
func (e *Engine) SweepMatured(ctx context.Context) (int, error) {
	now := e.opts.Now()
	due, err := e.store.ListDue(ctx, now, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due proposals: %w", err)
	}

	n := 0
	for _, p := range due {
		var cb *breaker.CircuitBreaker
		if e.opts.Breakers != nil {
			cb = e.opts.Breakers.Get(p.SessionID)
			if d := cb.Peek(); !d.Allowed {
				continue
			}
		}

		switch {
		case p.Status == StatusPending && p.Tier == tools.T2:
			if _, err := e.transition(ctx, p, StatusPending, StatusConfirmed, Patch{ConfirmedAt: now}); err != nil {
				if errors.Is(err, ErrConflict) {
					continue
				}
				return n, err
			}
		case p.Status == StatusConfirmed:
			if now.Sub(p.ConfirmedAt) < e.opts.OrphanGrace {
				continue
			}
			e.logger(ctx, p).Warn().Time("confirmed_at", p.ConfirmedAt).Msg("Executing orphaned confirmed proposal")
		default:
			continue
		}

		if cb != nil {
			if d := cb.Check(); !d.Allowed {
				// Stays CONFIRMED until the session resumes.
				e.logger(ctx, p).Debug().Str("reason", d.Reason).Msg("Sweep execution held by session breaker")
				continue
			}
		}
		done, err := e.Execute(ctx, p.TenantID, p.SessionID, p.ID)
		if err != nil && (errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition)) {
			continue
		}
		if cb != nil && done != nil {
			if done.Status == StatusExecuted {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
		}
		n++
	}
	return n, nil
}

func (e *Engine) expire(ctx context.Context, p *Proposal, now time.Time) (*Proposal, error) {
	expired, err := e.transition(ctx, p, StatusPending, StatusRejected, Patch{ResolvedAt: now, Reason: ReasonExpired})
	if err != nil {
		return nil, err
	}
	e.record(ctx, expired, observability.ApprovalRejected, true, 0, ReasonExpired)
	return expired, nil
}

func (e *Engine) transition(ctx context.Context, p *Proposal, from, to Status, patch Patch) (*Proposal, error) {
	if !CanTransition(from, to) {
		return nil, invalidTransition(from, to)
	}
	next, err := e.store.Transition(ctx, p.Scope(), p.ID, from, to, patch)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			e.logger(ctx, p).Debug().Str("from", string(from)).Str("to", string(to)).Msg("Lost proposal transition race")
		}
		return nil, err
	}
	observability.RecordProposalTransition(next.Tier.String(), string(to))
	e.logger(ctx, next).Debug().Str("from", string(from)).Str("to", string(to)).Msg("Proposal transition")
	return next, nil
}

// lookup reads a proposal within scope. A proposal that exists under a
// different scope is reported as a security event and surfaced to the
// caller as not found.
func (e *Engine) lookup(ctx context.Context, scope Scope, id string) (*Proposal, error) {
	if !scope.Valid() || id == "" {
		return nil, ErrNotFound
	}
	p, err := e.store.Get(ctx, scope, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}

	owner, oerr := e.store.Owner(ctx, id)
	if oerr != nil || owner == scope {
		return nil, ErrNotFound
	}

	observability.RecordSecurityEvent("proposal_scope_violation")
	e.audit.RecordSecurity(ctx, observability.SecurityEvent{
		Action:    "proposal_scope_violation",
		TenantID:  scope.TenantID,
		SessionID: scope.SessionID,
		Resource:  id,
		Detail: map[string]string{
			"owner_tenant":  owner.TenantID,
			"owner_session": owner.SessionID,
		},
	})
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Warn().
		Bool("security", true).
		Str("tenant_id", scope.TenantID).
		Str("session_id", scope.SessionID).
		Str("proposal_id", id).
		Msg("Proposal accessed outside its session")
	return nil, fmt.Errorf("%w: %w", ErrScopeViolation, ErrNotFound)
}

func (e *Engine) record(ctx context.Context, p *Proposal, approval string, success bool, duration time.Duration, output string) {
	e.audit.Record(ctx, observability.AuditRecord{
		TenantID:       p.TenantID,
		SessionID:      p.SessionID,
		ToolName:       p.ToolName,
		TrustTier:      p.Tier.String(),
		ApprovalStatus: approval,
		DurationMs:     duration.Milliseconds(),
		Success:        success,
		InputSummary:   observability.Summarize(tools.SummarizePayload(p.Payload), summaryLimit),
		OutputSummary:  observability.Summarize(output, summaryLimit),
		ProposalID:     p.ID,
	})
}

func (e *Engine) span(ctx context.Context, scope Scope, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if scope.TenantID != "" && tracing.GetTenantID(ctx) == "" {
		ctx = tracing.WithTenantID(ctx, scope.TenantID)
	}
	if scope.SessionID != "" && tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, scope.SessionID)
	}
	return tracing.StartSpan(ctx, "concierge.proposal", name, attrs...)
}

func (e *Engine) logger(ctx context.Context, p *Proposal) *zerolog.Logger {
	l := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("proposal_id", p.ID).
		Str("tool", p.ToolName).
		Str("tier", p.Tier.String()).
		Logger()
	return &l
}
