package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/agent"
	"github.com/harun/concierge/pkg/breaker"
	"github.com/harun/concierge/pkg/budget"
	"github.com/harun/concierge/pkg/proposal"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	replyPaused       = "This conversation is paused after repeated errors. Please try again in %s."
	noticeRejected    = "Cancelled %d pending action(s) as you asked."
	noticeBudget      = "I reached the limit of %s actions for this message. Send a follow-up message to continue."
	toolRefusedBudget = "Refused: the limit for this kind of action in the current turn is reached. Do not retry it in this turn; tell the user to continue in a follow-up message."
	toolRefusedPaused = "Refused: the session is paused after repeated errors. Do not retry."
	summaryLimit      = 512
)

// tierLabel names a tier for users without exposing tier codes.
var tierLabel = map[tools.TrustTier]string{
	tools.T1: "lookup",
	tools.T2: "change",
	tools.T3: "high-impact",
}

// turnState carries everything one turn accumulates.
type turnState struct {
	tenantID  string
	sessionID string
	cfg       Config
	window    time.Duration
	breaker   *breaker.CircuitBreaker
	budget    *budget.Budget
	resp      *ChatResponse
	// notes are system messages produced before the model runs; they are
	// persisted with the user message.
	notes  []string
	logger zerolog.Logger
}

// turn runs one serialized turn. It never returns an error; failures are
// folded into a degraded response.
func (o *Orchestrator) turn(ctx context.Context, tenantID, sessionID string, req ChatRequest) (resp *ChatResponse) {
	start := o.now()
	cfg := o.config()

	ctx = tracing.NewTurnContext(ctx, tenantID, sessionID)
	ctx, span := tracing.StartSpan(ctx, "concierge.orchestrator", "orchestrator.turn",
		attribute.String("tenant.id", tenantID),
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	st := &turnState{
		tenantID:  tenantID,
		sessionID: sessionID,
		cfg:       cfg,
		resp:      &ChatResponse{SessionID: sessionID},
		logger:    tracing.LoggerFromContext(ctx, log.Logger),
	}
	outcome := "ok"

	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			st.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in turn")
			o.breakers.Get(sessionID).RecordFailure()
			o.audit.Record(ctx, observability.AuditRecord{
				TenantID:       tenantID,
				SessionID:      sessionID,
				ToolName:       "turn",
				TrustTier:      "none",
				ApprovalStatus: observability.ApprovalError,
				Success:        false,
				OutputSummary:  observability.Summarize(fmt.Sprint(r), summaryLimit),
			})
			resp = &ChatResponse{
				Reply:     replyInternal,
				SessionID: sessionID,
				Degraded:  true,
				ErrorKind: KindInternal,
			}
			o.attachPending(ctx, st, resp)
		}
		span.SetAttributes(attribute.String("turn.outcome", outcome))
		observability.RecordTurn(outcome, o.now().Sub(start))
	}()

	sess, err := o.sessions.Get(ctx, tenantID, sessionID)
	if err != nil {
		tracing.RecordError(span, err)
		outcome = "error"
		st.logger.Error().Err(err).Msg("Failed to load session for turn")
		st.resp.Reply = degradedReply(Classify(err))
		st.resp.Degraded = true
		st.resp.ErrorKind = Classify(err)
		return st.resp
	}

	o.breakers.Tick()
	st.breaker = o.breakers.Get(sessionID)
	if d := st.breaker.Peek(); !d.Allowed {
		outcome = "paused"
		o.paused(ctx, st, req.Message, d)
		o.attachPending(ctx, st, st.resp)
		return st.resp
	}

	st.window = req.SoftConfirmWindow
	if st.window <= 0 {
		st.window = cfg.SoftConfirmWindow
	}
	// Only an explicit window overrides the deadlines stored on proposals.
	if err := o.settlePending(ctx, st, req.Message, req.SoftConfirmWindow); err != nil {
		// Evaluation failing must not block the message itself.
		st.logger.Warn().Err(err).Msg("Failed to evaluate pending proposals")
	}

	st.budget = o.budgets.NewTurnBudget()

	reply, err := o.converse(ctx, st, sess, req.Message)
	switch {
	case err != nil:
		kind := Classify(err)
		tracing.RecordError(span, err)
		outcome = "degraded"
		st.breaker.RecordFailure()
		st.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Turn degraded")
		st.resp.Reply = degradedReply(kind)
		st.resp.Degraded = true
		st.resp.ErrorKind = kind
	default:
		st.resp.Reply = reply
		if st.breaker.State() == breaker.HalfOpen {
			st.breaker.RecordSuccess()
		}
	}

	o.persist(ctx, st, req.Message, st.resp.Reply)
	o.attachPending(ctx, st, st.resp)
	span.SetAttributes(attribute.String("turn.budget", st.budget.String()))
	return st.resp
}

// paused answers a turn while the session breaker is open. A rejection
// still cancels pending soft-confirm proposals; nothing is confirmed.
func (o *Orchestrator) paused(ctx context.Context, st *turnState, message string, d breaker.Decision) {
	retry := d.RetryAfter.Round(time.Second)
	if retry < time.Second {
		retry = time.Second
	}
	st.resp.Reply = fmt.Sprintf(replyPaused, retry)
	st.resp.Degraded = true
	st.resp.ErrorKind = KindCircuitOpen

	if !proposal.IsRejection(message) {
		return
	}
	pending, err := o.proposals.ListPending(ctx, st.tenantID, st.sessionID)
	if err != nil {
		st.logger.Warn().Err(err).Msg("Failed to list pending proposals while paused")
		return
	}
	cancelled := 0
	for _, p := range pending {
		if p.Tier != tools.T2 {
			continue
		}
		rejected, err := o.proposals.Reject(ctx, st.tenantID, st.sessionID, p.ID, proposal.ReasonUserMessage)
		if err != nil {
			continue
		}
		cancelled++
		st.resp.ExecutedProposals = append(st.resp.ExecutedProposals, rejected)
	}
	if cancelled > 0 {
		st.resp.notice(fmt.Sprintf(noticeRejected, cancelled))
	}
}

// settlePending applies the message to pending T2 proposals and executes
// the ones it confirmed.
func (o *Orchestrator) settlePending(ctx context.Context, st *turnState, message string, window time.Duration) error {
	ev, err := o.proposals.EvaluatePendingT2(ctx, st.tenantID, st.sessionID, message, window)
	if err != nil {
		return err
	}

	for _, p := range ev.Rejected {
		st.resp.ExecutedProposals = append(st.resp.ExecutedProposals, p)
		st.notes = append(st.notes, fmt.Sprintf("Proposal %s (%s) was cancelled by the user.", p.ID, p.Preview))
	}
	if len(ev.Rejected) > 0 {
		st.resp.notice(fmt.Sprintf(noticeRejected, len(ev.Rejected)))
	}

	for _, p := range ev.Confirmed {
		if d := st.breaker.Check(); !d.Allowed {
			// Left CONFIRMED; the sweeper runs it once the session resumes.
			st.notes = append(st.notes, fmt.Sprintf("Proposal %s (%s) is confirmed but on hold while the session is paused.", p.ID, p.Preview))
			continue
		}
		done, err := o.proposals.Execute(ctx, st.tenantID, st.sessionID, p.ID)
		switch {
		case errors.Is(err, proposal.ErrConflict):
			continue
		case err == nil:
			st.breaker.RecordSuccess()
			st.notes = append(st.notes, fmt.Sprintf("Proposal %s (%s) was confirmed and executed. Result: %s", p.ID, p.Preview, done.Result))
		case Classify(err) == KindExecutor:
			st.breaker.RecordFailure()
			st.notes = append(st.notes, fmt.Sprintf("Proposal %s (%s) was confirmed but failed: %s", p.ID, p.Preview, done.Error))
		default:
			st.logger.Error().Err(err).Str("proposal_id", p.ID).Msg("Failed to execute confirmed proposal")
			continue
		}
		st.resp.ExecutedProposals = append(st.resp.ExecutedProposals, done)
	}
	return nil
}

// converse drives the model loop and returns the final reply.
func (o *Orchestrator) converse(ctx context.Context, st *turnState, sess *session.Session, message string) (string, error) {
	messages := make([]agent.Message, 0, len(sess.History)+len(st.notes)+1)
	for _, m := range sess.History {
		messages = append(messages, agent.Message{Role: m.Role, Content: m.Content})
	}
	for _, note := range st.notes {
		messages = append(messages, agent.Message{Role: agent.RoleSystem, Content: note})
	}
	messages = append(messages, agent.Message{Role: agent.RoleUser, Content: message})
	if st.cfg.ContextTokens > 0 {
		messages = agent.Compact(messages, st.cfg.ContextTokens)
	}

	for i := 0; i < st.cfg.MaxIterations; i++ {
		resp, err := o.callModel(ctx, st, messages)
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, agent.Message{
			Role:      agent.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			messages = append(messages, agent.Message{
				Role:       agent.RoleTool,
				Content:    o.handleToolCall(ctx, st, call),
				ToolCallID: call.ID,
			})
		}
	}

	st.logger.Warn().Int("max_iterations", st.cfg.MaxIterations).Msg("Turn reached iteration limit")
	st.resp.notice(replyIterations)
	return replyIterations, nil
}

func (o *Orchestrator) callModel(ctx context.Context, st *turnState, messages []agent.Message) (*agent.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, st.cfg.ModelTimeout)
	defer cancel()

	return agent.CallWithRetry(ctx, o.provider, agent.Request{
		Model:        st.cfg.Model,
		Messages:     messages,
		Tools:        o.availableTools(st.budget),
		MaxTokens:    st.cfg.MaxTokens,
		SystemPrompt: st.cfg.SystemPrompt,
	}, st.cfg.Retry)
}

// availableTools hides tools of tiers whose budget is spent so the model
// stops asking for them.
func (o *Orchestrator) availableTools(b *budget.Budget) []tools.Schema {
	all := o.tools.Schemas()
	out := all[:0:0]
	for _, s := range all {
		tier, err := o.tools.Tier(s.Name)
		if err != nil || b.Exhausted(tier) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// handleToolCall applies tier, budget and breaker policy to one requested
// call and returns the text fed back to the model.
func (o *Orchestrator) handleToolCall(ctx context.Context, st *turnState, call agent.ToolCall) string {
	ctx, span := tracing.StartSpan(ctx, "concierge.orchestrator", "orchestrator.tool_call",
		attribute.String("tool", call.Name),
	)
	defer span.End()

	rec := observability.AuditRecord{
		TenantID:     st.tenantID,
		SessionID:    st.sessionID,
		ToolName:     call.Name,
		InputSummary: tools.SummarizePayload(call.Arguments),
	}

	def, ok := o.tools.Get(call.Name)
	if !ok {
		rec.TrustTier = "unknown"
		rec.ApprovalStatus = observability.ApprovalRefused
		rec.OutputSummary = tools.ErrUnknownTool.Error()
		o.audit.Record(ctx, rec)
		observability.RecordToolCall(call.Name, "unknown", "unknown_tool", 0)
		return fmt.Sprintf("Error: %s is not an available tool.", call.Name)
	}
	rec.TrustTier = def.Tier.String()
	span.SetAttributes(attribute.String("tool.tier", def.Tier.String()))

	if err := o.tools.Validate(call.Name, call.Arguments); err != nil {
		rec.ApprovalStatus = observability.ApprovalRefused
		rec.OutputSummary = observability.Summarize(err.Error(), summaryLimit)
		o.audit.Record(ctx, rec)
		observability.RecordToolCall(call.Name, def.Tier.String(), "invalid", 0)
		return fmt.Sprintf("Error: invalid arguments for %s: %v", call.Name, err)
	}

	if !st.budget.Consume(def.Tier) {
		rec.ApprovalStatus = observability.ApprovalRefused
		rec.OutputSummary = "budget exhausted"
		o.audit.Record(ctx, rec)
		observability.RecordBudgetRefusal(def.Tier.String())
		observability.RecordToolCall(call.Name, def.Tier.String(), "budget", 0)
		st.resp.notice(fmt.Sprintf(noticeBudget, tierLabel[def.Tier]))
		st.logger.Info().Str("tool", call.Name).Str("budget", st.budget.String()).Msg("Tool call refused by turn budget")
		return toolRefusedBudget
	}

	if def.Tier.RequiresConfirmation() {
		return o.propose(ctx, st, call, rec)
	}
	return o.executeInline(ctx, st, call, rec)
}

func (o *Orchestrator) executeInline(ctx context.Context, st *turnState, call agent.ToolCall, rec observability.AuditRecord) string {
	if d := st.breaker.Check(); !d.Allowed {
		rec.ApprovalStatus = observability.ApprovalBlocked
		rec.OutputSummary = d.Reason
		o.audit.Record(ctx, rec)
		observability.RecordToolCall(call.Name, rec.TrustTier, "blocked", 0)
		return toolRefusedPaused
	}

	res := o.tools.Execute(ctx, call.Name, st.tenantID, call.Arguments,
		tools.WithTimeout(st.cfg.ToolTimeout),
		tools.OnLateResult(o.lateResult(st, rec)),
	)

	status := "success"
	if res.Success {
		st.breaker.RecordSuccess()
	} else {
		status = "failed"
		if res.TimedOut {
			status = "timeout"
		}
		st.breaker.RecordFailure()
	}

	rec.ApprovalStatus = observability.ApprovalAuto
	rec.Success = res.Success
	rec.DurationMs = res.Duration.Milliseconds()
	if res.Success {
		rec.OutputSummary = observability.Summarize(fmt.Sprint(res.Output), summaryLimit)
	} else {
		rec.OutputSummary = observability.Summarize(res.Error, summaryLimit)
	}
	o.audit.Record(ctx, rec)
	observability.RecordToolCall(call.Name, rec.TrustTier, status, res.Duration)

	if !res.Success {
		return "Error: " + res.Error
	}
	out, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Sprint(res.Output)
	}
	return string(out)
}

func (o *Orchestrator) lateResult(st *turnState, rec observability.AuditRecord) tools.LateResultFunc {
	return func(ctx context.Context, late tools.LateResult) {
		observability.RecordLateResult(late.ToolName)
		rec.ApprovalStatus = observability.ApprovalLate
		rec.Success = late.Err == nil
		rec.DurationMs = late.Duration.Milliseconds()
		if late.Err != nil {
			rec.OutputSummary = observability.Summarize(late.Err.Error(), summaryLimit)
		} else {
			rec.OutputSummary = observability.Summarize(fmt.Sprint(late.Output), summaryLimit)
		}
		o.audit.Record(ctx, rec)
		st.logger.Warn().Str("tool", late.ToolName).Dur("duration", late.Duration).Msg("Late tool result recorded")
	}
}

func (o *Orchestrator) propose(ctx context.Context, st *turnState, call agent.ToolCall, rec observability.AuditRecord) string {
	p, err := o.proposals.Propose(ctx, proposal.ProposeParams{
		TenantID:  st.tenantID,
		SessionID: st.sessionID,
		ToolName:  call.Name,
		Payload:   call.Arguments,
		Window:    st.window,
	})
	if err != nil {
		rec.ApprovalStatus = observability.ApprovalRefused
		rec.OutputSummary = observability.Summarize(err.Error(), summaryLimit)
		o.audit.Record(ctx, rec)
		st.logger.Error().Err(err).Str("tool", call.Name).Msg("Failed to create proposal")
		return "Error: the action could not be prepared. Tell the user to try again."
	}

	if p.Tier == tools.T3 {
		return fmt.Sprintf("Proposal %s created and waiting for the user's explicit confirmation: %s. It has NOT been executed.", p.ID, p.Preview)
	}
	return fmt.Sprintf("Proposal %s created: %s. It will run after the user's next message unless they cancel. It has NOT been executed yet.", p.ID, p.Preview)
}

// persist appends the turn's notes, the user message and the reply to the
// session history.
func (o *Orchestrator) persist(ctx context.Context, st *turnState, message, reply string) {
	msgs := make([]session.Message, 0, len(st.notes)+2)
	for _, note := range st.notes {
		msgs = append(msgs, session.Message{Role: session.RoleSystem, Content: note})
	}
	msgs = append(msgs,
		session.Message{Role: session.RoleUser, Content: message},
		session.Message{Role: session.RoleAssistant, Content: strings.TrimSpace(reply)},
	)
	if _, err := o.sessions.AppendMessages(ctx, st.tenantID, st.sessionID, msgs...); err != nil {
		st.logger.Error().Err(err).Msg("Failed to append turn to history")
	}
}

// attachPending lists what still waits for the user.
func (o *Orchestrator) attachPending(ctx context.Context, st *turnState, resp *ChatResponse) {
	pending, err := o.proposals.ListPending(ctx, st.tenantID, st.sessionID)
	if err != nil {
		st.logger.Warn().Err(err).Msg("Failed to list pending proposals")
	}
	if pending == nil {
		pending = []*proposal.Proposal{}
	}
	resp.PendingProposals = pending
}
