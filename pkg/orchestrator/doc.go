// Package orchestrator drives chat turns. For one user message it resolves
// the session, applies the message to pending soft-confirm proposals, runs
// the model loop and routes every requested tool call by trust tier: T1
// executes inline, T2 and T3 become proposals.
//
// Invariants:
// - Turns of one session are serialized; evaluation for a message happens
//   before any proposal is created in response to it.
// - Every attempted tool call produces one audit record with its real tier.
// - Callers never see raw internal errors from a turn; failures become a
//   degraded reply.
//
// Usage:
//
//	o, _ := orchestrator.New(orchestrator.Deps{...}, orchestrator.DefaultConfig())
//	resp, _ := o.Chat(ctx, orchestrator.ChatRequest{TenantID: "t1", Message: "raise the latte price to 4.50"})
//	_ = resp.PendingProposals
package orchestrator
