// Package agent is the language-model boundary of the orchestrator.
//
// Invariants:
// - Providers only ever see tool schemas, never trust tiers.
// - Transient provider failures are retried with bounded exponential backoff.
// - Failover walks profiles by priority and cools down failing ones.
//
// Usage:
//
//	provider, _ := agent.NewFailover([]agent.Profile{
//		{ID: "primary", Provider: "anthropic", APIKey: key, Model: "claude-sonnet-4-5"},
//	}, agent.DefaultRetryPolicy())
//	resp, _ := provider.Call(ctx, agent.Request{Messages: msgs, Tools: registry.Schemas()})
//	_ = resp
package agent
