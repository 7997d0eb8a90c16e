// Package session resolves and persists conversational sessions.
//
// Invariants:
// - A session belongs to exactly one tenant; every read is tenant scoped.
// - Creation goes through the store's atomic FindOrCreate, never a
//   read-then-write pair.
// - A requested session ID owned by another tenant is never returned; the
//   caller gets a fresh session and a security event is recorded.
// - History keeps the most recent MaxHistory messages in insertion order.
//
// Usage:
//
//	mgr := session.NewManager(session.NewMemoryStore(), breakers, audit, session.DefaultConfig())
//	s, created, _ := mgr.GetOrCreate(ctx, "tenant-1", requestedID)
//	_, _ = mgr.AppendMessages(ctx, s.TenantID, s.ID, session.Message{Role: session.RoleUser, Content: "hi"})
//	_ = created
package session
