package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/concierge/internal/tracing"
)

// Approval statuses carried by audit records.
const (
	ApprovalAuto      = "auto"
	ApprovalProposed  = "proposed"
	ApprovalConfirmed = "confirmed"
	ApprovalRejected  = "rejected"
	ApprovalRefused   = "refused"
	ApprovalBlocked   = "blocked"
	ApprovalLate      = "late_result"
	ApprovalError     = "error"
)

// AuditRecord is one structured record per tool-call attempt.
type AuditRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	TenantID       string    `json:"tenant_id"`
	SessionID      string    `json:"session_id"`
	ToolName       string    `json:"tool_name"`
	TrustTier      string    `json:"trust_tier"`
	ApprovalStatus string    `json:"approval_status"`
	DurationMs     int64     `json:"duration_ms"`
	Success        bool      `json:"success"`
	InputSummary   string    `json:"input_summary,omitempty"`
	OutputSummary  string    `json:"output_summary,omitempty"`
	ProposalID     string    `json:"proposal_id,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
}

// SecurityEvent records a tenant or session scope violation. These are kept
// apart from tool audit records and never rate limited.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	TenantID  string            `json:"tenant_id"`
	SessionID string            `json:"session_id,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
}

// AuditSink receives audit records. Implementations must not block the turn.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord)
	RecordSecurity(ctx context.Context, ev SecurityEvent)
	Close() error
}

// stamp fills timestamp and trace id and mirrors the record onto the active span.
func stamp(ctx context.Context, ts *time.Time, traceID *string, name string, attrs ...attribute.KeyValue) {
	if ts.IsZero() {
		*ts = time.Now()
	}
	if *traceID == "" {
		*traceID = tracing.GetTraceID(ctx)
	}
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		if *traceID == "" {
			*traceID = span.SpanContext().TraceID().String()
		}
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// PrepareRecord normalizes a record before it is handed to sinks.
func PrepareRecord(ctx context.Context, rec AuditRecord) AuditRecord {
	stamp(ctx, &rec.Timestamp, &rec.TraceID, "audit.tool",
		attribute.String("audit.tool", rec.ToolName),
		attribute.String("audit.tier", rec.TrustTier),
		attribute.String("audit.status", rec.ApprovalStatus),
		attribute.Bool("audit.success", rec.Success),
	)
	return rec
}

// PrepareSecurity normalizes a security event before it is handed to sinks.
func PrepareSecurity(ctx context.Context, ev SecurityEvent) SecurityEvent {
	stamp(ctx, &ev.Timestamp, &ev.TraceID, "audit.security",
		attribute.String("security.action", ev.Action),
		attribute.String("security.tenant", ev.TenantID),
	)
	return ev
}

// FileAuditSink writes audit records as JSON lines through zerolog.
type FileAuditSink struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

// NewFileAuditSink opens (or creates) path for appending. An empty path
// writes to stderr.
func NewFileAuditSink(path string) (*FileAuditSink, error) {
	if path == "" {
		return NewWriterAuditSink(os.Stderr), nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	sink := NewWriterAuditSink(file)
	sink.closer = file
	return sink, nil
}

// NewWriterAuditSink writes audit records to w.
func NewWriterAuditSink(w io.Writer) *FileAuditSink {
	return &FileAuditSink{logger: zerolog.New(w)}
}

func (a *FileAuditSink) Record(ctx context.Context, rec AuditRecord) {
	rec = PrepareRecord(ctx, rec)

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", "tool").
		Time("timestamp", rec.Timestamp).
		Str("tenant_id", rec.TenantID).
		Str("session_id", rec.SessionID).
		Str("tool_name", rec.ToolName).
		Str("trust_tier", rec.TrustTier).
		Str("approval_status", rec.ApprovalStatus).
		Int64("duration_ms", rec.DurationMs).
		Bool("success", rec.Success).
		Str("trace_id", rec.TraceID)

	if rec.ProposalID != "" {
		entry.Str("proposal_id", rec.ProposalID)
	}
	if rec.InputSummary != "" {
		entry.Str("input_summary", rec.InputSummary)
	}
	if rec.OutputSummary != "" {
		entry.Str("output_summary", rec.OutputSummary)
	}
	entry.Msg("")
}

func (a *FileAuditSink) RecordSecurity(ctx context.Context, ev SecurityEvent) {
	ev = PrepareSecurity(ctx, ev)

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", "security").
		Time("timestamp", ev.Timestamp).
		Str("action", ev.Action).
		Str("tenant_id", ev.TenantID).
		Str("session_id", ev.SessionID).
		Str("resource", ev.Resource).
		Str("trace_id", ev.TraceID)
	if len(ev.Detail) > 0 {
		entry.Interface("detail", ev.Detail)
	}
	entry.Msg("")
}

// Close closes the underlying file handle, if any.
func (a *FileAuditSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		err := a.closer.Close()
		a.closer = nil
		return err
	}
	return nil
}

// MultiSink fans records out to several sinks.
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, rec AuditRecord) {
	rec = PrepareRecord(ctx, rec)
	for _, s := range m {
		s.Record(ctx, rec)
	}
}

func (m MultiSink) RecordSecurity(ctx context.Context, ev SecurityEvent) {
	ev = PrepareSecurity(ctx, ev)
	for _, s := range m {
		s.RecordSecurity(ctx, ev)
	}
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MemorySink keeps records in memory. Used by tests and the local CLI.
type MemorySink struct {
	mu       sync.Mutex
	records  []AuditRecord
	security []SecurityEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(ctx context.Context, rec AuditRecord) {
	rec = PrepareRecord(ctx, rec)
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
}

func (m *MemorySink) RecordSecurity(ctx context.Context, ev SecurityEvent) {
	ev = PrepareSecurity(ctx, ev)
	m.mu.Lock()
	m.security = append(m.security, ev)
	m.mu.Unlock()
}

func (m *MemorySink) Close() error { return nil }

// Records returns a copy of the recorded tool audit records.
func (m *MemorySink) Records() []AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditRecord, len(m.records))
	copy(out, m.records)
	return out
}

// SecurityEvents returns a copy of the recorded security events.
func (m *MemorySink) SecurityEvents() []SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SecurityEvent, len(m.security))
	copy(out, m.security)
	return out
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Record(context.Context, AuditRecord)           {}
func (NopSink) RecordSecurity(context.Context, SecurityEvent) {}
func (NopSink) Close() error                                  { return nil }

// Summarize truncates s for audit summaries.
func Summarize(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
