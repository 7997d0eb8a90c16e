package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewContext(context.Background(), &TraceContext{
		TraceID:   "trace-123",
		TenantID:  "tenant-a",
		SessionID: "session-abc",
	})

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-123"`, `"tenant_id":"tenant-a"`, `"session_id":"session-abc"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "turn_id") {
		t.Errorf("empty turn id should not be logged: %s", out)
	}
}

func TestMergeContext(t *testing.T) {
	source := NewContext(context.Background(), &TraceContext{TraceID: "src-trace", TenantID: "tenant-a"})
	target := WithTraceID(context.Background(), "dst-trace")

	merged := MergeContext(target, source)
	if GetTraceID(merged) != "dst-trace" {
		t.Errorf("target trace id should win, got %s", GetTraceID(merged))
	}
	if GetTenantID(merged) != "tenant-a" {
		t.Errorf("tenant id not merged, got %s", GetTenantID(merged))
	}
}

func TestCloneContext(t *testing.T) {
	parent, cancel := context.WithCancel(WithSessionID(context.Background(), "s-1"))
	cancel()

	clone := CloneContext(parent)
	if clone.Err() != nil {
		t.Error("clone should not inherit cancellation")
	}
	if GetSessionID(clone) != "s-1" {
		t.Error("clone lost session id")
	}
}
