package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_ExportsSpansToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "traces", "spans.jsonl")
	p, err := Setup(Options{ServiceName: "concierge-test", File: file})
	require.NoError(t, err)

	ctx := WithTenantID(context.Background(), "salon-1")
	ctx = WithSessionID(ctx, "s1")
	ctx, span := StartSpan(ctx, "test", "test.turn")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	assert.NotEmpty(t, GetTraceID(ctx), "span trace ID is copied into the context")
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()), "second shutdown")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "test.turn")
	assert.Contains(t, out, "salon-1")
	assert.Contains(t, out, "boom")
}

func TestStartSpan_KeepsExistingTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-fixed")
	ctx, span := StartSpan(ctx, "test", "test.keep")
	defer span.End()
	assert.Equal(t, "trace-fixed", GetTraceID(ctx))
}

func TestProvider_NilShutdown(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
