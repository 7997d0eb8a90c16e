package tracing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures the tracer provider.
type Options struct {
	ServiceName string
	// SampleRatio is the fraction of root spans kept; values outside (0,1]
	// keep everything.
	SampleRatio float64
	// File receives finished spans as JSON lines. Empty keeps spans in
	// process only, which still yields trace IDs for logs and audit.
	File string
}

// Provider owns the process tracer provider and its span file.
type Provider struct {
	tp   *sdktrace.TracerProvider
	file *os.File
}

// Setup installs a tracer provider as the otel global.
func Setup(opts Options) (*Provider, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "concierge"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(opts.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}

	p := &Provider{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create trace directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create span exporter: %w", err)
		}
		p.file = f
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	p.tp = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(p.tp)
	return p, nil
}

// Shutdown flushes pending spans and closes the span file.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	err := p.tp.Shutdown(ctx)
	if p.file != nil {
		err = errors.Join(err, p.file.Close())
		p.file = nil
	}
	return err
}

// StartSpan starts a span carrying the tenant and session found in ctx. When
// ctx has no trace ID yet, the span's trace ID becomes the context trace ID
// so logs and audit records line up with exported spans.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if tenant := GetTenantID(ctx); tenant != "" {
		attrs = append(attrs, attribute.String("tenant.id", tenant))
	}
	if session := GetSessionID(ctx); session != "" {
		attrs = append(attrs, attribute.String("session.id", session))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// RecordError marks the span failed. A nil error is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
