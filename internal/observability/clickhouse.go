package observability

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
)

const (
	chBufferSize    = 10_000
	chFlushInterval = 100 * time.Millisecond
	chFlushBatch    = 1000
	chDrainTimeout  = 2 * time.Second
)

// ClickHouseOptions configures the ClickHouse audit sink.
type ClickHouseOptions struct {
	DSN string
	// Table receives tool audit records.
	Table string
	// SecurityTable receives security events.
	SecurityTable string
	// TLS enables TLS when the DSN does not already configure it.
	TLS bool
}

type chItem struct {
	rec      *AuditRecord
	security *SecurityEvent
}

// ClickHouseAuditSink batches audit records into ClickHouse. Record is
// non-blocking: records are dropped when the buffer is full.
type ClickHouseAuditSink struct {
	conn    driver.Conn
	opts    ClickHouseOptions
	buffer  chan chItem
	done    chan struct{}
	flushed chan struct{}
	logger  zerolog.Logger
}

// NewClickHouseAuditSink connects, pings and starts the flush loop.
func NewClickHouseAuditSink(ctx context.Context, opts ClickHouseOptions, logger zerolog.Logger) (*ClickHouseAuditSink, error) {
	chOpts, err := clickhouse.ParseDSN(opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.TLS && chOpts.TLS == nil {
		chOpts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if opts.Table == "" {
		opts.Table = "tool_audit"
	}
	if opts.SecurityTable == "" {
		opts.SecurityTable = "security_events"
	}

	s := &ClickHouseAuditSink{
		conn:    conn,
		opts:    opts,
		buffer:  make(chan chItem, chBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger.With().Str("component", "clickhouse_audit").Logger(),
	}
	go s.flushLoop()
	return s, nil
}

func (s *ClickHouseAuditSink) enqueue(item chItem) {
	select {
	case s.buffer <- item:
	default:
		RecordAuditDropped()
		s.logger.Warn().Msg("clickhouse buffer full, dropping audit record")
	}
}

func (s *ClickHouseAuditSink) Record(ctx context.Context, rec AuditRecord) {
	rec = PrepareRecord(ctx, rec)
	s.enqueue(chItem{rec: &rec})
}

func (s *ClickHouseAuditSink) RecordSecurity(ctx context.Context, ev SecurityEvent) {
	ev = PrepareSecurity(ctx, ev)
	s.enqueue(chItem{security: &ev})
}

// Close drains buffered records and closes the connection.
func (s *ClickHouseAuditSink) Close() error {
	close(s.done)
	<-s.flushed
	return s.conn.Close()
}

func (s *ClickHouseAuditSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()

	batch := make([]chItem, 0, chFlushBatch)

	for {
		select {
		case item := <-s.buffer:
			batch = append(batch, item)
			if len(batch) >= chFlushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), chDrainTimeout)
			defer cancel()
		drain:
			for {
				select {
				case item := <-s.buffer:
					batch = append(batch, item)
				case <-drainCtx.Done():
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *ClickHouseAuditSink) flush(items []chItem) {
	var records []*AuditRecord
	var events []*SecurityEvent
	for _, it := range items {
		if it.rec != nil {
			records = append(records, it.rec)
		}
		if it.security != nil {
			events = append(events, it.security)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(records) > 0 {
		s.flushRecords(ctx, records)
	}
	if len(events) > 0 {
		s.flushSecurity(ctx, events)
	}
}

func (s *ClickHouseAuditSink) flushRecords(ctx context.Context, records []*AuditRecord) {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO `+s.opts.Table+` (
			timestamp, tenant_id, session_id, tool_name, trust_tier,
			approval_status, duration_ms, success, input_summary,
			output_summary, proposal_id, trace_id
		)
	`)
	if err != nil {
		s.logger.Error().Err(err).Msg("clickhouse prepare batch failed")
		return
	}

	for _, r := range records {
		var success uint8
		if r.Success {
			success = 1
		}
		if err := batch.Append(
			r.Timestamp,
			r.TenantID,
			r.SessionID,
			r.ToolName,
			r.TrustTier,
			r.ApprovalStatus,
			r.DurationMs,
			success,
			r.InputSummary,
			r.OutputSummary,
			r.ProposalID,
			r.TraceID,
		); err != nil {
			s.logger.Error().Err(err).Str("tool", r.ToolName).Msg("clickhouse append record failed")
		}
	}

	if err := batch.Send(); err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(records)).Msg("clickhouse batch send failed")
	}
}

func (s *ClickHouseAuditSink) flushSecurity(ctx context.Context, events []*SecurityEvent) {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO `+s.opts.SecurityTable+` (
			timestamp, action, tenant_id, session_id, resource, detail, trace_id
		)
	`)
	if err != nil {
		s.logger.Error().Err(err).Msg("clickhouse prepare security batch failed")
		return
	}

	for _, e := range events {
		detail := e.Detail
		if detail == nil {
			detail = map[string]string{}
		}
		if err := batch.Append(
			e.Timestamp,
			e.Action,
			e.TenantID,
			e.SessionID,
			e.Resource,
			detail,
			e.TraceID,
		); err != nil {
			s.logger.Error().Err(err).Str("action", e.Action).Msg("clickhouse append security event failed")
		}
	}

	if err := batch.Send(); err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(events)).Msg("clickhouse security batch send failed")
	}
}
