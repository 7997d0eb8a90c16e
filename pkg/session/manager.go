package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	"github.com/harun/concierge/pkg/breaker"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const maxSessionIDLength = 128

// Config holds session lifecycle limits.
type Config struct {
	// TTL is the idle time after which a session is no longer resumed.
	TTL time.Duration
	// MaxHistory caps the stored history to the most recent messages.
	MaxHistory int
}

// DefaultConfig returns the default session limits.
func DefaultConfig() Config {
	return Config{TTL: 24 * time.Hour, MaxHistory: 50}
}

// Manager resolves sessions for incoming turns.
type Manager struct {
	store    Store
	breakers *breaker.Registry
	audit    observability.AuditSink
	now      func() time.Time
	newID    func() string

	mu  sync.RWMutex
	cfg Config
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator sets the generator for new session IDs.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager creates a session manager. breakers may be nil, in which case
// no breaker is attached on creation.
func NewManager(store Store, breakers *breaker.Registry, audit observability.AuditSink, cfg Config, opts ...Option) *Manager {
	observability.EnsureRegistered()
	if audit == nil {
		audit = observability.NopSink{}
	}
	m := &Manager{
		store:    store,
		breakers: breakers,
		audit:    audit,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// validateSessionID rejects IDs that are unsafe to log or key on.
func validateSessionID(id string) error {
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, maxSessionIDLength)
	}
	if strings.ContainsFunc(id, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return fmt.Errorf("%w: contains control characters", ErrInvalidID)
	}
	return nil
}

// GetOrCreate returns the tenant's session requestedID when it exists and
// has not expired. Otherwise it creates one: under requestedID if that ID is
// unused, else under a fresh ID. A requestedID owned by another tenant is
// treated as not found and recorded as a security event.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID, requestedID string) (*Session, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithTenantID(ctx, tenantID)
	ctx, span := tracing.StartSpan(
		ctx,
		"concierge.session",
		"session.get_or_create",
		attribute.String("session.requested_id", requestedID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if tenantID == "" {
		tracing.RecordError(span, ErrTenantRequired)
		return nil, false, ErrTenantRequired
	}

	reason := "new"
	candidateID := requestedID
	if requestedID != "" {
		if err := validateSessionID(requestedID); err != nil {
			logger.Warn().Err(err).Msg("Ignoring invalid requested session id")
			candidateID = ""
			reason = "invalid_id"
		} else {
			existing, err := m.store.Get(ctx, tenantID, requestedID)
			switch {
			case err == nil && !existing.Expired(m.now(), m.config().TTL):
				span.SetAttributes(attribute.Bool("session.created", false))
				return existing, false, nil
			case err == nil:
				logger.Info().Str("session_id", requestedID).Time("last_activity", existing.LastActivityAt).Msg("Session expired, starting a new one")
				candidateID = ""
				reason = "expired"
			case errors.Is(err, ErrNotFound):
				if owner, oerr := m.store.Owner(ctx, requestedID); oerr == nil && owner != tenantID {
					m.tenantMismatch(ctx, tenantID, requestedID)
					candidateID = ""
					reason = "tenant_mismatch"
				}
			default:
				tracing.RecordError(span, err)
				return nil, false, fmt.Errorf("failed to load session: %w", err)
			}
		}
	}

	s, created, err := m.create(ctx, tenantID, candidateID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, false, err
	}
	switch {
	case s.TenantID != tenantID:
		// Another tenant claimed the requested ID between our read and insert.
		m.tenantMismatch(ctx, tenantID, candidateID)
		reason = "tenant_mismatch"
		if s, _, err = m.create(ctx, tenantID, ""); err != nil {
			tracing.RecordError(span, err)
			return nil, false, err
		}
	case !created:
		// A concurrent request of the same tenant created it first.
		span.SetAttributes(attribute.Bool("session.created", false))
		return s, false, nil
	}

	if m.breakers != nil {
		m.breakers.Get(s.ID)
	}
	observability.RecordSessionCreated(reason)
	span.SetAttributes(attribute.Bool("session.created", true), attribute.String("session.id", s.ID))
	logger.Info().Str("session_id", s.ID).Str("reason", reason).Msg("Session created")
	return s, true, nil
}

// create inserts a session under id, or under a fresh ID when id is empty.
// When id already exists the stored session is returned unchanged.
func (m *Manager) create(ctx context.Context, tenantID, id string) (*Session, bool, error) {
	if id == "" {
		id = m.newID()
	}
	now := m.now()
	s, created, err := m.store.FindOrCreate(ctx, &Session{
		ID:             id,
		TenantID:       tenantID,
		CreatedAt:      now,
		LastActivityAt: now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	return s, created, nil
}

func (m *Manager) tenantMismatch(ctx context.Context, tenantID, sessionID string) {
	observability.RecordSecurityEvent("session_tenant_mismatch")
	m.audit.RecordSecurity(ctx, observability.SecurityEvent{
		Action:    "session_tenant_mismatch",
		TenantID:  tenantID,
		SessionID: sessionID,
		Resource:  "session",
	})
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Warn().
		Bool("security", true).
		Str("requested_session_id", sessionID).
		Msg("Requested session belongs to another tenant")
}

// Get returns a session of the tenant.
func (m *Manager) Get(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	return m.store.Get(ctx, tenantID, sessionID)
}

// AppendMessages appends msgs to the session history and bumps its
// activity time.
func (m *Manager) AppendMessages(ctx context.Context, tenantID, sessionID string, msgs ...Message) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"concierge.session",
		"session.append_messages",
		attribute.Int("session.messages", len(msgs)),
	)
	defer span.End()

	if tenantID == "" {
		tracing.RecordError(span, ErrTenantRequired)
		return nil, ErrTenantRequired
	}

	now := m.now()
	valid := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == "" || msg.Content == "" {
			continue
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		valid = append(valid, msg)
	}

	s, err := m.store.AppendMessages(ctx, tenantID, sessionID, now, m.config().MaxHistory, valid...)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return s, nil
}

// SetConfig replaces the lifecycle limits.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}
