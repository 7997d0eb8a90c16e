// Package sqldb is a durable session and proposal store on sqlite3 or
// postgres. Every proposal transition is a single conditional UPDATE on the
// current status, so concurrent processes sharing a database still see
// exactly one winner.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/harun/concierge/pkg/proposal"
	"github.com/harun/concierge/pkg/session"
	"github.com/harun/concierge/pkg/tools"
)

// Store owns the connection pool. Sessions and Proposals return views
// implementing session.Store and proposal.Store.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// SessionStore implements session.Store.
type SessionStore struct{ *Store }

// ProposalStore implements proposal.Store.
type ProposalStore struct{ *Store }

var (
	_ session.Store  = SessionStore{}
	_ proposal.Store = ProposalStore{}
)

// Sessions returns the session view of the store.
func (s *Store) Sessions() SessionStore {
	return SessionStore{s}
}

// Proposals returns the proposal view of the store.
func (s *Store) Proposals() ProposalStore {
	return ProposalStore{s}
}

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite3 or pgx
	DSN    string
}

// New opens the database and creates the schema if needed.
func New(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(d.driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.maxOpenConns > 0 {
		db.SetMaxOpenConns(d.maxOpenConns)
	}

	for _, stmt := range d.pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db, dialect: d}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dialect", d.name).Msg("SQL store ready")
	return s, nil
}

// NewSQLite opens a sqlite database at path.
func NewSQLite(ctx context.Context, path string) (*Store, error) {
	return New(ctx, Config{Driver: "sqlite3", DSN: path})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			last_activity_at BIGINT NOT NULL,
			history TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			trust_tier TEXT NOT NULL,
			payload TEXT NOT NULL,
			preview TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			confirm_after BIGINT NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL DEFAULT 0,
			confirmed_at BIGINT NOT NULL DEFAULT 0,
			resolved_at BIGINT NOT NULL DEFAULT 0,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_scope ON proposals(tenant_id, session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type sessionRow struct {
	ID             string `db:"id"`
	TenantID       string `db:"tenant_id"`
	CreatedAt      int64  `db:"created_at"`
	LastActivityAt int64  `db:"last_activity_at"`
	History        string `db:"history"`
}

func (r sessionRow) toSession() (*session.Session, error) {
	s := &session.Session{
		ID:             r.ID,
		TenantID:       r.TenantID,
		CreatedAt:      fromNanos(r.CreatedAt),
		LastActivityAt: fromNanos(r.LastActivityAt),
	}
	if err := json.Unmarshal([]byte(r.History), &s.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return s, nil
}

const sessionColumns = `id, tenant_id, created_at, last_activity_at, history`

// FindOrCreate inserts candidate with ON CONFLICT DO NOTHING and reads back
// whatever row owns the ID.
func (s SessionStore) FindOrCreate(ctx context.Context, candidate *session.Session) (*session.Session, bool, error) {
	history, err := json.Marshal(nonNilHistory(candidate.History))
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal history: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		candidate.ID, candidate.TenantID, toNanos(candidate.CreatedAt), toNanos(candidate.LastActivityAt), string(history))
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	var row sessionRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), candidate.ID); err != nil {
		return nil, false, fmt.Errorf("failed to read session: %w", err)
	}
	out, err := row.toSession()
	if err != nil {
		return nil, false, err
	}
	return out, n == 1, nil
}

func (s SessionStore) Get(ctx context.Context, tenantID, sessionID string) (*session.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND tenant_id = ?`), sessionID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toSession()
}

func (s SessionStore) Owner(ctx context.Context, sessionID string) (string, error) {
	var tenantID string
	err := s.db.GetContext(ctx, &tenantID, s.db.Rebind(`SELECT tenant_id FROM sessions WHERE id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", session.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session owner: %w", err)
	}
	return tenantID, nil
}

func (s SessionStore) AppendMessages(ctx context.Context, tenantID, sessionID string, at time.Time, maxHistory int, msgs ...session.Message) (*session.Session, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row sessionRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND tenant_id = ?`+s.dialect.lockClause), sessionID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess, err := row.toSession()
	if err != nil {
		return nil, err
	}

	sess.History = session.TrimHistory(append(sess.History, msgs...), maxHistory)
	if at.After(sess.LastActivityAt) {
		sess.LastActivityAt = at
	}
	history, err := json.Marshal(nonNilHistory(sess.History))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE sessions SET history = ?, last_activity_at = ? WHERE id = ? AND tenant_id = ?`),
		string(history), toNanos(sess.LastActivityAt), sessionID, tenantID); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}
	return sess, nil
}

func nonNilHistory(h []session.Message) []session.Message {
	if h == nil {
		return []session.Message{}
	}
	return h
}

type proposalRow struct {
	ID           string `db:"id"`
	TenantID     string `db:"tenant_id"`
	SessionID    string `db:"session_id"`
	ToolName     string `db:"tool_name"`
	TrustTier    string `db:"trust_tier"`
	Payload      string `db:"payload"`
	Preview      string `db:"preview"`
	Status       string `db:"status"`
	CreatedAt    int64  `db:"created_at"`
	ConfirmAfter int64  `db:"confirm_after"`
	ExpiresAt    int64  `db:"expires_at"`
	ConfirmedAt  int64  `db:"confirmed_at"`
	ResolvedAt   int64  `db:"resolved_at"`
	Result       string `db:"result"`
	Error        string `db:"error"`
	Reason       string `db:"reason"`
}

const proposalColumns = `id, tenant_id, session_id, tool_name, trust_tier, payload, preview, status,
	created_at, confirm_after, expires_at, confirmed_at, resolved_at, result, error, reason`

func (r proposalRow) toProposal() (*proposal.Proposal, error) {
	tier, err := tools.ParseTier(r.TrustTier)
	if err != nil {
		return nil, fmt.Errorf("proposal %s: %w", r.ID, err)
	}
	p := &proposal.Proposal{
		ID:           r.ID,
		TenantID:     r.TenantID,
		SessionID:    r.SessionID,
		ToolName:     r.ToolName,
		Tier:         tier,
		Preview:      r.Preview,
		Status:       proposal.Status(r.Status),
		CreatedAt:    fromNanos(r.CreatedAt),
		ConfirmAfter: fromNanos(r.ConfirmAfter),
		ExpiresAt:    fromNanos(r.ExpiresAt),
		ConfirmedAt:  fromNanos(r.ConfirmedAt),
		ResolvedAt:   fromNanos(r.ResolvedAt),
		Result:       r.Result,
		Error:        r.Error,
		Reason:       r.Reason,
	}
	if err := json.Unmarshal([]byte(r.Payload), &p.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return p, nil
}

func toProposals(rows []proposalRow) ([]*proposal.Proposal, error) {
	out := make([]*proposal.Proposal, 0, len(rows))
	for _, r := range rows {
		p, err := r.toProposal()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s ProposalStore) Create(ctx context.Context, p *proposal.Proposal) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		p.ID, p.TenantID, p.SessionID, p.ToolName, p.Tier.String(), string(payload), p.Preview, string(p.Status),
		toNanos(p.CreatedAt), toNanos(p.ConfirmAfter), toNanos(p.ExpiresAt), toNanos(p.ConfirmedAt), toNanos(p.ResolvedAt),
		p.Result, p.Error, p.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", proposal.ErrAlreadyExists, p.ID)
	}
	return nil
}

func (s ProposalStore) Get(ctx context.Context, scope proposal.Scope, id string) (*proposal.Proposal, error) {
	return s.getProposal(ctx, s.db, scope, id)
}

func (s ProposalStore) getProposal(ctx context.Context, q sqlx.QueryerContext, scope proposal.Scope, id string) (*proposal.Proposal, error) {
	var row proposalRow
	err := sqlx.GetContext(ctx, q, &row, s.db.Rebind(`SELECT `+proposalColumns+` FROM proposals
		WHERE id = ? AND tenant_id = ? AND session_id = ?`), id, scope.TenantID, scope.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, proposal.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return row.toProposal()
}

func (s ProposalStore) Owner(ctx context.Context, id string) (proposal.Scope, error) {
	var row struct {
		TenantID  string `db:"tenant_id"`
		SessionID string `db:"session_id"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT tenant_id, session_id FROM proposals WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return proposal.Scope{}, proposal.ErrNotFound
	}
	if err != nil {
		return proposal.Scope{}, fmt.Errorf("failed to get proposal owner: %w", err)
	}
	return proposal.Scope{TenantID: row.TenantID, SessionID: row.SessionID}, nil
}

func (s ProposalStore) ListByStatus(ctx context.Context, scope proposal.Scope, statuses ...proposal.Status) ([]*proposal.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE tenant_id = ? AND session_id = ?`
	args := []interface{}{scope.TenantID, scope.SessionID}
	if len(statuses) > 0 {
		in, inArgs, err := sqlx.In(` AND status IN (?)`, statusStrings(statuses))
		if err != nil {
			return nil, fmt.Errorf("failed to build status filter: %w", err)
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY created_at, id`

	var rows []proposalRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	return toProposals(rows)
}

func statusStrings(statuses []proposal.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// Transition is a compare-and-swap on status. A zero-row UPDATE is resolved
// into ErrNotFound or ErrConflict with a scoped read.
func (s ProposalStore) Transition(ctx context.Context, scope proposal.Scope, id string, from, to proposal.Status, patch proposal.Patch) (*proposal.Proposal, error) {
	if !proposal.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", proposal.ErrInvalidTransition, from, to)
	}

	sets := []string{"status = ?"}
	args := []interface{}{string(to)}
	if !patch.ConfirmedAt.IsZero() {
		sets = append(sets, "confirmed_at = ?")
		args = append(args, toNanos(patch.ConfirmedAt))
	}
	if !patch.ResolvedAt.IsZero() {
		sets = append(sets, "resolved_at = ?")
		args = append(args, toNanos(patch.ResolvedAt))
	}
	if patch.Result != "" {
		sets = append(sets, "result = ?")
		args = append(args, patch.Result)
	}
	if patch.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, patch.Error)
	}
	if patch.Reason != "" {
		sets = append(sets, "reason = ?")
		args = append(args, patch.Reason)
	}
	args = append(args, id, scope.TenantID, scope.SessionID, string(from))

	query := `UPDATE proposals SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND tenant_id = ? AND session_id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}

	current, err := s.getProposal(ctx, s.db, scope, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", proposal.ErrConflict, id, current.Status, from)
	}
	return current, nil
}

func (s ProposalStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*proposal.Proposal, error) {
	if limit <= 0 {
		limit = 1000
	}
	ts := toNanos(now)
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE
		(status = ? AND trust_tier = ? AND confirm_after > 0 AND confirm_after <= ?)
		OR (status = ? AND trust_tier = ? AND expires_at > 0 AND expires_at <= ?)
		OR status = ?
		ORDER BY created_at, id LIMIT ?`

	var rows []proposalRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query),
		string(proposal.StatusPending), tools.T2.String(), ts,
		string(proposal.StatusPending), tools.T3.String(), ts,
		string(proposal.StatusConfirmed),
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due proposals: %w", err)
	}
	return toProposals(rows)
}
