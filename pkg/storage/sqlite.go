package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"sentinel-hq/arbiter/pkg/audit"
	"sentinel-hq/arbiter/pkg/deliberation"
	"sentinel-hq/arbiter/pkg/event"
	"sentinel-hq/arbiter/pkg/violation"
)

// SQLiteStore implements Store on a SQLite database. It is suitable for
// single-instance deployments that need durability across restarts.
//
// The store opens the database in WAL mode with a busy timeout, and
// limits the pool to one writer connection.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore opens (or creates) the database at path with defaults.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{Path: path})
}

// NewSQLiteStoreWithConfig opens the database with custom configuration
// and applies the schema.
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeText and timePtrText render timestamps as RFC 3339 with nanoseconds.

func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timePtrText(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeText(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func jsonText(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// PutEvent inserts or replaces the event row.
func (s *SQLiteStore) PutEvent(ctx context.Context, ev *event.Event) error {
	payload, err := jsonText(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	result, err := jsonText(ev.Result)
	if err != nil {
		return fmt.Errorf("encode event result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO events
			(id, tenant_id, agent_id, type, content, payload, severity_hint,
			 received_at, status, result, flagged_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.AgentID, string(ev.Type), ev.Content, payload,
		ev.SeverityHint, timeText(ev.ReceivedAt), string(ev.Status), result,
		ev.FlaggedReason)
	if err != nil {
		return fmt.Errorf("put event %s: %w", ev.ID, err)
	}
	return nil
}

// GetEvent loads the event, scoped to the tenant.
func (s *SQLiteStore) GetEvent(ctx context.Context, tenantID, id string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, agent_id, type, content, payload, severity_hint,
		       received_at, status, result, flagged_reason
		FROM events WHERE id = ? AND tenant_id = ?`, id, tenantID)

	var ev event.Event
	var typ, status, receivedAt string
	var payload, result sql.NullString
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.AgentID, &typ, &ev.Content,
		&payload, &ev.SeverityHint, &receivedAt, &status, &result, &ev.FlaggedReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s for tenant %s: %w", id, tenantID, ErrEventNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}

	ev.Type = event.Type(typ)
	ev.Status = event.Status(status)
	ev.ReceivedAt = parseTime(receivedAt)
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &ev.Result); err != nil {
			return nil, fmt.Errorf("decode event result: %w", err)
		}
	}
	return &ev, nil
}

// UpdateEvent replaces the stored event.
func (s *SQLiteStore) UpdateEvent(ctx context.Context, ev *event.Event) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, ev.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("event %s: %w", ev.ID, ErrEventNotFound)
	}
	if err != nil {
		return fmt.Errorf("update event %s: %w", ev.ID, err)
	}
	return s.PutEvent(ctx, ev)
}

// PutViolation inserts or replaces the violation row.
func (s *SQLiteStore) PutViolation(ctx context.Context, v *violation.Violation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO violations
			(id, tenant_id, event_id, rule_id, rule_name, action, severity,
			 detail, resolved, resolved_by, resolution_note, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TenantID, v.EventID, v.RuleID, v.RuleName, string(v.Action),
		v.Severity, v.Detail, boolInt(v.Resolved), v.ResolvedBy, v.ResolutionNote,
		timePtrText(v.ResolvedAt), timeText(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("put violation %s: %w", v.ID, err)
	}
	return nil
}

// GetViolation loads the violation, scoped to the tenant.
func (s *SQLiteStore) GetViolation(ctx context.Context, tenantID, id string) (*violation.Violation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, event_id, rule_id, rule_name, action, severity,
		       detail, resolved, resolved_by, resolution_note, resolved_at, created_at
		FROM violations WHERE id = ? AND tenant_id = ?`, id, tenantID)

	v, err := scanViolation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("violation %s for tenant %s: %w", id, tenantID, violation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get violation %s: %w", id, err)
	}
	return v, nil
}

// UpdateViolation replaces the stored violation.
func (s *SQLiteStore) UpdateViolation(ctx context.Context, v *violation.Violation) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM violations WHERE id = ?`, v.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("violation %s: %w", v.ID, violation.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update violation %s: %w", v.ID, err)
	}
	return s.PutViolation(ctx, v)
}

// CountViolationsByRule counts violations referencing the rule.
func (s *SQLiteStore) CountViolationsByRule(ctx context.Context, tenantID, ruleID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM violations WHERE tenant_id = ? AND rule_id = ?`,
		tenantID, ruleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count violations for rule %s: %w", ruleID, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanViolation(row rowScanner) (*violation.Violation, error) {
	var v violation.Violation
	var action string
	var resolved int
	var resolvedAt sql.NullString
	var createdAt string
	err := row.Scan(&v.ID, &v.TenantID, &v.EventID, &v.RuleID, &v.RuleName,
		&action, &v.Severity, &v.Detail, &resolved, &v.ResolvedBy,
		&v.ResolutionNote, &resolvedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	v.Action = event.Action(action)
	v.Resolved = resolved != 0
	v.ResolvedAt = parseTimePtr(resolvedAt)
	v.CreatedAt = parseTime(createdAt)
	return &v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// PutSession inserts or replaces the session row.
func (s *SQLiteStore) PutSession(ctx context.Context, sess *deliberation.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, tenant_id, event_id, workflow_id, trig, status, started_at,
			 completed_at, error_message, retention_id, wipe_at, wiped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TenantID, sess.EventID, sess.WorkflowID,
		string(sess.Trigger), string(sess.Status), timeText(sess.StartedAt),
		timePtrText(sess.CompletedAt), sess.ErrorMessage, sess.RetentionID,
		timePtrText(sess.WipeAt), boolInt(sess.Wiped))
	if err != nil {
		return fmt.Errorf("put session %s: %w", sess.ID, err)
	}
	return nil
}

// UpdateSession replaces the stored session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *deliberation.Session) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sess.ID, deliberation.ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	return s.PutSession(ctx, sess)
}

// GetSession loads the session.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*deliberation.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, event_id, workflow_id, trig, status, started_at,
		       completed_at, error_message, retention_id, wipe_at, wiped
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, deliberation.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func scanSession(row rowScanner) (*deliberation.Session, error) {
	var sess deliberation.Session
	var trigger, status, startedAt string
	var completedAt, wipeAt sql.NullString
	var wiped int
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.EventID, &sess.WorkflowID,
		&trigger, &status, &startedAt, &completedAt, &sess.ErrorMessage,
		&sess.RetentionID, &wipeAt, &wiped)
	if err != nil {
		return nil, err
	}
	sess.Trigger = deliberation.Trigger(trigger)
	sess.Status = deliberation.Status(status)
	sess.StartedAt = parseTime(startedAt)
	sess.CompletedAt = parseTimePtr(completedAt)
	sess.WipeAt = parseTimePtr(wipeAt)
	sess.Wiped = wiped != 0
	return &sess, nil
}

// PutInstance inserts or replaces the agent instance row.
func (s *SQLiteStore) PutInstance(ctx context.Context, inst *deliberation.AgentInstance) error {
	return s.upsertInstance(ctx, inst)
}

// UpdateInstance replaces the stored instance.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *deliberation.AgentInstance) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agent_instances WHERE id = ?`, inst.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("instance %s: %w", inst.ID, deliberation.ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	return s.upsertInstance(ctx, inst)
}

func (s *SQLiteStore) upsertInstance(ctx context.Context, inst *deliberation.AgentInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agent_instances
			(id, session_id, persona_id, persona_name, step, prompt_template,
			 final_vote, final_confidence, final_reasoning)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.SessionID, inst.PersonaID, inst.PersonaName, inst.Step,
		inst.PromptTemplate, string(inst.FinalVote), inst.FinalConfidence,
		inst.FinalReasoning)
	if err != nil {
		return fmt.Errorf("put instance %s: %w", inst.ID, err)
	}
	return nil
}

// ListInstances returns the session's instances in step order.
func (s *SQLiteStore) ListInstances(ctx context.Context, sessionID string) ([]*deliberation.AgentInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, persona_id, persona_name, step, prompt_template,
		       final_vote, final_confidence, final_reasoning
		FROM agent_instances WHERE session_id = ? ORDER BY step, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list instances for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*deliberation.AgentInstance
	for rows.Next() {
		var inst deliberation.AgentInstance
		var vote string
		if err := rows.Scan(&inst.ID, &inst.SessionID, &inst.PersonaID,
			&inst.PersonaName, &inst.Step, &inst.PromptTemplate,
			&vote, &inst.FinalConfidence, &inst.FinalReasoning); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst.FinalVote = event.Action(vote)
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// PutMessage appends the message, assigning a monotonic sequence number
// so transcript order survives identical timestamps.
func (s *SQLiteStore) PutMessage(ctx context.Context, m *deliberation.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages
			(id, session_id, instance_id, round, kind, vote, confidence,
			 content, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			COALESCE((SELECT seq FROM messages WHERE id = ?),
			         COALESCE((SELECT MAX(seq) FROM messages WHERE session_id = ?), 0) + 1))`,
		m.ID, m.SessionID, m.InstanceID, m.Round, string(m.Kind),
		string(m.Vote), m.Confidence, m.Content, timeText(m.CreatedAt),
		m.ID, m.SessionID)
	if err != nil {
		return fmt.Errorf("put message %s: %w", m.ID, err)
	}
	return nil
}

// UpdateMessage replaces the stored message, keeping its sequence number.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, m *deliberation.Message) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, m.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", m.ID, deliberation.ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("update message %s: %w", m.ID, err)
	}
	return s.PutMessage(ctx, m)
}

// ListMessages returns the session's messages in transcript order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*deliberation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, instance_id, round, kind, vote, confidence,
		       content, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*deliberation.Message
	for rows.Next() {
		var m deliberation.Message
		var kind, vote, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.InstanceID, &m.Round,
			&kind, &vote, &m.Confidence, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Kind = deliberation.MessageKind(kind)
		m.Vote = event.Action(vote)
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// PutVerdict inserts the session's verdict. The UNIQUE constraint on
// session_id enforces exactly-once creation.
func (s *SQLiteStore) PutVerdict(ctx context.Context, v *deliberation.Verdict) error {
	dissents, err := jsonText(v.Dissents)
	if err != nil {
		return fmt.Errorf("encode dissents: %w", err)
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM verdicts WHERE session_id = ?`, v.SessionID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("session %s: %w", v.SessionID, deliberation.ErrVerdictExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("put verdict for session %s: %w", v.SessionID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verdicts
			(id, session_id, decision, confidence, reasoning,
			 consensus_reached, dissents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.SessionID, string(v.Decision), v.Confidence, v.Reasoning,
		boolInt(v.ConsensusReached), dissents, timeText(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("put verdict for session %s: %w", v.SessionID, err)
	}
	return nil
}

// GetVerdict loads the session's verdict.
func (s *SQLiteStore) GetVerdict(ctx context.Context, sessionID string) (*deliberation.Verdict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, decision, confidence, reasoning,
		       consensus_reached, dissents, created_at
		FROM verdicts WHERE session_id = ?`, sessionID)

	var v deliberation.Verdict
	var decision, createdAt string
	var reached int
	var dissents sql.NullString
	err := row.Scan(&v.ID, &v.SessionID, &decision, &v.Confidence, &v.Reasoning,
		&reached, &dissents, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verdict for session %s: %w", sessionID, deliberation.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get verdict for session %s: %w", sessionID, err)
	}

	v.Decision = event.Action(decision)
	v.ConsensusReached = reached != 0
	v.CreatedAt = parseTime(createdAt)
	if dissents.Valid {
		if err := json.Unmarshal([]byte(dissents.String), &v.Dissents); err != nil {
			return nil, fmt.Errorf("decode dissents: %w", err)
		}
	}
	return &v, nil
}

// ListWipeDue returns unwiped sessions whose wipe time has arrived.
func (s *SQLiteStore) ListWipeDue(ctx context.Context, now time.Time) ([]*deliberation.Session, error) {
	return s.querySessions(ctx, `
		SELECT id, tenant_id, event_id, workflow_id, trig, status, started_at,
		       completed_at, error_message, retention_id, wipe_at, wiped
		FROM sessions WHERE wiped = 0 AND wipe_at IS NOT NULL AND wipe_at <= ?`,
		timeText(now))
}

// ListActiveSessions returns sessions in a non-terminal status.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*deliberation.Session, error) {
	return s.querySessions(ctx, `
		SELECT id, tenant_id, event_id, workflow_id, trig, status, started_at,
		       completed_at, error_message, retention_id, wipe_at, wiped
		FROM sessions WHERE status IN (?, ?, ?, ?)`,
		string(deliberation.StatusPending), string(deliberation.StatusAnalyzing),
		string(deliberation.StatusDeliberating), string(deliberation.StatusVoting))
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*deliberation.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*deliberation.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// WriteAudit appends an audit entry.
func (s *SQLiteStore) WriteAudit(ctx context.Context, entry *audit.Entry) error {
	metadata, err := jsonText(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log
			(id, tenant_id, action, resource_type, resource_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.Action, entry.ResourceType,
		entry.ResourceID, metadata, timeText(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("write audit entry %s: %w", entry.ID, err)
	}
	return nil
}
