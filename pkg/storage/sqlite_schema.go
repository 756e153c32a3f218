package storage

// sqliteSchema is the complete schema, applied idempotently on open.
// Structured fields (payload, result, dissents, metadata) are stored as
// JSON text; timestamps are RFC 3339 text so rows stay greppable.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	type           TEXT NOT NULL,
	content        TEXT NOT NULL,
	payload        TEXT,
	severity_hint  TEXT,
	received_at    TEXT NOT NULL,
	status         TEXT NOT NULL,
	result         TEXT,
	flagged_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_tenant ON events(tenant_id);

CREATE TABLE IF NOT EXISTS violations (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	rule_id         TEXT NOT NULL,
	rule_name       TEXT NOT NULL,
	action          TEXT NOT NULL,
	severity        TEXT,
	detail          TEXT,
	resolved        INTEGER NOT NULL DEFAULT 0,
	resolved_by     TEXT,
	resolution_note TEXT,
	resolved_at     TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_violations_tenant ON violations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_violations_rule ON violations(tenant_id, rule_id);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	event_id      TEXT NOT NULL,
	workflow_id   TEXT NOT NULL,
	trig          TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	completed_at  TEXT,
	error_message TEXT,
	retention_id  TEXT,
	wipe_at       TEXT,
	wiped         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_wipe ON sessions(wiped, wipe_at);

CREATE TABLE IF NOT EXISTS agent_instances (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	persona_id       TEXT NOT NULL,
	persona_name     TEXT NOT NULL,
	step             INTEGER NOT NULL,
	prompt_template  TEXT,
	final_vote       TEXT,
	final_confidence REAL,
	final_reasoning  TEXT
);
CREATE INDEX IF NOT EXISTS idx_instances_session ON agent_instances(session_id, step);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	round       INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	vote        TEXT,
	confidence  REAL,
	content     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	seq         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS verdicts (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL UNIQUE,
	decision          TEXT NOT NULL,
	confidence        REAL NOT NULL,
	reasoning         TEXT,
	consensus_reached INTEGER NOT NULL,
	dissents          TEXT,
	created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	metadata      TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log(tenant_id, created_at);
`
