package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    type TEXT NOT NULL,
    data TEXT,
    profile_id TEXT,
    device_fingerprint TEXT,
    ip_address TEXT,
    amount REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id);
CREATE INDEX IF NOT EXISTS idx_events_ip ON events(project_id, ip_address, created_at);
CREATE INDEX IF NOT EXISTS idx_events_profile ON events(project_id, profile_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_device ON events(project_id, device_fingerprint, created_at);
`

const schemaProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    last_activity TIMESTAMP,
    PRIMARY KEY (id, project_id)
);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    name TEXT NOT NULL,
    project_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    conditions TEXT NOT NULL,
    action TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    description TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (name, project_id)
);

CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(project_id, enabled);
`

const schemaCompositions = `
CREATE TABLE IF NOT EXISTS compositions (
    name TEXT NOT NULL,
    project_id TEXT NOT NULL,
    operator TEXT NOT NULL,
    rules TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (name, project_id)
);

CREATE INDEX IF NOT EXISTS idx_compositions_enabled ON compositions(project_id, enabled);
`

const schemaMatrixEntries = `
CREATE TABLE IF NOT EXISTS matrix_entries (
    project_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    risk_band TEXT NOT NULL,
    customer_segment TEXT NOT NULL,
    action TEXT NOT NULL,
    max_fpr REAL NOT NULL,
    confidence_threshold REAL NOT NULL DEFAULT 0.8,
    notes TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (project_id, event_type, risk_band, customer_segment)
);
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    action TEXT NOT NULL,
    risk_score REAL NOT NULL,
    risk_band TEXT NOT NULL,
    confidence REAL NOT NULL,
    reasons TEXT NOT NULL,
    rules_fired TEXT NOT NULL,
    metadata TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_project ON decisions(project_id);
CREATE INDEX IF NOT EXISTS idx_decisions_event ON decisions(project_id, event_id);
CREATE INDEX IF NOT EXISTS idx_decisions_action ON decisions(project_id, action);
`

const schemaFeedback = `
CREATE TABLE IF NOT EXISTS decision_feedback (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    decision_id TEXT NOT NULL,
    matrix_key TEXT NOT NULL,
    false_positive INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_matrix ON decision_feedback(project_id, matrix_key);
CREATE INDEX IF NOT EXISTS idx_feedback_decision ON decision_feedback(project_id, decision_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaProfiles,
		schemaRules,
		schemaCompositions,
		schemaMatrixEntries,
		schemaDecisions,
		schemaFeedback,
	}
}
