package store

// Schema is the DDL of the audit history.
const Schema = `
-- One row per completed scan.
CREATE TABLE IF NOT EXISTS audit_runs (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    page_id     TEXT NOT NULL DEFAULT '',
    page_url    TEXT NOT NULL DEFAULT '',
    target      TEXT NOT NULL DEFAULT '',
    initial     INTEGER NOT NULL DEFAULT 0,
    violations  INTEGER NOT NULL DEFAULT 0,
    added       INTEGER NOT NULL DEFAULT 0,
    removed     INTEGER NOT NULL DEFAULT 0,
    critical    INTEGER NOT NULL DEFAULT 0,
    serious     INTEGER NOT NULL DEFAULT 0,
    moderate    INTEGER NOT NULL DEFAULT 0,
    minor       INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_page ON audit_runs(page_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_created ON audit_runs(created_at DESC);

-- Violations of a run. status: open (seen before), new (added by this
-- run) or resolved (gone since the previous run).
CREATE TABLE IF NOT EXISTS audit_violations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL,
    rule_id     TEXT NOT NULL,
    impact      TEXT NOT NULL,
    status      TEXT NOT NULL,
    help        TEXT NOT NULL DEFAULT '',
    help_url    TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    nodes       TEXT NOT NULL DEFAULT '[]',
    node_count  INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (run_id) REFERENCES audit_runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_violations_run ON audit_violations(run_id);
CREATE INDEX IF NOT EXISTS idx_violations_rule ON audit_violations(rule_id, status);
`
