package store

// SchemaDDL defines the SQLite schema for the fleet runtime database.
// Tables: tasks, runs, leases, agents, events.
// The leases primary key on task_id is the fleet-wide mutual-exclusion
// primitive: an INSERT that violates it means the task is already owned.
const SchemaDDL = `
-- Units of work produced by the planner
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'queued',
    block_reason TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    risk_level TEXT NOT NULL DEFAULT 'medium',
    role TEXT NOT NULL DEFAULT 'worker',
    lane TEXT NOT NULL DEFAULT 'feature',
    kind TEXT NOT NULL DEFAULT 'code',
    depends_on TEXT NOT NULL DEFAULT '',
    target_area TEXT NOT NULL DEFAULT '',
    allowed_paths TEXT NOT NULL DEFAULT '',
    commands TEXT NOT NULL DEFAULT '',
    timebox_minutes INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Execution attempts; multiple rows per task on retry
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    started_at TEXT NOT NULL,
    finished_at TEXT,
    error_message TEXT NOT NULL DEFAULT '',
    error_meta TEXT NOT NULL DEFAULT '',
    pr_url TEXT NOT NULL DEFAULT '',
    judged_at TEXT,
    judgement_version INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS runs_task_idx ON runs(task_id);
CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status);

-- Exclusive task ownership; the PK enforces at most one lease per task
CREATE TABLE IF NOT EXISTS leases (
    task_id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    expires_at TEXT NOT NULL
);

-- Registered executor identities
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'idle',
    current_task_id TEXT NOT NULL DEFAULT '',
    pid INTEGER NOT NULL DEFAULT 0,
    last_heartbeat TEXT NOT NULL
);

-- Append-only audit log: lane throttles, hatch arm/disarm, lifecycle events
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    entity_type TEXT NOT NULL DEFAULT '',
    entity_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
`
