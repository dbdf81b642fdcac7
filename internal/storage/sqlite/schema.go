package sqlite

import "github.com/steveyegge/workgate/internal/storage/migrations"

// schema is the ordered schema history. Applied steps are never edited;
// changes go into a new step.
var schema = migrations.MustPlan(
	migrations.Step{
		Version: 1,
		Name:    "core entity tables, dependencies, blockers, events",
		Up:      schemaV1,
		Down: `
			DROP TABLE IF EXISTS id_counters;
			DROP TABLE IF EXISTS config;
			DROP TABLE IF EXISTS events;
			DROP TABLE IF EXISTS blockers;
			DROP TABLE IF EXISTS dependencies;
			DROP TABLE IF EXISTS tasks;
			DROP TABLE IF EXISTS work_items;
		`,
	},
	migrations.Step{
		Version: 2,
		Name:    "codebase-wide coverage by category",
		Up:      schemaV2,
		Down:    `DROP TABLE IF EXISTS coverage;`,
	},
)

const schemaV1 = `
-- Work items table
CREATE TABLE IF NOT EXISTS work_items (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'proposed',
    phase TEXT NOT NULL DEFAULT 'discovery',
    business_context TEXT NOT NULL DEFAULT '',
    assignee TEXT NOT NULL DEFAULT '',
    needs_clarification INTEGER NOT NULL DEFAULT 0,
    quality TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    closed_at TEXT,
    close_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);

-- Tasks table
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    work_item_id TEXT NOT NULL,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'proposed',
    effort_hours REAL NOT NULL DEFAULT 0 CHECK(effort_hours >= 0),
    effort_override TEXT,
    assignee TEXT NOT NULL DEFAULT '',
    needs_clarification INTEGER NOT NULL DEFAULT 0,
    quality TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    closed_at TEXT,
    close_reason TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (work_item_id) REFERENCES work_items(id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_work_item ON tasks(work_item_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

-- Dependencies table: source depends on target, both of the same kind
CREATE TABLE IF NOT EXISTS dependencies (
    kind TEXT NOT NULL,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'hard',
    created_at TEXT NOT NULL,
    created_by TEXT NOT NULL,
    PRIMARY KEY (kind, source_id, target_id),
    CHECK (source_id != target_id)
);

CREATE INDEX IF NOT EXISTS idx_dependencies_target ON dependencies(kind, target_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_type ON dependencies(kind, type);

-- Blockers table
CREATE TABLE IF NOT EXISTS blockers (
    id TEXT PRIMARY KEY,
    owner_kind TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    source TEXT NOT NULL,
    ref_kind TEXT,
    ref_id TEXT,
    description TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL DEFAULT 'blocking',
    status TEXT NOT NULL DEFAULT 'open',
    resolution_reason TEXT NOT NULL DEFAULT '',
    resolved_by TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    resolved_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_blockers_owner ON blockers(owner_kind, owner_id);
CREATE INDEX IF NOT EXISTS idx_blockers_ref ON blockers(ref_kind, ref_id, status);

-- Events table (audit trail)
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT NOT NULL,
    old_value TEXT,
    new_value TEXT,
    comment TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_kind, entity_id);

-- Config table
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- ID counters, one row per prefix
CREATE TABLE IF NOT EXISTS id_counters (
    prefix TEXT PRIMARY KEY,
    last_id INTEGER NOT NULL DEFAULT 0
);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS coverage (
    category TEXT PRIMARY KEY,
    percent REAL NOT NULL CHECK(percent >= 0 AND percent <= 100),
    recorded_at TEXT NOT NULL,
    recorded_by TEXT NOT NULL
);
`
