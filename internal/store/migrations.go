package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "entities: people, places, projects, concepts",
		SQL: `
CREATE TABLE entities (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    name_key        TEXT NOT NULL,
    entity_type     TEXT NOT NULL CHECK (entity_type IN ('person', 'organization', 'place', 'project', 'concept', 'event')),
    relationship    TEXT,

    -- Rolling scores
    importance      REAL NOT NULL DEFAULT 0.5,
    sentiment       REAL NOT NULL DEFAULT 0.0,
    mention_count   INTEGER NOT NULL DEFAULT 1,
    first_mentioned INTEGER NOT NULL,
    last_mentioned  INTEGER NOT NULL,

    -- Bounded ring buffer of recent context snippets (JSON array)
    snippets        TEXT,

    -- Lifecycle
    historical      INTEGER NOT NULL DEFAULT 0,
    valid_from      INTEGER,
    valid_until     INTEGER,
    status          TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'archived', 'superseded')),
    version         INTEGER NOT NULL DEFAULT 1,

    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

-- One active entity per normalized name
CREATE UNIQUE INDEX idx_entities_name_key ON entities(name_key) WHERE status = 'active';
CREATE INDEX idx_entities_status         ON entities(status);
CREATE INDEX idx_entities_type           ON entities(entity_type);
CREATE INDEX idx_entities_last_mentioned ON entities(last_mentioned DESC);
`,
	},
	{
		Version:     2,
		Description: "facts: bi-temporal (entity, predicate, object) triples",
		SQL: `
CREATE TABLE facts (
    id                  TEXT PRIMARY KEY,
    entity_id           TEXT NOT NULL REFERENCES entities(id),
    predicate           TEXT NOT NULL,
    object_text         TEXT NOT NULL,
    confidence          REAL NOT NULL DEFAULT 0.8,
    source_entry        TEXT,
    mention_count       INTEGER NOT NULL DEFAULT 1,

    -- Validity interval: [valid_from, valid_to). NULL valid_to = still current.
    valid_from          INTEGER NOT NULL,
    valid_to            INTEGER,
    is_current          INTEGER NOT NULL DEFAULT 1,
    version             INTEGER NOT NULL DEFAULT 1,

    -- Supersession lineage
    supersedes          TEXT REFERENCES facts(id),
    superseded_by       TEXT REFERENCES facts(id),
    invalidation_reason TEXT,

    -- Set from the predicate registry at insert; backs the single-current index.
    single_value        INTEGER NOT NULL DEFAULT 0,

    created_at          INTEGER NOT NULL
);

CREATE INDEX idx_facts_entity      ON facts(entity_id);
CREATE INDEX idx_facts_predicate   ON facts(entity_id, predicate);
CREATE INDEX idx_facts_current     ON facts(entity_id, is_current);
CREATE INDEX idx_facts_valid_from  ON facts(valid_from);

-- At most one current fact per single-value predicate.
CREATE UNIQUE INDEX idx_facts_single_current
    ON facts(entity_id, predicate) WHERE is_current = 1 AND single_value = 1;
`,
	},
	{
		Version:     3,
		Description: "behaviors: directional user<->entity relations",
		SQL: `
CREATE TABLE behaviors (
    id                  TEXT PRIMARY KEY,
    entity_id           TEXT NOT NULL REFERENCES entities(id),
    relation            TEXT NOT NULL,
    direction           TEXT NOT NULL DEFAULT 'user_to_entity' CHECK (direction IN ('user_to_entity', 'entity_to_user')),
    confidence          REAL NOT NULL DEFAULT 0.6,
    reinforcement_count INTEGER NOT NULL DEFAULT 1,
    first_reinforced    INTEGER NOT NULL,
    last_reinforced     INTEGER NOT NULL,
    active              INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX idx_behaviors_relation ON behaviors(entity_id, relation, direction);
CREATE INDEX idx_behaviors_entity          ON behaviors(entity_id);
`,
	},
	{
		Version:     4,
		Description: "relationships: co-occurrence edges between entities",
		SQL: `
CREATE TABLE relationships (
    id        TEXT PRIMARY KEY,
    entity_a  TEXT NOT NULL REFERENCES entities(id),
    entity_b  TEXT NOT NULL REFERENCES entities(id),
    rel_type  TEXT NOT NULL DEFAULT 'co_occurrence',
    strength  REAL NOT NULL DEFAULT 0.1,
    last_seen INTEGER NOT NULL,

    CHECK (entity_a < entity_b)
);

CREATE UNIQUE INDEX idx_rel_pair ON relationships(entity_a, entity_b, rel_type);
CREATE INDEX idx_rel_a           ON relationships(entity_a);
CREATE INDEX idx_rel_b           ON relationships(entity_b);
`,
	},
	{
		Version:     5,
		Description: "patterns: recurring behavioral observations",
		SQL: `
CREATE TABLE patterns (
    id           TEXT PRIMARY KEY,
    pattern_type TEXT NOT NULL,
    description  TEXT NOT NULL,
    confidence   REAL NOT NULL DEFAULT 0.5,
    evidence     TEXT,
    status       TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'rejected', 'superseded')),
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE INDEX idx_patterns_status ON patterns(status);
`,
	},
	{
		Version:     6,
		Description: "memory_jobs: durable prioritized work queue",
		SQL: `
CREATE TABLE memory_jobs (
    id            TEXT PRIMARY KEY,
    job_type      TEXT NOT NULL CHECK (job_type IN ('update', 'consolidate', 'decay', 'cleanup', 'graph_update', 'summary', 'extract')),
    priority      INTEGER NOT NULL DEFAULT 5,
    payload       TEXT,
    status        TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
    attempts      INTEGER NOT NULL DEFAULT 0,
    max_attempts  INTEGER NOT NULL DEFAULT 3,
    depends_on    TEXT REFERENCES memory_jobs(id),
    scheduled_for INTEGER NOT NULL,
    result        TEXT,
    last_error    TEXT,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE INDEX idx_jobs_claim  ON memory_jobs(status, scheduled_for, priority DESC, created_at);
CREATE INDEX idx_jobs_type   ON memory_jobs(job_type);
`,
	},
	{
		Version:     7,
		Description: "memory_operations: append-only decision audit log",
		SQL: `
CREATE TABLE memory_operations (
    id             TEXT PRIMARY KEY,
    operation      TEXT NOT NULL CHECK (operation IN ('add', 'update', 'delete', 'noop')),
    candidate      TEXT NOT NULL,
    compared       TEXT,
    reasoning      TEXT,
    before_content TEXT,
    after_content  TEXT,
    before_version INTEGER,
    after_version  INTEGER,
    latency_ms     INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL
);

CREATE INDEX idx_ops_created ON memory_operations(created_at DESC);
`,
	},
	{
		Version:     8,
		Description: "entity_vectors: embeddings for similarity search",
		SQL: `
CREATE TABLE entity_vectors (
    entity_id  TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     9,
		Description: "scheduler_runs: history of decay/archival passes",
		SQL: `
CREATE TABLE scheduler_runs (
    id          INTEGER PRIMARY KEY,
    task        TEXT NOT NULL,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER,
    processed   INTEGER NOT NULL DEFAULT 0,
    succeeded   INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'completed' CHECK (status IN ('completed', 'partial', 'failed')),
    detail      TEXT
);

CREATE INDEX idx_runs_task ON scheduler_runs(task, started_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
