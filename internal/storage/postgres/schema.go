package postgres

import "github.com/webrenew/memories/internal/storage"

// EvolutionSteps returns the schema history for the PostgreSQL backend. Steps
// mirror the SQLite history so the two backends stay structurally equivalent;
// the embedding_vec column and its index only exist when pgvector is present.
func EvolutionSteps(pgvectorAvailable bool) []storage.EvolutionStep {
	steps := []storage.EvolutionStep{
		{
			Name: "001_memories",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS memories (
					id TEXT PRIMARY KEY,
					content TEXT NOT NULL,
					memory_type TEXT NOT NULL DEFAULT 'note',
					scope TEXT NOT NULL DEFAULT 'global',
					project_id TEXT,
					user_id TEXT,
					tags JSONB,
					paths JSONB,
					category TEXT,
					metadata JSONB,
					source_session_id TEXT,
					content_hash TEXT,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					deleted_at TIMESTAMPTZ
				)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, project_id, user_id)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at, id)`,
			},
		},
		{
			Name: "002_embeddings_jobs",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS memory_embeddings (
					memory_id TEXT PRIMARY KEY,
					vector BYTEA NOT NULL,
					model TEXT NOT NULL,
					model_version TEXT,
					dimension INTEGER NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_embeddings_model ON memory_embeddings(model)`,
				`CREATE TABLE IF NOT EXISTS embedding_jobs (
					id TEXT PRIMARY KEY,
					memory_id TEXT NOT NULL,
					operation TEXT NOT NULL DEFAULT 'create',
					model TEXT NOT NULL,
					content TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'queued',
					attempt_count INTEGER NOT NULL DEFAULT 0,
					max_attempts INTEGER NOT NULL DEFAULT 5,
					next_attempt_at TIMESTAMPTZ NOT NULL,
					claimed_by TEXT,
					claimed_at TIMESTAMPTZ,
					last_error TEXT,
					dead_letter_reason TEXT,
					dead_letter_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON embedding_jobs(status, next_attempt_at)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_live_identity
					ON embedding_jobs(memory_id, model)
					WHERE status IN ('queued', 'leased')`,
			},
		},
		{
			Name: "003_graph",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS graph_nodes (
					id TEXT PRIMARY KEY,
					node_type TEXT NOT NULL,
					node_key TEXT NOT NULL,
					label TEXT,
					project_id TEXT,
					user_id TEXT,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					UNIQUE(node_type, node_key)
				)`,
				`CREATE TABLE IF NOT EXISTS graph_edges (
					id TEXT PRIMARY KEY,
					source_id TEXT NOT NULL,
					target_id TEXT NOT NULL,
					edge_type TEXT NOT NULL,
					weight REAL NOT NULL DEFAULT 1.0,
					confidence REAL NOT NULL DEFAULT 1.0,
					expires_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_edges_source ON graph_edges(source_id)`,
				`CREATE INDEX IF NOT EXISTS idx_edges_target ON graph_edges(target_id)`,
				`CREATE INDEX IF NOT EXISTS idx_edges_type ON graph_edges(edge_type, created_at)`,
				`CREATE TABLE IF NOT EXISTS memory_node_links (
					memory_id TEXT NOT NULL,
					node_id TEXT NOT NULL,
					role TEXT NOT NULL DEFAULT 'mentions',
					created_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (memory_id, node_id, role)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_links_node ON memory_node_links(node_id)`,
			},
		},
		{
			Name: "004_sessions",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					project_id TEXT,
					user_id TEXT,
					status TEXT NOT NULL DEFAULT 'active',
					last_activity_at TIMESTAMPTZ NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_sessions_stale ON sessions(status, last_activity_at)`,
				`CREATE TABLE IF NOT EXISTS session_events (
					id TEXT PRIMARY KEY,
					session_id TEXT NOT NULL,
					seq INTEGER NOT NULL,
					role TEXT NOT NULL,
					content TEXT NOT NULL,
					token_count INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL,
					UNIQUE(session_id, seq)
				)`,
				`CREATE TABLE IF NOT EXISTS compaction_events (
					id TEXT PRIMARY KEY,
					session_id TEXT NOT NULL,
					trigger_type TEXT NOT NULL,
					events_before INTEGER NOT NULL DEFAULT 0,
					tokens_before INTEGER NOT NULL DEFAULT 0,
					checkpoint_memory_id TEXT,
					error TEXT,
					created_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_compactions_session ON compaction_events(session_id, created_at)`,
			},
		},
		{
			Name: "005_lifecycle_consolidation",
			Statements: []string{
				`ALTER TABLE memories ADD COLUMN layer TEXT`,
				`ALTER TABLE memories ADD COLUMN confidence REAL NOT NULL DEFAULT 1.0`,
				`ALTER TABLE memories ADD COLUMN upsert_key TEXT`,
				`ALTER TABLE memories ADD COLUMN superseded_by TEXT`,
				`ALTER TABLE memories ADD COLUMN superseded_at TIMESTAMPTZ`,
				`ALTER TABLE memories ADD COLUMN expires_at TIMESTAMPTZ`,
				`CREATE INDEX IF NOT EXISTS idx_memories_layer ON memories(layer)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_live_upsert
					ON memories(scope, COALESCE(project_id, ''), COALESCE(user_id, ''), memory_type, upsert_key)
					WHERE upsert_key IS NOT NULL AND superseded_at IS NULL AND deleted_at IS NULL`,
				`CREATE TABLE IF NOT EXISTS consolidation_runs (
					id TEXT PRIMARY KEY,
					scope_key TEXT NOT NULL,
					input_count INTEGER NOT NULL DEFAULT 0,
					merged_count INTEGER NOT NULL DEFAULT 0,
					superseded_count INTEGER NOT NULL DEFAULT 0,
					conflicted_count INTEGER NOT NULL DEFAULT 0,
					model TEXT,
					created_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_consolidation_scope ON consolidation_runs(scope_key, created_at)`,
			},
		},
		{
			Name: "006_lifecycle_backfill",
			Statements: []string{
				`UPDATE memories
					SET layer = CASE WHEN memory_type = 'rule' THEN 'rule' ELSE 'long_term' END
					WHERE layer IS NULL OR layer = ''`,
				`UPDATE memories
					SET expires_at = NOW() + INTERVAL '48 hours'
					WHERE layer = 'working' AND expires_at IS NULL`,
			},
		},
		{
			Name: "007_backfill_rollout",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS backfill_state (
					scope_key TEXT NOT NULL,
					model TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'idle',
					checkpoint_created_at TIMESTAMPTZ,
					checkpoint_id TEXT NOT NULL DEFAULT '',
					scanned INTEGER NOT NULL DEFAULT 0,
					enqueued INTEGER NOT NULL DEFAULT 0,
					estimated_total INTEGER NOT NULL DEFAULT 0,
					estimated_remaining INTEGER NOT NULL DEFAULT 0,
					batch_limit INTEGER NOT NULL DEFAULT 100,
					throttle_ms INTEGER NOT NULL DEFAULT 0,
					updated_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (scope_key, model)
				)`,
				`CREATE TABLE IF NOT EXISTS backfill_metrics (
					id TEXT PRIMARY KEY,
					scope_key TEXT NOT NULL,
					model TEXT NOT NULL,
					scanned INTEGER NOT NULL DEFAULT 0,
					enqueued INTEGER NOT NULL DEFAULT 0,
					duration_ms BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS graph_rollout_metrics (
					id TEXT PRIMARY KEY,
					scope_key TEXT NOT NULL,
					mode TEXT NOT NULL,
					seed_count INTEGER NOT NULL DEFAULT 0,
					expanded_count INTEGER NOT NULL DEFAULT 0,
					duration_ms BIGINT NOT NULL DEFAULT 0,
					failed INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL
				)`,
			},
		},
	}

	if pgvectorAvailable {
		steps = append(steps, storage.EvolutionStep{
			Name: "008_pgvector",
			Statements: []string{
				`ALTER TABLE memory_embeddings ADD COLUMN embedding_vec vector`,
				// ivfflat needs rows to build centroids; the index is created
				// lazily by operators once the table has data.
			},
		})
	}
	return steps
}
