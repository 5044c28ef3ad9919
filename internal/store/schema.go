package store

import (
	"fmt"

	"engram/internal/logging"
)

// initialize creates the required tables. Table creation is split from
// index creation so migrations can add columns first.
func (s *Store) initialize() error {
	// Monotonic ingestion clock. Single row, advanced under s.mu.
	clockTable := `
	CREATE TABLE IF NOT EXISTS clock (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_micros INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO clock (id, last_micros) VALUES (1, 0);
	`

	// Entity nodes. normalized_name drives case-insensitive identity.
	entitiesTable := `
	CREATE TABLE IF NOT EXISTS entities (
		uuid TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		normalized_name TEXT NOT NULL,
		entity_type TEXT DEFAULT '',
		attributes TEXT DEFAULT '{}',
		user_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entities_scope_name ON entities(user_id, workspace_id, normalized_name);
	CREATE INDEX IF NOT EXISTS idx_entities_user ON entities(user_id);
	`

	// Episode nodes. Document chunks share a session_id and version.
	episodesTable := `
	CREATE TABLE IF NOT EXISTS episodes (
		uuid TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		original_content TEXT DEFAULT '',
		source TEXT DEFAULT '',
		session_id TEXT NOT NULL,
		episode_type TEXT NOT NULL,
		chunk_index INTEGER NOT NULL DEFAULT 0,
		total_chunks INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		content_hash TEXT DEFAULT '',
		chunk_hashes TEXT DEFAULT '[]',
		previous_version_session_id TEXT DEFAULT '',
		title TEXT DEFAULT '',
		label_ids TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}',
		valid_at TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT DEFAULT '',
		user_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(user_id, workspace_id, session_id);
	CREATE INDEX IF NOT EXISTS idx_episodes_version ON episodes(user_id, workspace_id, session_id, version, chunk_index);
	CREATE INDEX IF NOT EXISTS idx_episodes_status ON episodes(status);
	`

	// Statement nodes. Role UUIDs are denormalized here for query speed;
	// the edges table carries the same relationships for traversal.
	statementsTable := `
	CREATE TABLE IF NOT EXISTS statements (
		uuid TEXT PRIMARY KEY,
		fact TEXT NOT NULL,
		subject_uuid TEXT NOT NULL,
		predicate_uuid TEXT NOT NULL,
		object_uuid TEXT NOT NULL,
		valid_at TEXT NOT NULL,
		invalid_at TEXT,
		invalidated_by TEXT DEFAULT '',
		aspect TEXT NOT NULL,
		attributes TEXT DEFAULT '{}',
		user_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_statements_subj_pred ON statements(user_id, workspace_id, subject_uuid, predicate_uuid);
	CREATE INDEX IF NOT EXISTS idx_statements_subj_obj ON statements(user_id, workspace_id, subject_uuid, object_uuid);
	CREATE INDEX IF NOT EXISTS idx_statements_object ON statements(object_uuid);
	CREATE INDEX IF NOT EXISTS idx_statements_predicate ON statements(predicate_uuid);
	`

	// Edges. Fixed vocabulary; primary key makes upserts idempotent.
	edgesTable := `
	CREATE TABLE IF NOT EXISTS edges (
		src_uuid TEXT NOT NULL,
		label TEXT NOT NULL,
		dst_uuid TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (src_uuid, label, dst_uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst_uuid, label);
	CREATE INDEX IF NOT EXISTS idx_edges_label ON edges(label);
	`

	// Compacted session summaries.
	compactedTable := `
	CREATE TABLE IF NOT EXISTS compacted_sessions (
		uuid TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		episode_count INTEGER NOT NULL DEFAULT 0,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		compression_ratio REAL NOT NULL DEFAULT 1.0,
		user_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(user_id, workspace_id, session_id)
	);
	`

	// Label metadata.
	labelsTable := `
	CREATE TABLE IF NOT EXISTS labels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		user_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(user_id, workspace_id, name)
	);
	`

	// Namespaced vectors. IDs are graph node UUIDs; embeddings are
	// little-endian float32 blobs.
	vectorsTable := `
	CREATE TABLE IF NOT EXISTS vectors (
		ns TEXT NOT NULL,
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		embedding BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (ns, id)
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_ns_user ON vectors(ns, user_id);
	`

	// Key-value state for the queue substrate (jobs, dedup, dead-letter).
	kvTable := `
	CREATE TABLE IF NOT EXISTS kv_state (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (bucket, key)
	);
	`

	for _, table := range []string{
		clockTable,
		entitiesTable,
		episodesTable,
		statementsTable,
		edgesTable,
		compactedTable,
		labelsTable,
		vectorsTable,
		kvTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// BM25 fulltext over statement facts. Kept in sync by statement writes.
	fts := `
	CREATE VIRTUAL TABLE IF NOT EXISTS statement_fts USING fts5(
		fact,
		uuid UNINDEXED,
		user_id UNINDEXED,
		workspace_id UNINDEXED
	);
	`
	if _, err := s.db.Exec(fts); err != nil {
		return fmt.Errorf("failed to create fulltext index: %w", err)
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.StoreDebug("Database schema initialized")
	return nil
}
