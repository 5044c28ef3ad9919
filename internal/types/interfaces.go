package types

import (
	"context"
	"time"
)

// The storage adapters are narrow ports selected by configuration at
// startup. Implementations live in internal/store; the embedding engine
// port lives in internal/embedding (it is shared with the CLI tooling).

// FactHit is one BM25 fulltext match over statement facts.
type FactHit struct {
	Statement Statement
	Score     float64
}

// EpisodeConnectivity describes how densely an episode's statements connect
// to a set of query entities. Score is
// (matchedStatements/totalStatements) * matchedEntities.
type EpisodeConnectivity struct {
	EpisodeUUID       string
	MatchedStatements int
	TotalStatements   int
	MatchedEntities   int
}

// Score computes the connectivity score. Zero-statement episodes score zero.
func (c EpisodeConnectivity) Score() float64 {
	if c.TotalStatements == 0 {
		return 0
	}
	return float64(c.MatchedStatements) / float64(c.TotalStatements) * float64(c.MatchedEntities)
}

// CascadeStats reports what an episode deletion removed.
type CascadeStats struct {
	Episodes   int
	Statements int
	Entities   int
}

// GraphStore is the labelled property graph port. All mutating operations
// are MERGE-on-UUID idempotent: re-executing a write produces the same
// graph state. Every read is scoped by at least UserID.
type GraphStore interface {
	// Clock. InvalidAt/ValidAt stamping uses this monotonic store clock,
	// never caller wall time.
	CurrentTimestamp(ctx context.Context) (time.Time, error)

	// Entities.
	UpsertEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, uuid string) (*Entity, error)
	GetEntityByName(ctx context.Context, scope Scope, name string) (*Entity, error)
	GetEntities(ctx context.Context, uuids []string) ([]Entity, error)
	// DuplicateEntityGroups returns groups of entities sharing a normalized
	// name, oldest first within each group. Singleton groups are omitted.
	DuplicateEntityGroups(ctx context.Context, scope Scope) ([][]Entity, error)
	// MoveEntityEdges repoints every role edge from one entity to another.
	MoveEntityEdges(ctx context.Context, fromUUID, toUUID string) error
	DeleteEntities(ctx context.Context, uuids []string) error
	// OrphanEntities lists entities with zero incoming role edges.
	OrphanEntities(ctx context.Context, scope Scope) ([]string, error)

	// Episodes.
	UpsertEpisode(ctx context.Context, ep *Episode) error
	GetEpisode(ctx context.Context, uuid string) (*Episode, error)
	SetEpisodeStatus(ctx context.Context, uuid string, status EpisodeStatus, errMsg string) error
	SetEpisodeLabels(ctx context.Context, uuid string, labelIDs []string) error
	EpisodesBySession(ctx context.Context, scope Scope, sessionID string) ([]Episode, error)
	// LatestDocumentVersion returns the highest version and the canonical
	// chunk episodes: per chunk index, the highest-version row, ordered by
	// chunk index. Root episodes (chunkIndex -1) are excluded and a
	// completed root's TotalChunks bounds the live indices. ErrNotFound
	// when the session has no document episodes.
	LatestDocumentVersion(ctx context.Context, scope Scope, sessionID string) (int, []Episode, error)
	// AdjacentChunks returns the previous and next chunk episodes within
	// the same session, each at its highest version. Either may be nil at
	// the boundaries.
	AdjacentChunks(ctx context.Context, episodeUUID string) (*Episode, *Episode, error)
	// DeleteEpisode cascades: provenance edges are removed, statements left
	// without provenance are deleted, and entities orphaned by those
	// deletions are reclaimed.
	DeleteEpisode(ctx context.Context, uuid string) (CascadeStats, error)

	// Statements.
	UpsertStatement(ctx context.Context, st *Statement) error
	GetStatements(ctx context.Context, uuids []string) ([]Statement, error)
	StatementsBySubjectPredicate(ctx context.Context, scope Scope, subjectUUID, predicateUUID string, activeOnly bool) ([]Statement, error)
	StatementsBySubjectObject(ctx context.Context, scope Scope, subjectUUID, objectUUID string, activeOnly bool) ([]Statement, error)
	InvalidateStatement(ctx context.Context, uuid string, at time.Time, by string) error
	AddProvenance(ctx context.Context, episodeUUID, statementUUID string) error
	ProvenanceEpisodes(ctx context.Context, statementUUID string) ([]string, error)
	StatementsForEpisode(ctx context.Context, episodeUUID string) ([]Statement, error)
	// StatementsWithSoleProvenance returns statements whose every
	// provenance episode lies inside the given set. Used by versioning to
	// invalidate facts that came only from superseded chunks.
	StatementsWithSoleProvenance(ctx context.Context, episodeUUIDs []string) ([]Statement, error)
	// TraverseStatements expands BFS from the given entities over role
	// edges up to depth and returns the UUIDs of connected statements.
	TraverseStatements(ctx context.Context, scope Scope, entityUUIDs []string, depth int) ([]string, error)
	// EpisodeConnectivityFor scores episodes by the density of statements
	// touching the given entities.
	EpisodeConnectivityFor(ctx context.Context, scope Scope, entityUUIDs []string) ([]EpisodeConnectivity, error)

	// Fulltext (BM25 over statement facts).
	SearchFacts(ctx context.Context, scope Scope, query string, limit int) ([]FactHit, error)

	// Compaction.
	UpsertCompactedSession(ctx context.Context, cs *CompactedSession) error
	GetCompactedSession(ctx context.Context, scope Scope, sessionID string) (*CompactedSession, error)

	// Generic edge upsert for the fixed edge vocabulary.
	UpsertEdge(ctx context.Context, src string, label EdgeLabel, dst string) error

	// NodeIDs lists node UUIDs for one label; reconciliation uses it to
	// check vector/graph parity.
	NodeIDs(ctx context.Context, label NodeLabel, scope Scope) ([]string, error)

	Stats(ctx context.Context) (map[string]int64, error)
	Close() error
}

// VectorRecord is one upserted vector. ID is the graph node UUID.
type VectorRecord struct {
	ID        string
	UserID    string
	Embedding []float32
}

// VectorHit is one similarity search result. Score is cosine similarity in
// [-1, 1].
type VectorHit struct {
	ID    string
	Score float64
}

// VectorStore is the namespaced vector index port. It is strictly
// subordinate to the graph: a failed upsert leaves the node without an
// index entry and the reconciliation sweep repairs it.
type VectorStore interface {
	Upsert(ctx context.Context, ns Namespace, recs []VectorRecord) error
	Search(ctx context.Context, ns Namespace, userID string, query []float32, limit int, minScore float64) ([]VectorHit, error)
	// ScoreBatch scores the given IDs against the query without a search;
	// BFS candidates are scored this way rather than in the graph store.
	ScoreBatch(ctx context.Context, ns Namespace, userID string, query []float32, ids []string) (map[string]float64, error)
	Delete(ctx context.Context, ns Namespace, ids []string) error
	ListIDs(ctx context.Context, ns Namespace, userID string) ([]string, error)
}

// ModelClient is the structured LLM port: one prompt, one schema-validated
// JSON object decoded into out.
type ModelClient interface {
	GenerateJSON(ctx context.Context, system, prompt string, schema map[string]any, out any) error
}

// Reranker reorders documents by relevance to a query, returning one score
// per document in input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
	Name() string
}

// KeyValueStore persists queue job state, dedup windows and the dead-letter
// log. Buckets are flat; keys are opaque.
type KeyValueStore interface {
	Put(ctx context.Context, bucket, key string, value []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) (map[string][]byte, error)
}

// RelationalStore holds label metadata (workspace/user metadata beyond the
// graph itself).
type RelationalStore interface {
	UpsertLabel(ctx context.Context, l *Label) error
	GetLabel(ctx context.Context, id string) (*Label, error)
	ListLabels(ctx context.Context, scope Scope) ([]Label, error)
	DeleteLabel(ctx context.Context, id string) error
}
