// Package types defines the temporal knowledge-graph data model and the
// ports the ingestion pipeline and retrieval engine are built against.
package types

import (
	"strings"
	"time"
)

// =============================================================================
// NODE AND EDGE LABELS
// =============================================================================

// NodeLabel identifies the kind of a graph node. The graph has a fixed shape:
// four content labels plus Label metadata nodes.
type NodeLabel string

const (
	NodeEntity           NodeLabel = "Entity"
	NodeEpisode          NodeLabel = "Episode"
	NodeStatement        NodeLabel = "Statement"
	NodeCompactedSession NodeLabel = "CompactedSession"
	NodeLabelNode        NodeLabel = "Label"
)

// EdgeLabel identifies the kind of a graph edge. These names are wire-level
// stable; renaming one breaks every persisted graph.
type EdgeLabel string

const (
	EdgeHasSubject   EdgeLabel = "HAS_SUBJECT"
	EdgeHasPredicate EdgeLabel = "HAS_PREDICATE"
	EdgeHasObject    EdgeLabel = "HAS_OBJECT"
	// EdgeHasProvenance is stored statement-side: src is the statement,
	// dst the episode it cites. Readers that want the episode-first view
	// walk it in reverse.
	EdgeHasProvenance EdgeLabel = "HAS_PROVENANCE"
	EdgeCompacts      EdgeLabel = "COMPACTS"
	EdgeHasLabel      EdgeLabel = "HAS_LABEL"
)

// Namespace is a logical segment of the vector store. IDs within a namespace
// are the UUIDs of the corresponding graph nodes.
type Namespace string

const (
	NamespaceEntity           Namespace = "entity"
	NamespaceStatement        Namespace = "statement"
	NamespaceEpisode          Namespace = "episode"
	NamespaceCompactedSession Namespace = "compacted_session"
	NamespaceLabel            Namespace = "label"
)

// AllNamespaces lists every vector namespace, in reconciliation sweep order.
var AllNamespaces = []Namespace{
	NamespaceEntity,
	NamespaceStatement,
	NamespaceEpisode,
	NamespaceCompactedSession,
	NamespaceLabel,
}

// =============================================================================
// ENUMERATIONS
// =============================================================================

// EpisodeType distinguishes conversational turns from versioned documents.
type EpisodeType string

const (
	EpisodeConversation EpisodeType = "CONVERSATION"
	EpisodeDocument     EpisodeType = "DOCUMENT"
)

// EpisodeStatus is the observable ingestion state machine:
// PENDING -> PROCESSING -> {COMPLETED | FAILED}. FAILED is recoverable via
// retry, which resets to PENDING and re-enqueues.
type EpisodeStatus string

const (
	StatusPending    EpisodeStatus = "PENDING"
	StatusProcessing EpisodeStatus = "PROCESSING"
	StatusCompleted  EpisodeStatus = "COMPLETED"
	StatusFailed     EpisodeStatus = "FAILED"
	StatusCancelled  EpisodeStatus = "CANCELLED"
)

// Aspect classifies the nature of a statement and controls invalidation:
// coexisting aspects (Event, Observation) are never invalidated by newer
// statements on the same (subject, predicate).
type Aspect string

const (
	AspectEvent                Aspect = "Event"
	AspectObservation          Aspect = "Observation"
	AspectPreference           Aspect = "Preference"
	AspectAttribute            Aspect = "Attribute"
	AspectRelationship         Aspect = "Relationship"
	AspectIdentity             Aspect = "Identity"
	AspectSubjectiveExperience Aspect = "SubjectiveExperience"
)

// Coexists reports whether statements of this aspect may coexist with newer
// statements on the same (subject, predicate) pair.
func (a Aspect) Coexists() bool {
	return a == AspectEvent || a == AspectObservation
}

// PredicateEntityType marks an entity as playing the relation role.
const PredicateEntityType = "Predicate"

// WellKnownEventDate is the attributes key carrying an Event statement's
// occurrence date (ISO-8601 string).
const WellKnownEventDate = "event_date"

// =============================================================================
// NODES
// =============================================================================

// Scope is the (userId, workspaceId) pair every query filters by.
// WorkspaceID may be empty; UserID never is.
type Scope struct {
	UserID      string
	WorkspaceID string
}

// Entity is a named concept. Names are case-insensitively unique per user;
// the canonical UUID for a duplicated name is the oldest.
type Entity struct {
	UUID          string
	Name          string
	Type          string
	NameEmbedding []float32
	Attributes    map[string]any
	UserID        string
	WorkspaceID   string
	CreatedAt     time.Time
}

// NormalizedName returns the case-folded name used for identity matching.
func (e *Entity) NormalizedName() string {
	return strings.ToLower(strings.TrimSpace(e.Name))
}

// Episode is an ingested unit of content. For document sessions the chunks
// of the latest version form a contiguous [0, TotalChunks) range.
type Episode struct {
	UUID             string
	Content          string
	OriginalContent  string
	ContentEmbedding []float32
	Source           string
	SessionID        string
	Type             EpisodeType
	ChunkIndex       int
	TotalChunks      int
	Version          int
	ContentHash      string
	ChunkHashes      []string
	PreviousVersionSessionID string
	Title            string
	LabelIDs         []string
	Metadata         map[string]any
	ValidAt          time.Time
	Status           EpisodeStatus
	Error            string
	UserID           string
	WorkspaceID      string
	CreatedAt        time.Time
}

// Statement is a temporally scoped fact (subject)-[predicate]->(object).
// InvalidAt is nil while the fact still holds. A statement is always linked
// to exactly one subject, predicate and object entity and at least one
// provenance episode.
type Statement struct {
	UUID          string
	Fact          string
	FactEmbedding []float32
	SubjectUUID   string
	PredicateUUID string
	ObjectUUID    string
	ValidAt       time.Time
	InvalidAt     *time.Time
	InvalidatedBy string
	Aspect        Aspect
	Attributes    map[string]any
	UserID        string
	WorkspaceID   string
	CreatedAt     time.Time

	// ProvenanceCount is maintained by the store and used only for
	// duplicate tie-breaking; it is not persisted on the node itself.
	ProvenanceCount int
}

// ValidDuring reports whether the statement held at instant t.
func (s *Statement) ValidDuring(t time.Time) bool {
	if s.ValidAt.After(t) {
		return false
	}
	return s.InvalidAt == nil || s.InvalidAt.After(t)
}

// Triple is the resolved (subject, predicate, object) identity carried by a
// statement. Traversal is always via the store, never in-process pointers.
type Triple struct {
	SubjectUUID   string
	PredicateUUID string
	ObjectUUID    string
}

// Equal reports positional identity of two triples.
func (t Triple) Equal(o Triple) bool {
	return t.SubjectUUID == o.SubjectUUID &&
		t.PredicateUUID == o.PredicateUUID &&
		t.ObjectUUID == o.ObjectUUID
}

// CompactedSession summarizes a completed session. It links to the original
// episodes through COMPACTS edges.
type CompactedSession struct {
	UUID             string
	SessionID        string
	Summary          string
	SummaryEmbedding []float32
	EpisodeCount     int
	StartTime        time.Time
	EndTime          time.Time
	CompressionRatio float64
	UserID           string
	WorkspaceID      string
	CreatedAt        time.Time
}

// Label is user metadata attachable to episodes; its vector lives in the
// label namespace for auto-assignment.
type Label struct {
	ID          string
	Name        string
	Description string
	UserID      string
	WorkspaceID string
	CreatedAt   time.Time
}

// =============================================================================
// EXTRACTION CANDIDATES
// =============================================================================

// CandidateTriple is one fact proposed by the extractor for a chunk, before
// entity and statement resolution.
type CandidateTriple struct {
	SubjectName   string
	PredicateName string
	ObjectName    string
	Fact          string
	Aspect        Aspect
	Attributes    map[string]any
	ValidAt       *time.Time
}

// ResolvedCandidate is a candidate whose entity names have been mapped to
// canonical UUIDs. Consumed candidates were absorbed into an existing
// statement and produce no new node.
type ResolvedCandidate struct {
	Candidate CandidateTriple
	Triple    Triple
	Statement *Statement
	Consumed  bool
	// NewEntities are entities created during resolution, in subject,
	// predicate, object order where applicable.
	NewEntities []*Entity
}

// Invalidation records one contradiction decided by the invalidator: the
// existing statement is closed at At by the statement identified By.
type Invalidation struct {
	StatementUUID string
	At            time.Time
	By            string
}
