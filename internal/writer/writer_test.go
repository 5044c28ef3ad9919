package writer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/config"
	"engram/internal/store"
	"engram/internal/types"
)

func newFixture(t *testing.T) (*Writer, *store.Store) {
	t.Helper()
	s, err := store.New(config.GraphConfig{Path: ":memory:"}, config.VectorConfig{Dimension: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, s.Vectors()), s
}

func seedEpisode(t *testing.T, s *store.Store) string {
	t.Helper()
	ep := &types.Episode{
		UUID:      uuid.NewString(),
		Content:   "content",
		SessionID: "sess-1",
		Type:      types.EpisodeConversation,
		UserID:    "user-1",
		Status:    types.StatusProcessing,
	}
	require.NoError(t, s.UpsertEpisode(context.Background(), ep))
	return ep.UUID
}

func resolvedCandidate(consumed bool) types.ResolvedCandidate {
	subject := &types.Entity{UUID: uuid.NewString(), Name: "Alice", NameEmbedding: []float32{1, 0, 0, 0}, UserID: "user-1"}
	predicate := &types.Entity{UUID: uuid.NewString(), Name: "works at", Type: types.PredicateEntityType, UserID: "user-1"}
	object := &types.Entity{UUID: uuid.NewString(), Name: "Acme", UserID: "user-1"}
	st := &types.Statement{
		UUID:          uuid.NewString(),
		Fact:          "Alice works at Acme.",
		FactEmbedding: []float32{0, 1, 0, 0},
		SubjectUUID:   subject.UUID,
		PredicateUUID: predicate.UUID,
		ObjectUUID:    object.UUID,
		ValidAt:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Aspect:        types.AspectAttribute,
		UserID:        "user-1",
	}
	return types.ResolvedCandidate{
		Triple:      types.Triple{SubjectUUID: subject.UUID, PredicateUUID: predicate.UUID, ObjectUUID: object.UUID},
		Statement:   st,
		Consumed:    consumed,
		NewEntities: []*types.Entity{subject, predicate, object},
	}
}

func TestWriteCandidatesNewStatement(t *testing.T) {
	w, s := newFixture(t)
	ctx := context.Background()
	epUUID := seedEpisode(t, s)

	rc := resolvedCandidate(false)
	res, err := w.WriteCandidates(ctx, epUUID, []types.ResolvedCandidate{rc}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NewEntities)
	assert.Equal(t, 1, res.NewStatements)
	assert.Zero(t, res.Consumed)

	got, err := s.GetStatements(ctx, []string{rc.Statement.UUID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ProvenanceCount)

	episodes, err := s.ProvenanceEpisodes(ctx, rc.Statement.UUID)
	require.NoError(t, err)
	assert.Equal(t, []string{epUUID}, episodes)

	// Entity and statement vectors landed in their namespaces.
	ids, err := s.Vectors().ListIDs(ctx, types.NamespaceEntity, "user-1")
	require.NoError(t, err)
	assert.Len(t, ids, 1, "only entities with embeddings are indexed")

	ids, err = s.Vectors().ListIDs(ctx, types.NamespaceStatement, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{rc.Statement.UUID}, ids)
}

func TestWriteCandidatesIdempotent(t *testing.T) {
	w, s := newFixture(t)
	ctx := context.Background()
	epUUID := seedEpisode(t, s)

	rc := resolvedCandidate(false)
	_, err := w.WriteCandidates(ctx, epUUID, []types.ResolvedCandidate{rc}, nil)
	require.NoError(t, err)
	_, err = w.WriteCandidates(ctx, epUUID, []types.ResolvedCandidate{rc}, nil)
	require.NoError(t, err)

	got, err := s.GetStatements(ctx, []string{rc.Statement.UUID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ProvenanceCount, "re-running the write adds no duplicate provenance")
}

func TestWriteCandidatesConsumed(t *testing.T) {
	w, s := newFixture(t)
	ctx := context.Background()

	firstEp := seedEpisode(t, s)
	rc := resolvedCandidate(false)
	_, err := w.WriteCandidates(ctx, firstEp, []types.ResolvedCandidate{rc}, nil)
	require.NoError(t, err)

	// A second episode consumes the same statement.
	secondEp := seedEpisode(t, s)
	dup := types.ResolvedCandidate{Triple: rc.Triple, Statement: rc.Statement, Consumed: true}
	res, err := w.WriteCandidates(ctx, secondEp, []types.ResolvedCandidate{dup}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Consumed)
	assert.Zero(t, res.NewStatements)

	got, err := s.GetStatements(ctx, []string{rc.Statement.UUID})
	require.NoError(t, err)
	assert.Equal(t, 2, got[0].ProvenanceCount)
}

func TestWriteCandidatesAppliesInvalidations(t *testing.T) {
	w, s := newFixture(t)
	ctx := context.Background()
	epUUID := seedEpisode(t, s)

	old := resolvedCandidate(false)
	_, err := w.WriteCandidates(ctx, epUUID, []types.ResolvedCandidate{old}, nil)
	require.NoError(t, err)

	replacement := resolvedCandidate(false)
	at := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	res, err := w.WriteCandidates(ctx, epUUID, []types.ResolvedCandidate{replacement}, []types.Invalidation{
		{StatementUUID: old.Statement.UUID, At: at, By: replacement.Statement.UUID},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Invalidated)

	got, err := s.GetStatements(ctx, []string{old.Statement.UUID})
	require.NoError(t, err)
	require.NotNil(t, got[0].InvalidAt)
	assert.True(t, got[0].InvalidAt.Equal(at))
	assert.Equal(t, replacement.Statement.UUID, got[0].InvalidatedBy)
}

func TestWriteEpisode(t *testing.T) {
	w, s := newFixture(t)
	ctx := context.Background()

	ep := &types.Episode{
		UUID:             uuid.NewString(),
		Content:          "hello",
		ContentEmbedding: []float32{0, 0, 1, 0},
		SessionID:        "sess-1",
		Type:             types.EpisodeConversation,
		UserID:           "user-1",
		Status:           types.StatusCompleted,
	}
	require.NoError(t, w.WriteEpisode(ctx, ep))

	got, err := s.GetEpisode(ctx, ep.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)

	ids, err := s.Vectors().ListIDs(ctx, types.NamespaceEpisode, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{ep.UUID}, ids)
}
