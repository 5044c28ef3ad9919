package versioning

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/config"
	"engram/internal/store"
	"engram/internal/types"
)

func newFixture(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.New(config.GraphConfig{Path: ":memory:"}, config.VectorConfig{Dimension: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func scope() types.Scope { return types.Scope{UserID: "user-1"} }

func seedVersion(t *testing.T, s *store.Store, sessionID string, version int, hashes []string) []string {
	t.Helper()
	ctx := context.Background()
	uuids := make([]string, len(hashes))
	for i, h := range hashes {
		ep := &types.Episode{
			UUID:        fmt.Sprintf("%s-v%d-c%d", sessionID, version, i),
			Content:     fmt.Sprintf("chunk %d", i),
			SessionID:   sessionID,
			Type:        types.EpisodeDocument,
			ChunkIndex:  i,
			TotalChunks: len(hashes),
			Version:     version,
			ContentHash: h,
			UserID:      "user-1",
			Status:      types.StatusCompleted,
		}
		require.NoError(t, s.UpsertEpisode(ctx, ep))
		uuids[i] = ep.UUID
	}
	return uuids
}

func TestDiffFirstIngest(t *testing.T) {
	e, _ := newFixture(t)

	plan, err := e.Diff(context.Background(), scope(), "doc-1", []string{"h0", "h1", "h2"})
	require.NoError(t, err)

	assert.Equal(t, 1, plan.NewVersion)
	assert.Zero(t, plan.PreviousVersion)
	assert.Equal(t, []int{0, 1, 2}, plan.ChangedIndices)
	assert.Empty(t, plan.Superseded)
	assert.False(t, plan.Unchanged())
}

func TestDiffIdempotentReingest(t *testing.T) {
	e, s := newFixture(t)
	seedVersion(t, s, "doc-1", 1, []string{"h0", "h1"})

	plan, err := e.Diff(context.Background(), scope(), "doc-1", []string{"h0", "h1"})
	require.NoError(t, err)
	assert.True(t, plan.Unchanged())
	assert.Empty(t, plan.ChangedIndices)
}

func TestDiffChangedChunk(t *testing.T) {
	e, s := newFixture(t)
	uuids := seedVersion(t, s, "doc-1", 1, []string{"h0", "h1", "h2"})

	plan, err := e.Diff(context.Background(), scope(), "doc-1", []string{"h0", "h1-changed", "h2"})
	require.NoError(t, err)

	assert.Equal(t, 2, plan.NewVersion)
	assert.Equal(t, []int{1}, plan.ChangedIndices)
	require.Len(t, plan.Superseded, 1)
	assert.Equal(t, uuids[1], plan.Superseded[0].UUID)
}

func TestDiffShrunkDocument(t *testing.T) {
	e, s := newFixture(t)
	uuids := seedVersion(t, s, "doc-1", 1, []string{"h0", "h1", "h2"})

	plan, err := e.Diff(context.Background(), scope(), "doc-1", []string{"h0", "h1"})
	require.NoError(t, err)

	assert.Empty(t, plan.ChangedIndices, "no surviving index changed")
	require.Len(t, plan.Superseded, 1, "the trailing chunk is superseded")
	assert.Equal(t, uuids[2], plan.Superseded[0].UUID)
	assert.False(t, plan.Unchanged())
}

func TestDiffGrownDocument(t *testing.T) {
	e, s := newFixture(t)
	seedVersion(t, s, "doc-1", 1, []string{"h0"})

	plan, err := e.Diff(context.Background(), scope(), "doc-1", []string{"h0", "h1"})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, plan.ChangedIndices)
	assert.Empty(t, plan.Superseded)
}

func TestDiffUsesLatestVersion(t *testing.T) {
	e, s := newFixture(t)
	seedVersion(t, s, "doc-1", 1, []string{"old0", "old1"})
	seedVersion(t, s, "doc-1", 2, []string{"h0", "h1"})

	plan, err := e.Diff(context.Background(), scope(), "doc-1", []string{"h0", "h1"})
	require.NoError(t, err)
	assert.True(t, plan.Unchanged())
	assert.Equal(t, 2, plan.PreviousVersion)
}

func TestDiffAgainstCanonicalComposite(t *testing.T) {
	e, s := newFixture(t)
	ctx := context.Background()
	seedVersion(t, s, "doc-1", 1, []string{"h0", "h1", "h2"})

	// Version 2 rewrote only chunk 1; chunks 0 and 2 still live at v1.
	require.NoError(t, s.UpsertEpisode(ctx, &types.Episode{
		UUID: "doc-1-v2-c1", Content: "chunk 1", SessionID: "doc-1",
		Type: types.EpisodeDocument, ChunkIndex: 1, TotalChunks: 3,
		Version: 2, ContentHash: "h1b", UserID: "user-1",
		Status: types.StatusCompleted,
	}))

	plan, err := e.Diff(ctx, scope(), "doc-1", []string{"h0", "h1b", "h2"})
	require.NoError(t, err)
	assert.True(t, plan.Unchanged(), "chunks untouched since v1 still match")
	assert.Equal(t, 2, plan.PreviousVersion)
}

func TestInvalidateSuperseded(t *testing.T) {
	e, s := newFixture(t)
	ctx := context.Background()
	uuids := seedVersion(t, s, "doc-1", 1, []string{"h0", "h1"})

	// Entities for the statements.
	for _, name := range []string{"a", "p", "b"} {
		require.NoError(t, s.UpsertEntity(ctx, &types.Entity{UUID: name, Name: name, UserID: "user-1"}))
	}
	mkStatement := func(id string) {
		require.NoError(t, s.UpsertStatement(ctx, &types.Statement{
			UUID: id, Fact: "fact " + id,
			SubjectUUID: "a", PredicateUUID: "p", ObjectUUID: "b",
			ValidAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			UserID:  "user-1",
		}))
	}
	mkStatement("sole")
	mkStatement("shared")
	require.NoError(t, s.AddProvenance(ctx, uuids[1], "sole"))
	require.NoError(t, s.AddProvenance(ctx, uuids[1], "shared"))
	require.NoError(t, s.AddProvenance(ctx, uuids[0], "shared"))

	plan := &Plan{NewVersion: 2, PreviousVersion: 1, ChangedIndices: []int{1}}
	eps, err := s.GetEpisode(ctx, uuids[1])
	require.NoError(t, err)
	plan.Superseded = []types.Episode{*eps}

	at := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	n, err := e.InvalidateSuperseded(ctx, plan, at, "new-episode")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetStatements(ctx, []string{"sole", "shared"})
	require.NoError(t, err)
	byID := map[string]*types.Statement{}
	for i := range got {
		byID[got[i].UUID] = &got[i]
	}
	require.NotNil(t, byID["sole"].InvalidAt, "sole-provenance statement is closed")
	assert.True(t, byID["sole"].InvalidAt.Equal(at))
	assert.Equal(t, "new-episode", byID["sole"].InvalidatedBy)
	assert.Nil(t, byID["shared"].InvalidAt, "statement also cited by an unchanged chunk stays valid")
}

func TestInvalidateSupersededEmptyPlan(t *testing.T) {
	e, _ := newFixture(t)
	n, err := e.InvalidateSuperseded(context.Background(), &Plan{}, time.Now(), "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}
