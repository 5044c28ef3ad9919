package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/config"
	"engram/internal/store"
	"engram/internal/types"
)

// fakeEmbedder maps known texts to fixed vectors; unknown texts get a
// distant default so they never score as similar.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedder down")
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 4 }
func (f *fakeEmbedder) Name() string    { return "fake" }

// plannerModel answers the classification call with fixed modes, or fails.
type plannerModel struct {
	modes []string
	fail  bool
}

func (p *plannerModel) GenerateJSON(ctx context.Context, system, prompt string, schema map[string]any, out any) error {
	if p.fail {
		return fmt.Errorf("model down")
	}
	raw, _ := json.Marshal(map[string]any{"modes": p.modes})
	return json.Unmarshal(raw, out)
}

// scoringReranker scores each document by a canned substring table.
type scoringReranker struct {
	scores map[string]float64 // substring -> score
}

func (r *scoringReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	out := make([]float64, len(docs))
	for i, d := range docs {
		for sub, s := range r.scores {
			if strings.Contains(d, sub) {
				out[i] = s
			}
		}
	}
	return out, nil
}

func (r *scoringReranker) Name() string { return "scripted" }

type fixture struct {
	engine   *Engine
	store    *store.Store
	embedder *fakeEmbedder
	model    *plannerModel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(config.GraphConfig{Path: ":memory:"}, config.VectorConfig{Dimension: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default(t.TempDir()).Retrieval
	// Tiny corpora produce near-zero BM25 scores; disable the floor.
	cfg.BM25MinScore = 0

	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	m := &plannerModel{modes: []string{"lexical", "semantic"}}
	eng := New(s, s.Vectors(), emb, m, nil, cfg, config.RerankConfig{})
	return &fixture{engine: eng, store: s, embedder: emb, model: m}
}

func (f *fixture) entity(t *testing.T, uuid, name string) {
	t.Helper()
	require.NoError(t, f.store.UpsertEntity(context.Background(), &types.Entity{
		UUID: uuid, Name: name, UserID: "user-1", CreatedAt: time.Now(),
	}))
}

func (f *fixture) episode(t *testing.T, uuid, session, content string, validAt time.Time) {
	t.Helper()
	require.NoError(t, f.store.UpsertEpisode(context.Background(), &types.Episode{
		UUID: uuid, Content: content, Source: "core", SessionID: session,
		Type: types.EpisodeConversation, ValidAt: validAt,
		Status: types.StatusCompleted, UserID: "user-1", CreatedAt: validAt,
	}))
}

func (f *fixture) statement(t *testing.T, uuid, fact, subj, pred, obj string, validAt time.Time) {
	t.Helper()
	require.NoError(t, f.store.UpsertStatement(context.Background(), &types.Statement{
		UUID: uuid, Fact: fact,
		SubjectUUID: subj, PredicateUUID: pred, ObjectUUID: obj,
		ValidAt: validAt, UserID: "user-1", CreatedAt: validAt,
	}))
}

func (f *fixture) provenance(t *testing.T, episodeUUID, statementUUID string) {
	t.Helper()
	require.NoError(t, f.store.AddProvenance(context.Background(), episodeUUID, statementUUID))
}

func (f *fixture) vector(t *testing.T, ns types.Namespace, id string, v []float32) {
	t.Helper()
	require.NoError(t, f.store.Vectors().Upsert(context.Background(), ns, []types.VectorRecord{
		{ID: id, UserID: "user-1", Embedding: v},
	}))
}

// seedTriple creates the shared subject/predicate/object entities once.
func (f *fixture) seedTriple(t *testing.T) (string, string, string) {
	t.Helper()
	f.entity(t, "e-alice", "Alice")
	f.entity(t, "e-pred", "prefers")
	f.entity(t, "e-obj", "Neovim")
	return "e-alice", "e-pred", "e-obj"
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ve *types.ValidationError
	_, err := f.engine.Search(ctx, SearchRequest{UserID: "user-1"})
	require.ErrorAs(t, err, &ve)

	_, err = f.engine.Search(ctx, SearchRequest{Query: "x"})
	require.ErrorAs(t, err, &ve)

	_, err = f.engine.Search(ctx, SearchRequest{Query: "x", UserID: "user-1", Mode: "psychic"})
	require.ErrorAs(t, err, &ve)
}

func TestLexicalSearch(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	now := time.Now().UTC()

	f.episode(t, "ep-editor", "s1", "a chat about editors", now)
	f.statement(t, "st-editor", "Alice prefers the Neovim editor", subj, pred, obj, now)
	f.provenance(t, "ep-editor", "st-editor")

	// Filler so the matching term carries weight.
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("st-filler-%d", i)
		f.statement(t, id, fmt.Sprintf("unrelated fact number %d about weather", i), subj, pred, obj, now)
		ep := fmt.Sprintf("ep-filler-%d", i)
		f.episode(t, ep, "s-filler", "weather talk", now)
		f.provenance(t, ep, id)
	}

	resp, err := f.engine.Search(context.Background(), SearchRequest{
		Query: "Neovim", UserID: "user-1", Mode: ModeLexical,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.False(t, resp.Degraded)
	assert.Equal(t, "ep-editor", resp.Results[0].Episode.UUID)
	require.NotEmpty(t, resp.Results[0].MatchedStatements)
	assert.Equal(t, "st-editor", resp.Results[0].MatchedStatements[0].UUID)
}

func TestSemanticSearch(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	now := time.Now().UTC()
	qv := []float32{1, 0, 0, 0}
	f.embedder.vectors["favourite editor"] = qv

	f.episode(t, "ep-sem", "s1", "editor preferences", now)
	f.statement(t, "st-sem", "Alice prefers Neovim", subj, pred, obj, now)
	f.provenance(t, "ep-sem", "st-sem")
	f.vector(t, types.NamespaceStatement, "st-sem", qv)

	// A far statement that must not clear the semantic threshold.
	f.episode(t, "ep-far", "s2", "lunch orders", now)
	f.statement(t, "st-far", "Bob ordered soup", subj, pred, obj, now)
	f.provenance(t, "ep-far", "st-far")
	f.vector(t, types.NamespaceStatement, "st-far", []float32{0, 1, 0, 0})

	resp, err := f.engine.Search(context.Background(), SearchRequest{
		Query: "favourite editor", UserID: "user-1", Mode: ModeSemantic,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ep-sem", resp.Results[0].Episode.UUID)
}

func TestHybridFusionRanksDualPlanHitFirst(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	now := time.Now().UTC()
	qv := []float32{1, 0, 0, 0}
	f.embedder.vectors["editor"] = qv
	f.model.modes = []string{"lexical", "semantic"}

	// Hit by both plans: the fact contains the keyword and its vector
	// matches the query embedding.
	f.episode(t, "ep-both", "s1", "daily tools", now)
	f.statement(t, "st-both", "Alice uses the Neovim editor daily", subj, pred, obj, now)
	f.provenance(t, "ep-both", "st-both")
	f.vector(t, types.NamespaceStatement, "st-both", qv)

	// Lexical-only hit.
	f.episode(t, "ep-lex", "s2", "passing mention", now)
	f.statement(t, "st-lex", "Bob mentioned an editor once", subj, pred, obj, now)
	f.provenance(t, "ep-lex", "st-lex")
	f.vector(t, types.NamespaceStatement, "st-lex", []float32{0, 1, 0, 0})

	resp, err := f.engine.Search(context.Background(), SearchRequest{
		Query: "editor", UserID: "user-1", Mode: ModeAuto,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "ep-both", resp.Results[0].Episode.UUID, "episode ranked by two plans fuses higher")
	assert.Equal(t, "ep-lex", resp.Results[1].Episode.UUID)
}

func TestEntityPlanTraversesFromQueryEntity(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	now := time.Now().UTC()
	qv := []float32{1, 0, 0, 0}
	f.embedder.vectors["Alice"] = qv

	f.episode(t, "ep-bfs", "s1", "about Alice", now)
	f.statement(t, "st-bfs", "Alice prefers Neovim", subj, pred, obj, now)
	f.provenance(t, "ep-bfs", "st-bfs")
	f.vector(t, types.NamespaceStatement, "st-bfs", qv)

	resp, err := f.engine.Search(context.Background(), SearchRequest{
		Query: "Alice", UserID: "user-1", Mode: ModeEntity,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ep-bfs", resp.Results[0].Episode.UUID)
	require.NotEmpty(t, resp.Results[0].MatchedStatements)
	assert.Equal(t, "st-bfs", resp.Results[0].MatchedStatements[0].UUID)
}

func TestRelationshipPlanRanksByConnectivity(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	f.entity(t, "e-bob", "Bob")
	now := time.Now().UTC()

	// Dense episode: both statements touch Alice.
	f.episode(t, "ep-dense", "s1", "all about Alice", now)
	f.statement(t, "st-d1", "Alice prefers Neovim", subj, pred, obj, now)
	f.statement(t, "st-d2", "Alice prefers tea", subj, pred, obj, now)
	f.provenance(t, "ep-dense", "st-d1")
	f.provenance(t, "ep-dense", "st-d2")

	// Sparse episode: one of two statements touches Alice.
	f.episode(t, "ep-sparse", "s2", "mixed topics", now)
	f.statement(t, "st-s1", "Alice prefers coffee", subj, pred, obj, now)
	f.statement(t, "st-s2", "Bob prefers soup", "e-bob", pred, obj, now)
	f.provenance(t, "ep-sparse", "st-s1")
	f.provenance(t, "ep-sparse", "st-s2")

	resp, err := f.engine.Search(context.Background(), SearchRequest{
		Query: "Alice", UserID: "user-1", Mode: ModeRelationship,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "ep-dense", resp.Results[0].Episode.UUID)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestTemporalFilterSelectsFactValidAtInstant(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	f.episode(t, "ep-old", "s1", "january facts", jan)
	old := &types.Statement{
		UUID: "st-old", Fact: "Alice employer is Acme",
		SubjectUUID: subj, PredicateUUID: pred, ObjectUUID: obj,
		ValidAt: jan, InvalidAt: &jun, InvalidatedBy: "st-new",
		UserID: "user-1", CreatedAt: jan,
	}
	require.NoError(t, f.store.UpsertStatement(context.Background(), old))
	f.provenance(t, "ep-old", "st-old")

	f.episode(t, "ep-new", "s1", "june facts", jun)
	f.statement(t, "st-new", "Alice employer is Globex", subj, pred, obj, jun)
	f.provenance(t, "ep-new", "st-new")

	ctx := context.Background()
	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	resp, err := f.engine.Search(ctx, SearchRequest{
		Query: "employer", UserID: "user-1", Mode: ModeLexical, ValidAt: &march,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ep-old", resp.Results[0].Episode.UUID, "the fact valid in march")

	july := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	resp, err = f.engine.Search(ctx, SearchRequest{
		Query: "employer", UserID: "user-1", Mode: ModeLexical, ValidAt: &july,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ep-new", resp.Results[0].Episode.UUID)

	// Without an anchor, invalidated facts are hidden unless asked for.
	resp, err = f.engine.Search(ctx, SearchRequest{
		Query: "employer", UserID: "user-1", Mode: ModeLexical,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ep-new", resp.Results[0].Episode.UUID)

	resp, err = f.engine.Search(ctx, SearchRequest{
		Query: "employer", UserID: "user-1", Mode: ModeLexical, IncludeInvalidated: true,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestTemporalEventMatchesOnEventDate(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f.episode(t, "ep-event", "s1", "trip report", jan)
	ev := &types.Statement{
		UUID: "st-event", Fact: "Alice visited Tokyo",
		SubjectUUID: subj, PredicateUUID: pred, ObjectUUID: obj,
		ValidAt: jan, Aspect: types.AspectEvent,
		Attributes: map[string]any{types.WellKnownEventDate: "2024-03-15"},
		UserID:     "user-1", CreatedAt: jan,
	}
	require.NoError(t, f.store.UpsertStatement(context.Background(), ev))
	f.provenance(t, "ep-event", "st-event")

	ctx := context.Background()
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	july := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	resp, err := f.engine.Search(ctx, SearchRequest{
		Query: "Tokyo", UserID: "user-1", Mode: ModeLexical, ValidAt: &feb,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results, "the event had not happened by february")

	resp, err = f.engine.Search(ctx, SearchRequest{
		Query: "Tokyo", UserID: "user-1", Mode: ModeLexical, ValidAt: &july,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	apr := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	resp, err = f.engine.Search(ctx, SearchRequest{
		Query: "Tokyo", UserID: "user-1", Mode: ModeLexical, ValidAt: &july, StartTime: &apr,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results, "event date falls before the requested window")
}

func TestEpisodeFilters(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	now := time.Now().UTC()

	f.episode(t, "ep-a", "session-a", "notes", now)
	f.statement(t, "st-a", "Alice prefers Neovim", subj, pred, obj, now)
	f.provenance(t, "ep-a", "st-a")

	f.episode(t, "ep-b", "session-b", "notes", now)
	f.statement(t, "st-b", "Alice prefers Neovim strongly", subj, pred, obj, now)
	f.provenance(t, "ep-b", "st-b")

	resp, err := f.engine.Search(context.Background(), SearchRequest{
		Query: "Neovim", UserID: "user-1", Mode: ModeLexical, SessionID: "session-b",
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ep-b", resp.Results[0].Episode.UUID)

	resp, err = f.engine.Search(context.Background(), SearchRequest{
		Query: "Neovim", UserID: "user-1", Mode: ModeLexical, Sources: []string{"slack"},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestEmbedderFailureDegradesToLexical(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	now := time.Now().UTC()

	f.episode(t, "ep-x", "s1", "notes", now)
	f.statement(t, "st-x", "Alice prefers Neovim", subj, pred, obj, now)
	f.provenance(t, "ep-x", "st-x")

	f.embedder.fail = true
	f.model.fail = true

	resp, err := f.engine.Search(context.Background(), SearchRequest{
		Query: "Neovim", UserID: "user-1", Mode: ModeAuto,
	})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ep-x", resp.Results[0].Episode.UUID)
}

func TestRerankReordersAndDropsBelowThreshold(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	now := time.Now().UTC()

	f.episode(t, "ep-first", "s1", "shallow mention of Neovim", now)
	f.statement(t, "st-first", "Alice prefers Neovim sometimes maybe", subj, pred, obj, now)
	f.provenance(t, "ep-first", "st-first")

	f.episode(t, "ep-second", "s2", "deep dive on Neovim configuration", now)
	f.statement(t, "st-second", "Alice prefers Neovim", subj, pred, obj, now)
	f.provenance(t, "ep-second", "st-second")

	reranker := &scoringReranker{scores: map[string]float64{
		"shallow": 0.05,
		"deep":    0.9,
	}}
	cfg := f.engine.cfg
	eng := New(f.store, f.store.Vectors(), f.embedder, f.model, reranker,
		cfg, config.RerankConfig{Threshold: 0.1, TopM: 25})

	resp, err := eng.Search(context.Background(), SearchRequest{
		Query: "Neovim", UserID: "user-1", Mode: ModeLexical,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1, "the low-scoring episode is dropped")
	assert.Equal(t, "ep-second", resp.Results[0].Episode.UUID)
	assert.InDelta(t, 0.9, resp.Results[0].Score, 1e-9)
}

func TestHydrationAttachesAdjacentChunks(t *testing.T) {
	f := newFixture(t)
	subj, pred, obj := f.seedTriple(t)
	now := time.Now().UTC()

	for i, id := range []string{"c0", "c1", "c2"} {
		require.NoError(t, f.store.UpsertEpisode(context.Background(), &types.Episode{
			UUID: id, Content: "chunk " + id, SessionID: "doc-1",
			Type: types.EpisodeDocument, ChunkIndex: i, TotalChunks: 3, Version: 1,
			ValidAt: now, Status: types.StatusCompleted, UserID: "user-1", CreatedAt: now,
		}))
	}
	f.statement(t, "st-mid", "Alice prefers Neovim", subj, pred, obj, now)
	f.provenance(t, "c1", "st-mid")

	resp, err := f.engine.Search(context.Background(), SearchRequest{
		Query: "Neovim", UserID: "user-1", Mode: ModeLexical,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	r := resp.Results[0]
	assert.Equal(t, "c1", r.Episode.UUID)
	require.NotNil(t, r.Previous)
	require.NotNil(t, r.Next)
	assert.Equal(t, "c0", r.Previous.UUID)
	assert.Equal(t, "c2", r.Next.UUID)
}

func TestFuseRRF(t *testing.T) {
	a := planResult{mode: ModeLexical, hits: []episodeHit{
		{uuid: "ep-1", score: 0.9}, {uuid: "ep-2", score: 0.5},
	}}
	b := planResult{mode: ModeSemantic, hits: []episodeHit{
		{uuid: "ep-2", score: 0.8}, {uuid: "ep-3", score: 0.7},
	}}

	fused := fuse([]planResult{a, b}, 60)
	require.Len(t, fused, 3)
	assert.Equal(t, "ep-2", fused[0].uuid, "present in both lists wins")
	assert.InDelta(t, 1.0/62+1.0/61, fused[0].score, 1e-9)
}
