package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/config"
	"engram/internal/store"
	"engram/internal/types"
)

type fakeEmbedder struct {
	fail  bool
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("embedder down")
	}
	return []float32{1, 0, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 4 }
func (f *fakeEmbedder) Name() string    { return "fake" }

type summaryModel struct {
	summary string
	calls   int
	fail    bool
}

func (m *summaryModel) GenerateJSON(ctx context.Context, system, prompt string, schema map[string]any, out any) error {
	m.calls++
	if m.fail {
		return fmt.Errorf("model down")
	}
	raw, _ := json.Marshal(map[string]any{"summary": m.summary})
	return json.Unmarshal(raw, out)
}

type fixture struct {
	sweeper  *Sweeper
	store    *store.Store
	embedder *fakeEmbedder
	model    *summaryModel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(config.GraphConfig{Path: ":memory:"}, config.VectorConfig{Dimension: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	emb := &fakeEmbedder{}
	m := &summaryModel{summary: "Alice discussed editors and employers."}
	cfg := config.MaintenanceConfig{
		OrphanSweepInterval:      time.Hour,
		CompactionDelay:          time.Minute,
		MinEpisodesForCompaction: 3,
	}
	return &fixture{
		sweeper:  New(s, s.Vectors(), s.Labels(), emb, m, cfg),
		store:    s,
		embedder: emb,
		model:    m,
	}
}

func scope() types.Scope { return types.Scope{UserID: "user-1"} }

func (f *fixture) entity(t *testing.T, uuid, name string, createdAt time.Time, attrs map[string]any) {
	t.Helper()
	require.NoError(t, f.store.UpsertEntity(context.Background(), &types.Entity{
		UUID: uuid, Name: name, Attributes: attrs, UserID: "user-1", CreatedAt: createdAt,
	}))
}

func (f *fixture) statement(t *testing.T, uuid, fact, subj, pred, obj string) {
	t.Helper()
	require.NoError(t, f.store.UpsertStatement(context.Background(), &types.Statement{
		UUID: uuid, Fact: fact,
		SubjectUUID: subj, PredicateUUID: pred, ObjectUUID: obj,
		ValidAt: time.Now(), UserID: "user-1", CreatedAt: time.Now(),
	}))
}

func (f *fixture) vector(t *testing.T, ns types.Namespace, id string) {
	t.Helper()
	require.NoError(t, f.store.Vectors().Upsert(context.Background(), ns, []types.VectorRecord{
		{ID: id, UserID: "user-1", Embedding: []float32{1, 0, 0, 0}},
	}))
}

func TestSweepOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	f.entity(t, "e-used-s", "Alice", now, nil)
	f.entity(t, "e-used-p", "works at", now, nil)
	f.entity(t, "e-used-o", "Acme", now, nil)
	f.statement(t, "st-1", "Alice works at Acme", "e-used-s", "e-used-p", "e-used-o")

	f.entity(t, "e-orphan", "Nobody", now, nil)
	f.vector(t, types.NamespaceEntity, "e-orphan")

	n, err := f.sweeper.SweepOrphans(ctx, scope())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.GetEntity(ctx, "e-orphan")
	assert.True(t, types.IsNotFound(err))
	_, err = f.store.GetEntity(ctx, "e-used-s")
	require.NoError(t, err, "entities carrying facts survive")

	ids, err := f.store.Vectors().ListIDs(ctx, types.NamespaceEntity, "user-1")
	require.NoError(t, err)
	assert.NotContains(t, ids, "e-orphan")
}

func TestDedupEntitiesMergesIntoOldest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	f.entity(t, "e-old", "Sam Altman", jan, map[string]any{"role": "ceo", "city": "SF"})
	f.entity(t, "e-new", "sam altman", jun, map[string]any{"role": "founder"})
	f.vector(t, types.NamespaceEntity, "e-old")
	f.vector(t, types.NamespaceEntity, "e-new")

	f.entity(t, "e-pred", "runs", jan, nil)
	f.entity(t, "e-obj", "OpenAI", jan, nil)
	f.statement(t, "st-1", "sam altman runs OpenAI", "e-new", "e-pred", "e-obj")

	merged, err := f.sweeper.DedupEntities(ctx, scope())
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	groups, err := f.store.DuplicateEntityGroups(ctx, scope())
	require.NoError(t, err)
	assert.Empty(t, groups)

	canonical, err := f.store.GetEntity(ctx, "e-old")
	require.NoError(t, err)
	assert.Equal(t, "founder", canonical.Attributes["role"], "newer attribute value wins")
	assert.Equal(t, "SF", canonical.Attributes["city"], "untouched attribute survives")

	_, err = f.store.GetEntity(ctx, "e-new")
	assert.True(t, types.IsNotFound(err))

	sts, err := f.store.GetStatements(ctx, []string{"st-1"})
	require.NoError(t, err)
	require.Len(t, sts, 1)
	assert.Equal(t, "e-old", sts[0].SubjectUUID, "statement role repointed to the canonical entity")

	ids, err := f.store.Vectors().ListIDs(ctx, types.NamespaceEntity, "user-1")
	require.NoError(t, err)
	assert.NotContains(t, ids, "e-new")
}

func TestReconcileRepairsAndPrunes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	f.entity(t, "e-s", "Alice", now, nil)
	f.entity(t, "e-p", "works at", now, nil)
	f.entity(t, "e-o", "Acme", now, nil)
	f.statement(t, "st-1", "Alice works at Acme", "e-s", "e-p", "e-o")
	// Statement has its vector; the three entities are missing theirs.
	f.vector(t, types.NamespaceStatement, "st-1")
	// A vector whose node is gone.
	f.vector(t, types.NamespaceEntity, "e-deleted")

	report := &Report{}
	require.NoError(t, f.sweeper.Reconcile(ctx, scope(), report))
	assert.Equal(t, 3, report.VectorsRepaired)
	assert.Equal(t, 1, report.VectorsPruned)
	assert.Zero(t, report.VectorsFailed)

	ids, err := f.store.Vectors().ListIDs(ctx, types.NamespaceEntity, "user-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e-s", "e-p", "e-o"}, ids)
}

func TestReconcileMarksNodeAfterRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.entity(t, "e-s", "Alice", time.Now(), nil)
	f.entity(t, "e-p", "works at", time.Now(), nil)
	f.entity(t, "e-o", "Acme", time.Now(), nil)
	f.statement(t, "st-1", "Alice works at Acme", "e-s", "e-p", "e-o")

	f.embedder.fail = true
	report := &Report{}
	require.NoError(t, f.sweeper.Reconcile(ctx, scope(), report))
	assert.Zero(t, report.VectorsRepaired)
	assert.Equal(t, 4, report.VectorsFailed, "three entities and one statement")

	e, err := f.store.GetEntity(ctx, "e-s")
	require.NoError(t, err)
	assert.Equal(t, true, e.Attributes[vectorFailedAttr])
}

func seedSessionEpisodes(t *testing.T, f *fixture, session string, n int) {
	t.Helper()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.UpsertEpisode(context.Background(), &types.Episode{
			UUID:      fmt.Sprintf("%s-ep-%d", session, i),
			Content:   fmt.Sprintf("turn %d of the conversation", i),
			SessionID: session,
			Type:      types.EpisodeConversation,
			ValidAt:   base.Add(time.Duration(i) * time.Hour),
			Status:    types.StatusCompleted,
			UserID:    "user-1",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
}

func TestCompactSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedSessionEpisodes(t, f, "s1", 4)

	require.NoError(t, f.sweeper.CompactSession(ctx, scope(), "s1"))

	cs, err := f.store.GetCompactedSession(ctx, scope(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, cs.EpisodeCount)
	assert.Equal(t, f.model.summary, cs.Summary)
	assert.Greater(t, cs.CompressionRatio, 0.0)
	assert.True(t, cs.EndTime.After(cs.StartTime))

	ids, err := f.store.Vectors().ListIDs(ctx, types.NamespaceCompactedSession, "user-1")
	require.NoError(t, err)
	assert.Contains(t, ids, cs.UUID)
}

func TestCompactSessionSkipsSmallSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedSessionEpisodes(t, f, "tiny", 2)

	require.NoError(t, f.sweeper.CompactSession(ctx, scope(), "tiny"))
	assert.Zero(t, f.model.calls)

	_, err := f.store.GetCompactedSession(ctx, scope(), "tiny")
	assert.True(t, types.IsNotFound(err))
}

func TestCompactSessionIdempotentAtSameCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedSessionEpisodes(t, f, "s1", 4)

	require.NoError(t, f.sweeper.CompactSession(ctx, scope(), "s1"))
	require.NoError(t, f.sweeper.CompactSession(ctx, scope(), "s1"))
	assert.Equal(t, 1, f.model.calls, "unchanged session is not resummarized")

	// A new episode makes the session eligible again.
	require.NoError(t, f.store.UpsertEpisode(ctx, &types.Episode{
		UUID: "s1-ep-9", Content: "one more turn", SessionID: "s1",
		Type: types.EpisodeConversation, ValidAt: time.Now(),
		Status: types.StatusCompleted, UserID: "user-1", CreatedAt: time.Now(),
	}))
	require.NoError(t, f.sweeper.CompactSession(ctx, scope(), "s1"))
	assert.Equal(t, 2, f.model.calls)

	cs, err := f.store.GetCompactedSession(ctx, scope(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 5, cs.EpisodeCount)
}

func TestAlignLabelWritesVector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := &types.Label{ID: "lbl-1", Name: "work", Description: "job related", UserID: "user-1"}
	require.NoError(t, f.sweeper.AlignLabel(ctx, l))

	got, err := f.store.Labels().GetLabel(ctx, "lbl-1")
	require.NoError(t, err)
	assert.Equal(t, "work", got.Name)

	ids, err := f.store.Vectors().ListIDs(ctx, types.NamespaceLabel, "user-1")
	require.NoError(t, err)
	assert.Contains(t, ids, "lbl-1")
}
