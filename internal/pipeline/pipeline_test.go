package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/config"
	"engram/internal/queue"
	"engram/internal/store"
	"engram/internal/types"
)

// hashEmbedder derives a stable pseudo-random unit vector per text. Equal
// texts embed identically; distinct texts land far apart at dimension 32.
type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 32)
	var norm float64
	for i := range vec {
		vec[i] = float32(int8(sum[i]))
		norm += float64(vec[i]) * float64(vec[i])
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

func (h hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := h.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (hashEmbedder) Dimensions() int { return 32 }
func (hashEmbedder) Name() string    { return "hash" }

// fakeModel routes calls by schema shape: extraction prompts match canned
// candidate sets by substring, adjudications answer a fixed verdict, and
// titling returns a fixed title.
type fakeModel struct {
	mu          sync.Mutex
	extractions map[string]string // prompt substring -> candidates JSON
	verdict     bool
	failing     bool
}

func (f *fakeModel) GenerateJSON(ctx context.Context, system, prompt string, schema map[string]any, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return &types.ExtractionError{Attempts: 1, LastMessage: "scripted failure"}
	}
	props, _ := schema["properties"].(map[string]any)
	switch {
	case props["candidates"] != nil:
		// Match only against the chunk body, not the context windows.
		body := prompt
		if i := strings.Index(body, "Extract triples from this text:"); i >= 0 {
			body = body[i:]
		}
		if j := strings.Index(body, "Following context"); j >= 0 {
			body = body[:j]
		}
		for sub, resp := range f.extractions {
			if strings.Contains(body, sub) {
				return json.Unmarshal([]byte(resp), out)
			}
		}
		return json.Unmarshal([]byte(`{"candidates": []}`), out)
	case props["verdicts"] != nil:
		n := strings.Count(prompt, "Pair ")
		verdicts := make([]bool, n)
		for i := range verdicts {
			verdicts[i] = f.verdict
		}
		raw, _ := json.Marshal(map[string]any{"verdicts": verdicts})
		return json.Unmarshal(raw, out)
	case props["title"] != nil:
		return json.Unmarshal([]byte(`{"title": "Generated Title"}`), out)
	}
	return fmt.Errorf("unexpected schema in fake model")
}

func candidateJSON(subject, predicate, object, fact string, aspect types.Aspect) string {
	raw, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"subjectName":   subject,
			"predicateName": predicate,
			"objectName":    object,
			"fact":          fact,
			"aspect":        string(aspect),
		}},
	})
	return string(raw)
}

type fixture struct {
	pipeline *Pipeline
	store    *store.Store
	model    *fakeModel
	queue    *queue.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(config.GraphConfig{Path: ":memory:"}, config.VectorConfig{Dimension: 32})
	require.NoError(t, err)

	cfg := config.Default(t.TempDir())
	cfg.Queue.DedupWindow = time.Minute
	cfg.Queue.Defaults = config.QueueSettings{
		Concurrency: 4,
		MaxAttempts: 1,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		MaxDepth:    64,
	}
	cfg.Queue.Queues = nil

	m := &fakeModel{extractions: map[string]string{}}
	qm := queue.NewManager(cfg.Queue, s.KV())

	p := New(&Services{
		Graph:    s,
		Vectors:  s.Vectors(),
		Labels:   s.Labels(),
		Embedder: hashEmbedder{},
		Model:    m,
		Queue:    qm,
		Config:   cfg,
	})
	qm.Start(context.Background())
	t.Cleanup(func() {
		qm.Stop()
		s.Close()
	})
	return &fixture{pipeline: p, store: s, model: m, queue: qm}
}

func (f *fixture) waitStatus(t *testing.T, episodeUUID string, want types.EpisodeStatus) *types.Episode {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ep, err := f.store.GetEpisode(context.Background(), episodeUUID)
		if err == nil && ep.Status == want {
			return ep
		}
		time.Sleep(10 * time.Millisecond)
	}
	ep, _ := f.store.GetEpisode(context.Background(), episodeUUID)
	t.Fatalf("Episode %s never reached %s (last: %+v)", episodeUUID, want, ep)
	return nil
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ve *types.ValidationError
	_, err := f.pipeline.Ingest(ctx, IngestRequest{SessionID: "s", UserID: "u"})
	require.ErrorAs(t, err, &ve)

	_, err = f.pipeline.Ingest(ctx, IngestRequest{EpisodeBody: "x", UserID: "u"})
	require.ErrorAs(t, err, &ve)

	_, err = f.pipeline.Ingest(ctx, IngestRequest{EpisodeBody: "x", SessionID: "s"})
	require.ErrorAs(t, err, &ve)

	_, err = f.pipeline.Ingest(ctx, IngestRequest{EpisodeBody: "x", SessionID: "s", UserID: "u", Type: "WEIRD"})
	require.ErrorAs(t, err, &ve)
}

func TestIngestConversationEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.model.extractions["Alice works at Acme"] = candidateJSON(
		"Alice", "works at", "Acme", "Alice works at Acme.", types.AspectAttribute)

	id, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		EpisodeBody: "Alice works at Acme.",
		SessionID:   "s1",
		UserID:      "user-1",
	})
	require.NoError(t, err)

	ep := f.waitStatus(t, id, types.StatusCompleted)
	assert.Equal(t, "core", ep.Source)

	ctx := context.Background()
	stmts, err := f.store.StatementsForEpisode(ctx, id)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, "Alice works at Acme.", stmts[0].Fact)
	assert.Nil(t, stmts[0].InvalidAt)

	// Subject, predicate and object entities exist.
	scope := types.Scope{UserID: "user-1"}
	for _, name := range []string{"Alice", "works at", "Acme"} {
		_, err := f.store.GetEntityByName(ctx, scope, name)
		require.NoError(t, err, "entity %q should exist", name)
	}

	// Episode vector landed.
	ids, err := f.store.Vectors().ListIDs(ctx, types.NamespaceEpisode, "user-1")
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}

func TestIngestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.model.extractions["Alice works at Acme"] = candidateJSON(
		"Alice", "works at", "Acme", "Alice works at Acme.", types.AspectAttribute)

	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := IngestRequest{
		EpisodeBody:   "Alice works at Acme.",
		ReferenceTime: ref,
		SessionID:     "s1",
		UserID:        "user-1",
	}
	ctx := context.Background()
	first, err := f.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	f.waitStatus(t, first, types.StatusCompleted)

	second, err := f.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second, "replay returns the same episode id")

	// Still completed, still one statement.
	ep, err := f.store.GetEpisode(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, ep.Status)

	stmts, err := f.store.StatementsForEpisode(ctx, first)
	require.NoError(t, err)
	assert.Len(t, stmts, 1)
}

func TestFactUpdateInvalidatesOldStatement(t *testing.T) {
	f := newFixture(t)
	f.model.verdict = true
	f.model.extractions["Alice works at Acme"] = candidateJSON(
		"Alice", "works at", "Acme", "Alice works at Acme.", types.AspectAttribute)
	f.model.extractions["Alice now works at Globex"] = candidateJSON(
		"Alice", "works at", "Globex", "Alice works at Globex.", types.AspectAttribute)

	ctx := context.Background()
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	first, err := f.pipeline.Ingest(ctx, IngestRequest{
		EpisodeBody: "Alice works at Acme.", ReferenceTime: jan, SessionID: "s1", UserID: "user-1",
	})
	require.NoError(t, err)
	f.waitStatus(t, first, types.StatusCompleted)

	second, err := f.pipeline.Ingest(ctx, IngestRequest{
		EpisodeBody: "Alice now works at Globex.", ReferenceTime: jun, SessionID: "s1", UserID: "user-1",
	})
	require.NoError(t, err)
	f.waitStatus(t, second, types.StatusCompleted)

	scope := types.Scope{UserID: "user-1"}
	alice, err := f.store.GetEntityByName(ctx, scope, "Alice")
	require.NoError(t, err)
	worksAt, err := f.store.GetEntityByName(ctx, scope, "works at")
	require.NoError(t, err)

	all, err := f.store.StatementsBySubjectPredicate(ctx, scope, alice.UUID, worksAt.UUID, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	active, err := f.store.StatementsBySubjectPredicate(ctx, scope, alice.UUID, worksAt.UUID, true)
	require.NoError(t, err)
	require.Len(t, active, 1, "only the newer fact is active")
	assert.Equal(t, "Alice works at Globex.", active[0].Fact)

	var old *types.Statement
	for i := range all {
		if all[i].Fact == "Alice works at Acme." {
			old = &all[i]
		}
	}
	require.NotNil(t, old)
	require.NotNil(t, old.InvalidAt)
	assert.True(t, old.InvalidAt.Equal(jun), "invalidAt is the new statement's validAt")
	assert.Equal(t, active[0].UUID, old.InvalidatedBy)
}

func TestEntityDedupAcrossEpisodes(t *testing.T) {
	f := newFixture(t)
	f.model.extractions["Sam Altman runs"] = candidateJSON(
		"Sam Altman", "runs", "OpenAI", "Sam Altman runs OpenAI.", types.AspectAttribute)
	f.model.extractions["sam altman lives"] = candidateJSON(
		"sam altman", "lives in", "San Francisco", "sam altman lives in San Francisco.", types.AspectAttribute)

	ctx := context.Background()
	first, err := f.pipeline.Ingest(ctx, IngestRequest{
		EpisodeBody: "Sam Altman runs OpenAI.", SessionID: "s1", UserID: "user-1",
	})
	require.NoError(t, err)
	f.waitStatus(t, first, types.StatusCompleted)

	second, err := f.pipeline.Ingest(ctx, IngestRequest{
		EpisodeBody: "sam altman lives in SF.", SessionID: "s2", UserID: "user-1",
	})
	require.NoError(t, err)
	f.waitStatus(t, second, types.StatusCompleted)

	groups, err := f.store.DuplicateEntityGroups(ctx, types.Scope{UserID: "user-1"})
	require.NoError(t, err)
	assert.Empty(t, groups, "case variants resolve to one entity")

	s1, err := f.store.StatementsForEpisode(ctx, first)
	require.NoError(t, err)
	s2, err := f.store.StatementsForEpisode(ctx, second)
	require.NoError(t, err)
	require.Len(t, s1, 1)
	require.Len(t, s2, 1)
	assert.Equal(t, s1[0].SubjectUUID, s2[0].SubjectUUID, "both statements share the subject")
}

func TestExtractionFailureMarksEpisodeFailed(t *testing.T) {
	f := newFixture(t)
	f.model.failing = true

	id, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		EpisodeBody: "some content", SessionID: "s1", UserID: "user-1",
	})
	require.NoError(t, err)

	ep := f.waitStatus(t, id, types.StatusFailed)
	assert.Contains(t, ep.Error, "scripted failure")

	dead, err := f.queue.DeadLetters(context.Background(), queue.QueueIngest)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestRetryFailedEpisode(t *testing.T) {
	f := newFixture(t)
	f.model.failing = true

	ctx := context.Background()
	id, err := f.pipeline.Ingest(ctx, IngestRequest{
		EpisodeBody: "retry me", SessionID: "s1", UserID: "user-1",
	})
	require.NoError(t, err)
	f.waitStatus(t, id, types.StatusFailed)

	// Retry of a non-FAILED episode is rejected.
	var ve *types.ValidationError
	err = f.pipeline.Retry(ctx, "missing")
	require.Error(t, err)

	f.model.mu.Lock()
	f.model.failing = false
	f.model.mu.Unlock()

	require.NoError(t, f.pipeline.Retry(ctx, id))
	ep := f.waitStatus(t, id, types.StatusCompleted)
	assert.Empty(t, ep.Error, "error message cleared on success")

	err = f.pipeline.Retry(ctx, id)
	require.ErrorAs(t, err, &ve, "completed episodes cannot be retried")
}

func TestTitleHookGeneratesTitle(t *testing.T) {
	f := newFixture(t)

	id, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		EpisodeBody: "untitled content", SessionID: "s1", UserID: "user-1",
	})
	require.NoError(t, err)
	f.waitStatus(t, id, types.StatusCompleted)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ep, err := f.store.GetEpisode(context.Background(), id)
		require.NoError(t, err)
		if ep.Title != "" {
			assert.Equal(t, "Generated Title", ep.Title)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Title was never generated")
}

func TestProvidedTitleNotOverwritten(t *testing.T) {
	f := newFixture(t)

	id, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		EpisodeBody: "content", SessionID: "s1", UserID: "user-1", Title: "My Title",
	})
	require.NoError(t, err)
	ep := f.waitStatus(t, id, types.StatusCompleted)
	assert.Equal(t, "My Title", ep.Title)
}
