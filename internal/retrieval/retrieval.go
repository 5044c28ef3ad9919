// Package retrieval serves hybrid search over the memory graph: BM25 over
// statement facts, vector similarity, BFS entity expansion and episode
// connectivity run as independent sub-plans whose episode rankings are
// fused with reciprocal-rank fusion, optionally reranked, then hydrated
// with adjacent chunks.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/types"
)

// Mode selects which sub-plans run for a query.
type Mode string

const (
	ModeAuto         Mode = "auto"
	ModeLexical      Mode = "lexical"
	ModeSemantic     Mode = "semantic"
	ModeEntity       Mode = "entity"
	ModeTemporal     Mode = "temporal"
	ModeRelationship Mode = "relationship"
	ModeExploratory  Mode = "exploratory"
)

// SearchRequest is the external search contract.
type SearchRequest struct {
	Query string `json:"query"`

	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId,omitempty"`

	Limit              int        `json:"limit,omitempty"`
	Mode               Mode       `json:"mode,omitempty"`
	ValidAt            *time.Time `json:"validAt,omitempty"`
	StartTime          *time.Time `json:"startTime,omitempty"`
	IncludeInvalidated bool       `json:"includeInvalidated,omitempty"`
	LabelIDs           []string   `json:"labelIds,omitempty"`
	SessionID          string     `json:"sessionId,omitempty"`
	Sources            []string   `json:"sources,omitempty"`
}

func (r *SearchRequest) validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return &types.ValidationError{Field: "query", Reason: "required"}
	}
	if r.UserID == "" {
		return &types.ValidationError{Field: "userId", Reason: "required"}
	}
	switch r.Mode {
	case "", ModeAuto, ModeLexical, ModeSemantic, ModeEntity, ModeTemporal, ModeRelationship, ModeExploratory:
	default:
		return &types.ValidationError{Field: "mode", Reason: "unknown search mode " + string(r.Mode)}
	}
	return nil
}

// SearchResult is one ranked episode with the statements that matched and
// its surrounding chunks.
type SearchResult struct {
	Episode           types.Episode
	Score             float64
	MatchedStatements []types.Statement
	Previous          *types.Episode
	Next              *types.Episode
}

// SearchResponse carries ranked results. Degraded is set when at least one
// sub-plan failed and the ranking was built from the rest.
type SearchResponse struct {
	Results  []SearchResult
	Degraded bool
}

// Engine executes hybrid searches. It is safe for concurrent use.
type Engine struct {
	graph    types.GraphStore
	vectors  types.VectorStore
	embedder embedding.Engine
	model    types.ModelClient
	reranker types.Reranker // nil disables reranking

	cfg    config.RetrievalConfig
	rerank config.RerankConfig
}

// New builds a retrieval engine. reranker may be nil.
func New(graph types.GraphStore, vectors types.VectorStore, embedder embedding.Engine,
	model types.ModelClient, reranker types.Reranker,
	cfg config.RetrievalConfig, rerank config.RerankConfig) *Engine {
	return &Engine{
		graph:    graph,
		vectors:  vectors,
		embedder: embedder,
		model:    model,
		reranker: reranker,
		cfg:      cfg,
		rerank:   rerank,
	}
}

// Search runs the planned sub-plans concurrently, fuses their rankings and
// returns up to Limit hydrated results. An empty result set is not an error.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = e.cfg.DefaultLimit
	}
	scope := types.Scope{UserID: req.UserID, WorkspaceID: req.WorkspaceID}
	resp := &SearchResponse{}

	qvec, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		// Lexical search still works without a query vector.
		logging.Get(logging.CategoryRetrieval).Warn("Query embedding failed, lexical only: %v", err)
		qvec = nil
		resp.Degraded = true
	}

	modes := e.plan(ctx, req, qvec != nil)
	logging.RetrievalDebug("Query %q plans: %v", req.Query, modes)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []planResult
	)
	for _, m := range modes {
		run := e.subPlan(m)
		if run == nil {
			continue
		}
		wg.Add(1)
		go func(m Mode) {
			defer wg.Done()
			hits, err := run(ctx, scope, req, qvec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.Get(logging.CategoryRetrieval).Warn("Sub-plan %s failed: %v", m, err)
				resp.Degraded = true
				return
			}
			results = append(results, planResult{mode: m, hits: hits})
		}(m)
	}
	wg.Wait()

	fused := fuse(results, e.cfg.RRFK)
	ranked, err := e.assemble(ctx, req, fused)
	if err != nil {
		return nil, err
	}
	ranked = e.applyRerank(ctx, req.Query, ranked, resp)
	if len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}
	e.hydrate(ctx, ranked)

	resp.Results = ranked
	logging.Retrieval("Query %q: %d results from %d sub-plans (degraded=%v)",
		req.Query, len(ranked), len(results), resp.Degraded)
	return resp, nil
}

// subPlan maps a mode to its executor. Vector-dependent plans are skipped
// when the query embedding is unavailable.
func (e *Engine) subPlan(m Mode) func(context.Context, types.Scope, SearchRequest, []float32) ([]episodeHit, error) {
	switch m {
	case ModeLexical:
		return e.lexicalPlan
	case ModeSemantic:
		return e.semanticPlan
	case ModeEntity:
		return e.entityPlan
	case ModeRelationship:
		return e.relationshipPlan
	case ModeTemporal:
		return e.temporalPlan
	}
	return nil
}

// assemble fetches episodes for fused hits, applies episode-level filters
// and orders by fused score with recency breaking ties.
func (e *Engine) assemble(ctx context.Context, req SearchRequest, fused []episodeHit) ([]SearchResult, error) {
	out := make([]SearchResult, 0, len(fused))
	for _, h := range fused {
		ep, err := e.graph.GetEpisode(ctx, h.uuid)
		if err != nil {
			if types.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !episodeMatches(req, ep) {
			continue
		}
		out = append(out, SearchResult{
			Episode:           *ep,
			Score:             h.score,
			MatchedStatements: h.statements,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Episode.ValidAt.After(out[j].Episode.ValidAt)
	})
	return out, nil
}

func episodeMatches(req SearchRequest, ep *types.Episode) bool {
	if req.SessionID != "" && ep.SessionID != req.SessionID {
		return false
	}
	if len(req.Sources) > 0 && !contains(req.Sources, ep.Source) {
		return false
	}
	if len(req.LabelIDs) > 0 {
		matched := false
		for _, want := range req.LabelIDs {
			if contains(ep.LabelIDs, want) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if req.StartTime != nil && ep.ValidAt.Before(*req.StartTime) {
		return false
	}
	return true
}

// applyRerank reorders the fused top M with the cross-encoder and drops
// entries scoring below the rerank threshold. Rerank failure keeps the
// fused order and flags the response degraded.
func (e *Engine) applyRerank(ctx context.Context, query string, ranked []SearchResult, resp *SearchResponse) []SearchResult {
	if e.reranker == nil || len(ranked) == 0 {
		return ranked
	}
	top := len(ranked)
	if e.rerank.TopM > 0 && e.rerank.TopM < top {
		top = e.rerank.TopM
	}
	docs := make([]string, top)
	for i := 0; i < top; i++ {
		docs[i] = truncate(ranked[i].Episode.Content, 2000)
	}
	scores, err := e.reranker.Rerank(ctx, query, docs)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("Rerank failed, keeping fused order: %v", err)
		resp.Degraded = true
		return ranked
	}

	head := make([]SearchResult, 0, top)
	for i := 0; i < top; i++ {
		if scores[i] < e.rerank.Threshold {
			continue
		}
		r := ranked[i]
		r.Score = scores[i]
		head = append(head, r)
	}
	sort.SliceStable(head, func(i, j int) bool { return head[i].Score > head[j].Score })
	return append(head, ranked[top:]...)
}

// hydrate attaches the adjacent chunks of each result. Hydration is best
// effort; a failed lookup leaves the neighbors nil.
func (e *Engine) hydrate(ctx context.Context, ranked []SearchResult) {
	if e.cfg.HydrationWindow <= 0 {
		return
	}
	for i := range ranked {
		prev, next, err := e.graph.AdjacentChunks(ctx, ranked[i].Episode.UUID)
		if err != nil {
			logging.RetrievalDebug("Hydration failed for %s: %v", ranked[i].Episode.UUID, err)
			continue
		}
		ranked[i].Previous = prev
		ranked[i].Next = next
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
