package retrieval

import (
	"context"
	"sort"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// matchedStatementCap bounds how many matched statements ride on one
// episode in a ranking.
const matchedStatementCap = 5

// episodeHit is one episode in a sub-plan ranking.
type episodeHit struct {
	uuid       string
	score      float64
	statements []types.Statement
}

// planResult is the ordered output of one sub-plan.
type planResult struct {
	mode Mode
	hits []episodeHit
}

type scoredStatement struct {
	st    types.Statement
	score float64
}

// lexicalPlan runs BM25 over statement facts and groups hits by provenance
// episode, averaging scores.
func (e *Engine) lexicalPlan(ctx context.Context, scope types.Scope, req SearchRequest, _ []float32) ([]episodeHit, error) {
	hits, err := e.graph.SearchFacts(ctx, scope, req.Query, e.cfg.StatementLimit)
	if err != nil {
		return nil, err
	}
	scored := make([]scoredStatement, 0, len(hits))
	for _, h := range hits {
		// Raw BM25 is unbounded; squash to (0,1) so the floor is stable.
		norm := h.Score / (1 + h.Score)
		if norm < e.cfg.BM25MinScore {
			continue
		}
		scored = append(scored, scoredStatement{st: h.Statement, score: norm})
	}
	return e.groupByEpisode(ctx, req, scored)
}

// semanticPlan searches the statement vector namespace at the semantic
// threshold.
func (e *Engine) semanticPlan(ctx context.Context, scope types.Scope, req SearchRequest, qvec []float32) ([]episodeHit, error) {
	if qvec == nil {
		return nil, nil
	}
	hits, err := e.vectors.Search(ctx, types.NamespaceStatement, scope.UserID, qvec, e.cfg.StatementLimit, e.cfg.SemanticThreshold)
	if err != nil {
		return nil, err
	}
	return e.groupVectorHits(ctx, req, hits)
}

// entityPlan resolves query entities, BFS-expands to connected statements
// and scores them against the query embedding in one batch call.
func (e *Engine) entityPlan(ctx context.Context, scope types.Scope, req SearchRequest, qvec []float32) ([]episodeHit, error) {
	entities, err := e.queryEntities(ctx, scope, req.Query, qvec)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}

	stmtUUIDs, err := e.graph.TraverseStatements(ctx, scope, entities, e.cfg.BFSDepth)
	if err != nil {
		return nil, err
	}
	if len(stmtUUIDs) == 0 {
		return nil, nil
	}
	if len(stmtUUIDs) > e.cfg.StatementLimit {
		stmtUUIDs = stmtUUIDs[:e.cfg.StatementLimit]
	}

	var scores map[string]float64
	if qvec != nil {
		scores, err = e.vectors.ScoreBatch(ctx, types.NamespaceStatement, scope.UserID, qvec, stmtUUIDs)
		if err != nil {
			return nil, err
		}
	}

	stmts, err := e.graph.GetStatements(ctx, stmtUUIDs)
	if err != nil {
		return nil, err
	}
	scored := make([]scoredStatement, 0, len(stmts))
	for _, st := range stmts {
		score := 1.0 // graph adjacency alone when scoring is unavailable
		if scores != nil {
			score = scores[st.UUID]
			if score <= 0 {
				continue
			}
		}
		scored = append(scored, scoredStatement{st: st, score: score})
	}
	return e.groupByEpisode(ctx, req, scored)
}

// relationshipPlan ranks episodes by how densely their statements connect
// to the query entities.
func (e *Engine) relationshipPlan(ctx context.Context, scope types.Scope, req SearchRequest, qvec []float32) ([]episodeHit, error) {
	entities, err := e.queryEntities(ctx, scope, req.Query, qvec)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	conns, err := e.graph.EpisodeConnectivityFor(ctx, scope, entities)
	if err != nil {
		return nil, err
	}
	hits := make([]episodeHit, 0, len(conns))
	for _, c := range conns {
		if s := c.Score(); s > 0 {
			hits = append(hits, episodeHit{uuid: c.EpisodeUUID, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	return hits, nil
}

// temporalPlan is the lexical and semantic union filtered to statements
// valid at the requested instant (or now). Event statements match on their
// recorded event date instead of the validity interval.
func (e *Engine) temporalPlan(ctx context.Context, scope types.Scope, req SearchRequest, qvec []float32) ([]episodeHit, error) {
	at := time.Now().UTC()
	if req.ValidAt != nil {
		at = *req.ValidAt
	}
	anchored := req
	anchored.ValidAt = &at

	lex, err := e.lexicalPlan(ctx, scope, anchored, qvec)
	if err != nil {
		return nil, err
	}
	sem, err := e.semanticPlan(ctx, scope, anchored, qvec)
	if err != nil {
		return nil, err
	}
	return fuse([]planResult{
		{mode: ModeLexical, hits: lex},
		{mode: ModeSemantic, hits: sem},
	}, e.cfg.RRFK), nil
}

// queryEntities maps the query text to entity UUIDs: an exact name match
// plus nearest entity vectors above the entity threshold.
func (e *Engine) queryEntities(ctx context.Context, scope types.Scope, query string, qvec []float32) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	if ent, err := e.graph.GetEntityByName(ctx, scope, query); err == nil {
		seen[ent.UUID] = true
		out = append(out, ent.UUID)
	} else if !types.IsNotFound(err) {
		return nil, err
	}

	if qvec != nil {
		hits, err := e.vectors.Search(ctx, types.NamespaceEntity, scope.UserID, qvec, 5, e.cfg.EntityThreshold)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if !seen[h.ID] {
				seen[h.ID] = true
				out = append(out, h.ID)
			}
		}
	}
	logging.RetrievalDebug("Query %q resolved to %d entities", query, len(out))
	return out, nil
}

// groupVectorHits fetches the statements behind vector hits and groups
// them by provenance episode.
func (e *Engine) groupVectorHits(ctx context.Context, req SearchRequest, hits []types.VectorHit) ([]episodeHit, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}
	stmts, err := e.graph.GetStatements(ctx, ids)
	if err != nil {
		return nil, err
	}
	scored := make([]scoredStatement, 0, len(stmts))
	for _, st := range stmts {
		scored = append(scored, scoredStatement{st: st, score: scores[st.UUID]})
	}
	return e.groupByEpisode(ctx, req, scored)
}

// groupByEpisode applies the statement-level filters, attaches each
// surviving statement to its provenance episodes and ranks episodes by
// average statement score.
func (e *Engine) groupByEpisode(ctx context.Context, req SearchRequest, scored []scoredStatement) ([]episodeHit, error) {
	type agg struct {
		sum        float64
		count      int
		statements []scoredStatement
	}
	byEpisode := make(map[string]*agg)

	for _, s := range scored {
		if !statementMatches(req, &s.st) {
			continue
		}
		episodes, err := e.graph.ProvenanceEpisodes(ctx, s.st.UUID)
		if err != nil {
			return nil, err
		}
		for _, epUUID := range episodes {
			a := byEpisode[epUUID]
			if a == nil {
				a = &agg{}
				byEpisode[epUUID] = a
			}
			a.sum += s.score
			a.count++
			a.statements = append(a.statements, s)
		}
	}

	hits := make([]episodeHit, 0, len(byEpisode))
	for uuid, a := range byEpisode {
		sort.SliceStable(a.statements, func(i, j int) bool { return a.statements[i].score > a.statements[j].score })
		n := len(a.statements)
		if n > matchedStatementCap {
			n = matchedStatementCap
		}
		sts := make([]types.Statement, n)
		for i := 0; i < n; i++ {
			sts[i] = a.statements[i].st
		}
		hits = append(hits, episodeHit{
			uuid:       uuid,
			score:      a.sum / float64(a.count),
			statements: sts,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	return hits, nil
}

// statementMatches applies the temporal and invalidation filters. With a
// validAt anchor the validity interval decides, except Events which match
// on their recorded event date within [startTime, validAt].
func statementMatches(req SearchRequest, st *types.Statement) bool {
	if req.ValidAt != nil {
		if st.Aspect == types.AspectEvent {
			if d, ok := eventDate(st); ok {
				if d.After(*req.ValidAt) {
					return false
				}
				if req.StartTime != nil && d.Before(*req.StartTime) {
					return false
				}
				return true
			}
		}
		return st.ValidDuring(*req.ValidAt)
	}
	if !req.IncludeInvalidated && st.InvalidAt != nil {
		return false
	}
	return true
}

// eventDate parses the well-known event_date attribute.
func eventDate(st *types.Statement) (time.Time, bool) {
	raw, ok := st.Attributes[types.WellKnownEventDate].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
