// Package resolve maps candidate triples to canonical graph identities:
// entity names to entity UUIDs and candidate facts to existing statements
// where a duplicate already holds.
package resolve

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/model"
	"engram/internal/types"
)

// scoreTieEpsilon is the similarity band within which provenance count,
// then age, break duplicate-statement ties.
const scoreTieEpsilon = 0.005

// entityTopK bounds the vector candidates considered per unresolved name.
const entityTopK = 5

// Resolver deduplicates entities and statements against the existing graph.
type Resolver struct {
	graph       types.GraphStore
	vectors     types.VectorStore
	embedder    embedding.Engine
	adjudicator *model.Adjudicator
	cfg         config.RetrievalConfig
}

// New creates a resolver.
func New(graph types.GraphStore, vectors types.VectorStore, embedder embedding.Engine, adjudicator *model.Adjudicator, cfg config.RetrievalConfig) *Resolver {
	return &Resolver{
		graph:       graph,
		vectors:     vectors,
		embedder:    embedder,
		adjudicator: adjudicator,
		cfg:         cfg,
	}
}

// resolvedEntity is one name mapped to a graph identity. Created entities
// are not yet persisted; the writer upserts them.
type resolvedEntity struct {
	entity  *types.Entity
	created bool
}

// Resolve maps every candidate onto canonical identities. Adjudication
// failures fall back to creating new nodes rather than aborting; the
// maintenance dedup sweep repairs over-creation later.
func (r *Resolver) Resolve(ctx context.Context, scope types.Scope, candidates []types.CandidateTriple) ([]types.ResolvedCandidate, error) {
	timer := logging.StartTimer(logging.CategoryResolve, "Resolve")
	defer timer.StopWithThreshold(10 * time.Second)

	if len(candidates) == 0 {
		return nil, nil
	}

	entities, err := r.resolveEntities(ctx, scope, candidates)
	if err != nil {
		return nil, err
	}

	resolved := make([]types.ResolvedCandidate, 0, len(candidates))
	created := 0
	consumed := 0
	for _, cand := range candidates {
		subject := entities[entityKey(cand.SubjectName)]
		predicate := entities[entityKey(cand.PredicateName)]
		object := entities[entityKey(cand.ObjectName)]

		rc := types.ResolvedCandidate{
			Candidate: cand,
			Triple: types.Triple{
				SubjectUUID:   subject.entity.UUID,
				PredicateUUID: predicate.entity.UUID,
				ObjectUUID:    object.entity.UUID,
			},
		}
		for _, re := range []*resolvedEntity{subject, predicate, object} {
			if re.created {
				rc.NewEntities = append(rc.NewEntities, re.entity)
				re.created = false // first candidate claims the upsert
				created++
			}
		}

		st, dup, err := r.resolveStatement(ctx, scope, cand, rc.Triple)
		if err != nil {
			return nil, err
		}
		rc.Statement = st
		rc.Consumed = dup
		if dup {
			consumed++
		}
		resolved = append(resolved, rc)
	}

	logging.Resolve("Resolved %d candidates (%d new entities, %d consumed as duplicates)",
		len(candidates), created, consumed)
	return resolved, nil
}

// resolveEntities maps every distinct name in the batch to an entity.
// Vector matches above the threshold go through one adjudication batch.
func (r *Resolver) resolveEntities(ctx context.Context, scope types.Scope, candidates []types.CandidateTriple) (map[string]*resolvedEntity, error) {
	type nameRole struct {
		name        string
		isPredicate bool
	}
	var order []nameRole
	seen := make(map[string]bool)
	add := func(name string, isPredicate bool) {
		key := entityKey(name)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		order = append(order, nameRole{name: name, isPredicate: isPredicate})
	}
	for _, c := range candidates {
		add(c.SubjectName, false)
		add(c.PredicateName, true)
		add(c.ObjectName, false)
	}

	out := make(map[string]*resolvedEntity, len(order))

	// Pass 1: exact case-insensitive match.
	var unresolved []nameRole
	for _, nr := range order {
		existing, err := r.graph.GetEntityByName(ctx, scope, nr.name)
		if err == nil {
			out[entityKey(nr.name)] = &resolvedEntity{entity: existing}
			continue
		}
		if !types.IsNotFound(err) {
			return nil, err
		}
		unresolved = append(unresolved, nr)
	}
	if len(unresolved) == 0 {
		return out, nil
	}

	// Pass 2: vector similarity plus one adjudication batch.
	names := make([]string, len(unresolved))
	for i, nr := range unresolved {
		names[i] = nr.name
	}
	vecs, err := r.embedder.EmbedBatch(ctx, names)
	if err != nil {
		return nil, err
	}

	type pendingMatch struct {
		index     int
		hitEntity *types.Entity
	}
	var pending []pendingMatch
	var pairs []model.Pair
	for i, nr := range unresolved {
		hits, err := r.vectors.Search(ctx, types.NamespaceEntity, scope.UserID, vecs[i], entityTopK, r.cfg.EntityThreshold)
		if err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			continue
		}
		hit, err := r.graph.GetEntity(ctx, hits[0].ID)
		if err != nil {
			if types.IsNotFound(err) {
				continue // stale vector, reconciliation prunes it
			}
			return nil, err
		}
		pending = append(pending, pendingMatch{index: i, hitEntity: hit})
		pairs = append(pairs, model.Pair{Left: nr.name, Right: hit.Name})
	}

	verdicts := make([]bool, len(pairs))
	if len(pairs) > 0 {
		v, err := r.adjudicator.SameEntity(ctx, pairs)
		if err != nil {
			// Conservative default: treat as distinct.
			logging.Get(logging.CategoryResolve).Warn("Entity adjudication failed, creating new entities: %v", err)
		} else {
			verdicts = v
		}
	}

	matched := make(map[int]*types.Entity)
	for j, pm := range pending {
		if verdicts[j] {
			matched[pm.index] = pm.hitEntity
		}
	}

	for i, nr := range unresolved {
		key := entityKey(nr.name)
		if existing, ok := matched[i]; ok {
			out[key] = &resolvedEntity{entity: existing}
			logging.ResolveDebug("Entity %q resolved to existing %q (%s)", nr.name, existing.Name, existing.UUID)
			continue
		}
		entityType := ""
		if nr.isPredicate {
			entityType = types.PredicateEntityType
		}
		now, err := r.graph.CurrentTimestamp(ctx)
		if err != nil {
			return nil, err
		}
		out[key] = &resolvedEntity{
			entity: &types.Entity{
				UUID:          uuid.NewString(),
				Name:          nr.name,
				Type:          entityType,
				NameEmbedding: vecs[i],
				UserID:        scope.UserID,
				WorkspaceID:   scope.WorkspaceID,
				CreatedAt:     now,
			},
			created: true,
		}
	}
	return out, nil
}

// resolveStatement either consumes the candidate into an existing duplicate
// statement or builds a fresh statement node for the writer.
func (r *Resolver) resolveStatement(ctx context.Context, scope types.Scope, cand types.CandidateTriple, triple types.Triple) (*types.Statement, bool, error) {
	factVec, err := r.embedder.Embed(ctx, cand.Fact)
	if err != nil {
		return nil, false, err
	}

	hits, err := r.vectors.Search(ctx, types.NamespaceStatement, scope.UserID, factVec, entityTopK, r.cfg.StatementThreshold)
	if err != nil {
		return nil, false, err
	}
	if dup, err := r.pickDuplicate(ctx, hits, triple); err != nil {
		return nil, false, err
	} else if dup != nil {
		logging.ResolveDebug("Candidate fact consumed by existing statement %s", dup.UUID)
		return dup, true, nil
	}

	now, err := r.graph.CurrentTimestamp(ctx)
	if err != nil {
		return nil, false, err
	}
	validAt := now
	if cand.ValidAt != nil {
		validAt = *cand.ValidAt
	}
	return &types.Statement{
		UUID:          uuid.NewString(),
		Fact:          cand.Fact,
		FactEmbedding: factVec,
		SubjectUUID:   triple.SubjectUUID,
		PredicateUUID: triple.PredicateUUID,
		ObjectUUID:    triple.ObjectUUID,
		ValidAt:       validAt,
		Aspect:        cand.Aspect,
		Attributes:    cand.Attributes,
		UserID:        scope.UserID,
		WorkspaceID:   scope.WorkspaceID,
		CreatedAt:     now,
	}, false, nil
}

// pickDuplicate returns the statement the candidate duplicates, if any.
// Only hits whose triple equals the candidate's count. Within the score tie
// band the larger provenance count wins, then the older statement.
func (r *Resolver) pickDuplicate(ctx context.Context, hits []types.VectorHit, triple types.Triple) (*types.Statement, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	stmts, err := r.graph.GetStatements(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Statement, len(stmts))
	for i := range stmts {
		byID[stmts[i].UUID] = &stmts[i]
	}

	var best *types.Statement
	var bestScore float64
	for _, h := range hits {
		st, ok := byID[h.ID]
		if !ok {
			continue
		}
		stTriple := types.Triple{SubjectUUID: st.SubjectUUID, PredicateUUID: st.PredicateUUID, ObjectUUID: st.ObjectUUID}
		if !stTriple.Equal(triple) {
			continue
		}
		if best == nil {
			best, bestScore = st, h.Score
			continue
		}
		if bestScore-h.Score > scoreTieEpsilon {
			continue
		}
		if st.ProvenanceCount > best.ProvenanceCount ||
			(st.ProvenanceCount == best.ProvenanceCount && st.CreatedAt.Before(best.CreatedAt)) {
			best, bestScore = st, h.Score
		}
	}
	return best, nil
}

func entityKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
