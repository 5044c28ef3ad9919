// Package invalidate detects contradictions between surviving candidate
// statements and the active graph, producing invalidation records the
// writer applies.
package invalidate

import (
	"context"
	"time"

	"engram/internal/logging"
	"engram/internal/model"
	"engram/internal/types"
)

// Invalidator finds active statements a new candidate contradicts.
type Invalidator struct {
	graph       types.GraphStore
	adjudicator *model.Adjudicator
}

// New creates an invalidator.
func New(graph types.GraphStore, adjudicator *model.Adjudicator) *Invalidator {
	return &Invalidator{graph: graph, adjudicator: adjudicator}
}

// candidatePair links one adjudication pair back to the statements it
// compares.
type candidatePair struct {
	existingUUID string
	at           time.Time
	by           string
}

// Detect runs both contradiction stages over the batch: same
// (subject, predicate), then same (subject, object) under a different
// predicate. Each stage is one adjudication call. Coexisting aspects
// (events, observations) neither invalidate nor get invalidated.
func (v *Invalidator) Detect(ctx context.Context, scope types.Scope, resolved []types.ResolvedCandidate) ([]types.Invalidation, error) {
	timer := logging.StartTimer(logging.CategoryInvalidate, "Detect")
	defer timer.StopWithThreshold(10 * time.Second)

	samePredicate, err := v.collectStage(ctx, scope, resolved, v.samePredicateCandidates)
	if err != nil {
		return nil, err
	}
	sameObject, err := v.collectStage(ctx, scope, resolved, v.sameObjectCandidates)
	if err != nil {
		return nil, err
	}

	invalidations := append(samePredicate, sameObject...)
	out := dedupeByStatement(invalidations)
	if len(out) > 0 {
		logging.Invalidate("Detected %d contradictions across %d candidates", len(out), len(resolved))
	}
	return out, nil
}

type stageQuery func(ctx context.Context, scope types.Scope, st *types.Statement) ([]types.Statement, error)

func (v *Invalidator) collectStage(ctx context.Context, scope types.Scope, resolved []types.ResolvedCandidate, query stageQuery) ([]types.Invalidation, error) {
	var pairs []model.Pair
	var meta []candidatePair

	for _, rc := range resolved {
		if rc.Consumed || rc.Statement == nil {
			continue
		}
		if rc.Statement.Aspect.Coexists() {
			continue
		}
		existing, err := query(ctx, scope, rc.Statement)
		if err != nil {
			return nil, err
		}
		for _, ex := range existing {
			if ex.UUID == rc.Statement.UUID || ex.Aspect.Coexists() {
				continue
			}
			pairs = append(pairs, model.Pair{Left: ex.Fact, Right: rc.Statement.Fact})
			meta = append(meta, candidatePair{
				existingUUID: ex.UUID,
				at:           rc.Statement.ValidAt,
				by:           rc.Statement.UUID,
			})
		}
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	verdicts, err := v.adjudicator.Contradicts(ctx, pairs)
	if err != nil {
		// Conservative default: nothing is invalidated.
		logging.Get(logging.CategoryInvalidate).Warn("Contradiction adjudication failed, keeping all statements: %v", err)
		return nil, nil
	}

	var out []types.Invalidation
	for i, verdict := range verdicts {
		if !verdict {
			continue
		}
		out = append(out, types.Invalidation{
			StatementUUID: meta[i].existingUUID,
			At:            meta[i].at,
			By:            meta[i].by,
		})
	}
	return out, nil
}

func (v *Invalidator) samePredicateCandidates(ctx context.Context, scope types.Scope, st *types.Statement) ([]types.Statement, error) {
	return v.graph.StatementsBySubjectPredicate(ctx, scope, st.SubjectUUID, st.PredicateUUID, true)
}

// sameObjectCandidates finds relationship shifts: same subject and object
// under a different predicate ("is married to" giving way to "is divorced
// from").
func (v *Invalidator) sameObjectCandidates(ctx context.Context, scope types.Scope, st *types.Statement) ([]types.Statement, error) {
	stmts, err := v.graph.StatementsBySubjectObject(ctx, scope, st.SubjectUUID, st.ObjectUUID, true)
	if err != nil {
		return nil, err
	}
	out := stmts[:0]
	for _, ex := range stmts {
		if ex.PredicateUUID != st.PredicateUUID {
			out = append(out, ex)
		}
	}
	return out, nil
}

// dedupeByStatement keeps the first invalidation per target statement; the
// store's first-wins semantics make later ones no-ops anyway.
func dedupeByStatement(in []types.Invalidation) []types.Invalidation {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, inv := range in {
		if seen[inv.StatementUUID] {
			continue
		}
		seen[inv.StatementUUID] = true
		out = append(out, inv)
	}
	return out
}
