// Package versioning diffs document re-ingests against the latest stored
// version by positional chunk hash and invalidates statements whose only
// provenance is a superseded chunk.
package versioning

import (
	"context"
	"sort"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// Engine plans document version transitions.
type Engine struct {
	graph types.GraphStore
}

// New creates a versioning engine.
func New(graph types.GraphStore) *Engine {
	return &Engine{graph: graph}
}

// Plan is the outcome of diffing incoming chunk hashes against the latest
// stored version of a document session.
type Plan struct {
	// NewVersion is the version the changed chunks are written at. 1 when
	// the session has no prior document version.
	NewVersion int
	// PreviousVersion is 0 for a first ingest.
	PreviousVersion int
	// ChangedIndices are the chunk indices to re-ingest, ascending.
	ChangedIndices []int
	// Superseded are previous-version chunk episodes at changed indices.
	Superseded []types.Episode
}

// Unchanged reports an idempotent re-ingest: a prior version exists, no
// chunk hash moved and nothing was removed. A shrink with no edits still
// advances the version so the stranded chunks get invalidated.
func (p *Plan) Unchanged() bool {
	return p.PreviousVersion > 0 && len(p.ChangedIndices) == 0 && len(p.Superseded) == 0
}

// Diff compares incoming chunk hashes against the latest version of the
// session. Indices present on only one side count as changed.
func (e *Engine) Diff(ctx context.Context, scope types.Scope, sessionID string, newHashes []string) (*Plan, error) {
	prevVersion, prevEpisodes, err := e.graph.LatestDocumentVersion(ctx, scope, sessionID)
	if err != nil {
		if types.IsNotFound(err) {
			plan := &Plan{NewVersion: 1}
			for i := range newHashes {
				plan.ChangedIndices = append(plan.ChangedIndices, i)
			}
			return plan, nil
		}
		return nil, err
	}

	prevByIndex := make(map[int]types.Episode, len(prevEpisodes))
	maxIndex := len(newHashes) - 1
	for _, ep := range prevEpisodes {
		prevByIndex[ep.ChunkIndex] = ep
		if ep.ChunkIndex > maxIndex {
			maxIndex = ep.ChunkIndex
		}
	}

	plan := &Plan{NewVersion: prevVersion + 1, PreviousVersion: prevVersion}
	for i := 0; i <= maxIndex; i++ {
		prev, hadPrev := prevByIndex[i]
		var newHash string
		if i < len(newHashes) {
			newHash = newHashes[i]
		}
		switch {
		case !hadPrev && newHash == "":
			continue
		case hadPrev && newHash != "" && prev.ContentHash == newHash:
			continue
		}
		if i < len(newHashes) {
			plan.ChangedIndices = append(plan.ChangedIndices, i)
		}
		if hadPrev {
			plan.Superseded = append(plan.Superseded, prev)
		}
	}
	sort.Ints(plan.ChangedIndices)

	if plan.Unchanged() {
		logging.Versioning("Session %s re-ingest matches version %d, nothing to do", sessionID, prevVersion)
	} else {
		logging.Versioning("Session %s: version %d -> %d, %d chunks changed, %d superseded",
			sessionID, plan.PreviousVersion, plan.NewVersion, len(plan.ChangedIndices), len(plan.Superseded))
	}
	return plan, nil
}

// InvalidateSuperseded closes statements whose every provenance episode is
// one of the plan's superseded chunks. Statements also cited by unchanged
// chunks stay valid. Returns the number invalidated.
func (e *Engine) InvalidateSuperseded(ctx context.Context, plan *Plan, at time.Time, by string) (int, error) {
	if len(plan.Superseded) == 0 {
		return 0, nil
	}
	uuids := make([]string, len(plan.Superseded))
	for i, ep := range plan.Superseded {
		uuids[i] = ep.UUID
	}

	stmts, err := e.graph.StatementsWithSoleProvenance(ctx, uuids)
	if err != nil {
		return 0, err
	}
	invalidated := 0
	for _, st := range stmts {
		if st.InvalidAt != nil {
			continue
		}
		if err := e.graph.InvalidateStatement(ctx, st.UUID, at, by); err != nil {
			if types.IsNotFound(err) {
				continue
			}
			return invalidated, err
		}
		invalidated++
	}
	if invalidated > 0 {
		logging.Versioning("Invalidated %d statements from superseded chunks", invalidated)
	}
	return invalidated, nil
}
