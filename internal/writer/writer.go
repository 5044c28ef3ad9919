// Package writer applies resolved candidates to the graph: entity and
// statement upserts, provenance links, invalidations, then vector index
// upserts. Graph writes are idempotent; the vector index is subordinate
// and repaired by reconciliation if an upsert fails.
package writer

import (
	"context"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// Writer persists pipeline output for one episode.
type Writer struct {
	graph   types.GraphStore
	vectors types.VectorStore
}

// New creates a writer.
func New(graph types.GraphStore, vectors types.VectorStore) *Writer {
	return &Writer{graph: graph, vectors: vectors}
}

// Result summarizes one write batch.
type Result struct {
	NewEntities   int
	NewStatements int
	Consumed      int
	Invalidated   int
}

// WriteCandidates persists the batch for one episode: new entities, new
// statements with their role and provenance edges, consumed candidates'
// extra provenance, and the invalidations the batch triggered.
func (w *Writer) WriteCandidates(ctx context.Context, episodeUUID string, resolved []types.ResolvedCandidate, invalidations []types.Invalidation) (Result, error) {
	timer := logging.StartTimer(logging.CategoryWrite, "WriteCandidates")
	defer timer.StopWithThreshold(10 * time.Second)

	var res Result
	var entityRecs, statementRecs []types.VectorRecord

	for _, rc := range resolved {
		for _, e := range rc.NewEntities {
			if err := w.graph.UpsertEntity(ctx, e); err != nil {
				return res, err
			}
			res.NewEntities++
			if len(e.NameEmbedding) > 0 {
				entityRecs = append(entityRecs, types.VectorRecord{
					ID: e.UUID, UserID: e.UserID, Embedding: e.NameEmbedding,
				})
			}
		}

		if rc.Statement == nil {
			continue
		}
		if rc.Consumed {
			if err := w.graph.AddProvenance(ctx, episodeUUID, rc.Statement.UUID); err != nil {
				return res, err
			}
			res.Consumed++
			continue
		}

		if err := w.graph.UpsertStatement(ctx, rc.Statement); err != nil {
			return res, err
		}
		if err := w.graph.AddProvenance(ctx, episodeUUID, rc.Statement.UUID); err != nil {
			return res, err
		}
		res.NewStatements++
		if len(rc.Statement.FactEmbedding) > 0 {
			statementRecs = append(statementRecs, types.VectorRecord{
				ID: rc.Statement.UUID, UserID: rc.Statement.UserID, Embedding: rc.Statement.FactEmbedding,
			})
		}
	}

	for _, inv := range invalidations {
		if err := w.graph.InvalidateStatement(ctx, inv.StatementUUID, inv.At, inv.By); err != nil {
			if types.IsNotFound(err) {
				logging.Get(logging.CategoryWrite).Warn("Invalidation target %s vanished", inv.StatementUUID)
				continue
			}
			return res, err
		}
		res.Invalidated++
	}

	// Vector upserts come last; a failure here leaves the graph consistent
	// and the reconciliation sweep re-embeds the gap.
	w.upsertVectors(ctx, types.NamespaceEntity, entityRecs)
	w.upsertVectors(ctx, types.NamespaceStatement, statementRecs)

	logging.WriteDebug("Wrote episode %s: %d entities, %d statements, %d consumed, %d invalidated",
		episodeUUID, res.NewEntities, res.NewStatements, res.Consumed, res.Invalidated)
	return res, nil
}

// WriteEpisode upserts the episode node and its content vector. Called once
// per episode after all its chunks are written.
func (w *Writer) WriteEpisode(ctx context.Context, ep *types.Episode) error {
	if err := w.graph.UpsertEpisode(ctx, ep); err != nil {
		return err
	}
	if len(ep.ContentEmbedding) > 0 {
		w.upsertVectors(ctx, types.NamespaceEpisode, []types.VectorRecord{
			{ID: ep.UUID, UserID: ep.UserID, Embedding: ep.ContentEmbedding},
		})
	}
	return nil
}

func (w *Writer) upsertVectors(ctx context.Context, ns types.Namespace, recs []types.VectorRecord) {
	if len(recs) == 0 {
		return
	}
	if err := w.vectors.Upsert(ctx, ns, recs); err != nil {
		logging.Get(logging.CategoryWrite).Warn("Vector upsert to %s failed for %d records: %v", ns, len(recs), err)
	}
}
