package maintenance

import (
	"context"

	"engram/internal/logging"
	"engram/internal/types"
)

// vector_failed is stamped on a node whose embedding could not be written
// after a retry, so operators can find and reembed it explicitly.
const vectorFailedAttr = "vector_failed"

// Reconcile restores vector/graph parity: graph nodes without a vector are
// re-embedded (one retry, then the node is marked), and vectors without a
// graph node are pruned.
func (s *Sweeper) Reconcile(ctx context.Context, scope types.Scope, report *Report) error {
	for _, ns := range types.AllNamespaces {
		label, ok := nodeLabelFor(ns)
		if !ok {
			continue
		}
		graphIDs, err := s.graph.NodeIDs(ctx, label, scope)
		if err != nil {
			return err
		}
		vectorIDs, err := s.vectors.ListIDs(ctx, ns, scope.UserID)
		if err != nil {
			return err
		}

		have := make(map[string]bool, len(vectorIDs))
		for _, id := range vectorIDs {
			have[id] = true
		}
		known := make(map[string]bool, len(graphIDs))
		var missing []string
		for _, id := range graphIDs {
			known[id] = true
			if !have[id] {
				missing = append(missing, id)
			}
		}
		var stale []string
		for _, id := range vectorIDs {
			if !known[id] {
				stale = append(stale, id)
			}
		}

		if len(stale) > 0 {
			if err := s.vectors.Delete(ctx, ns, stale); err != nil {
				return err
			}
			report.VectorsPruned += len(stale)
		}
		if len(missing) > 0 {
			s.repairMissing(ctx, scope, ns, missing, report)
		}
	}
	return nil
}

func nodeLabelFor(ns types.Namespace) (types.NodeLabel, bool) {
	switch ns {
	case types.NamespaceEntity:
		return types.NodeEntity, true
	case types.NamespaceStatement:
		return types.NodeStatement, true
	case types.NamespaceEpisode:
		return types.NodeEpisode, true
	case types.NamespaceCompactedSession:
		return types.NodeCompactedSession, true
	case types.NamespaceLabel:
		return types.NodeLabelNode, true
	}
	return "", false
}

// repairMissing re-embeds nodes that lost their vector. Each node gets one
// retry; a node that still fails is stamped vector_failed and skipped.
func (s *Sweeper) repairMissing(ctx context.Context, scope types.Scope, ns types.Namespace, ids []string, report *Report) {
	for _, id := range ids {
		text, ok, err := s.embeddingText(ctx, scope, ns, id)
		if err != nil || !ok {
			if err != nil {
				logging.Get(logging.CategoryMaintenance).Warn("Cannot load %s/%s for reembedding: %v", ns, id, err)
			}
			continue
		}

		var lastErr error
		for attempt := 0; attempt < 2; attempt++ {
			var vec []float32
			vec, lastErr = s.embedder.Embed(ctx, text)
			if lastErr == nil {
				lastErr = s.vectors.Upsert(ctx, ns, []types.VectorRecord{
					{ID: id, UserID: scope.UserID, Embedding: vec},
				})
			}
			if lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			report.VectorsFailed++
			s.markVectorFailed(ctx, ns, id)
			logging.Get(logging.CategoryMaintenance).Error("Reembedding %s/%s failed twice: %v", ns, id, lastErr)
			continue
		}
		report.VectorsRepaired++
	}
}

// embeddingText resolves the canonical embedding input of a node. The
// second return is false when the node kind has no per-UUID getter
// (compacted sessions re-embed at compaction time instead).
func (s *Sweeper) embeddingText(ctx context.Context, scope types.Scope, ns types.Namespace, id string) (string, bool, error) {
	switch ns {
	case types.NamespaceEntity:
		ents, err := s.graph.GetEntities(ctx, []string{id})
		if err != nil || len(ents) == 0 {
			return "", false, err
		}
		return ents[0].Name, true, nil
	case types.NamespaceStatement:
		sts, err := s.graph.GetStatements(ctx, []string{id})
		if err != nil || len(sts) == 0 {
			return "", false, err
		}
		return sts[0].Fact, true, nil
	case types.NamespaceEpisode:
		ep, err := s.graph.GetEpisode(ctx, id)
		if err != nil {
			if types.IsNotFound(err) {
				return "", false, nil
			}
			return "", false, err
		}
		return ep.Content, true, nil
	case types.NamespaceLabel:
		l, err := s.labels.GetLabel(ctx, id)
		if err != nil {
			if types.IsNotFound(err) {
				return "", false, nil
			}
			return "", false, err
		}
		return labelText(l), true, nil
	}
	return "", false, nil
}

// markVectorFailed stamps the node so a later reembed command can target
// it. Best effort; failures only log.
func (s *Sweeper) markVectorFailed(ctx context.Context, ns types.Namespace, id string) {
	var err error
	switch ns {
	case types.NamespaceEntity:
		var ents []types.Entity
		if ents, err = s.graph.GetEntities(ctx, []string{id}); err == nil && len(ents) == 1 {
			e := ents[0]
			if e.Attributes == nil {
				e.Attributes = map[string]any{}
			}
			e.Attributes[vectorFailedAttr] = true
			err = s.graph.UpsertEntity(ctx, &e)
		}
	case types.NamespaceStatement:
		var sts []types.Statement
		if sts, err = s.graph.GetStatements(ctx, []string{id}); err == nil && len(sts) == 1 {
			st := sts[0]
			if st.Attributes == nil {
				st.Attributes = map[string]any{}
			}
			st.Attributes[vectorFailedAttr] = true
			err = s.graph.UpsertStatement(ctx, &st)
		}
	case types.NamespaceEpisode:
		var ep *types.Episode
		if ep, err = s.graph.GetEpisode(ctx, id); err == nil {
			if ep.Metadata == nil {
				ep.Metadata = map[string]any{}
			}
			ep.Metadata[vectorFailedAttr] = true
			err = s.graph.UpsertEpisode(ctx, ep)
		}
	}
	if err != nil {
		logging.Get(logging.CategoryMaintenance).Warn("Could not mark %s/%s vector_failed: %v", ns, id, err)
	}
}
