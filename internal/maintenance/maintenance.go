// Package maintenance keeps the graph healthy between ingests: orphan
// entity reclamation, entity deduplication, label alignment, vector/graph
// reconciliation and session compaction.
package maintenance

import (
	"context"
	"strings"

	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/types"
)

// Report tallies what one sweep changed.
type Report struct {
	OrphansDeleted  int
	EntitiesMerged  int
	VectorsRepaired int
	VectorsPruned   int
	VectorsFailed   int
}

// Sweeper runs the maintenance jobs for one scope at a time.
type Sweeper struct {
	graph    types.GraphStore
	vectors  types.VectorStore
	labels   types.RelationalStore
	embedder embedding.Engine
	model    types.ModelClient
	cfg      config.MaintenanceConfig
}

// New creates a sweeper.
func New(graph types.GraphStore, vectors types.VectorStore, labels types.RelationalStore,
	embedder embedding.Engine, model types.ModelClient, cfg config.MaintenanceConfig) *Sweeper {
	return &Sweeper{
		graph:    graph,
		vectors:  vectors,
		labels:   labels,
		embedder: embedder,
		model:    model,
		cfg:      cfg,
	}
}

// Run executes every sweep for the scope and returns the combined report.
// Sweeps are independent; a failed one is logged and the rest proceed.
func (s *Sweeper) Run(ctx context.Context, scope types.Scope) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryMaintenance, "Run")
	defer timer.Stop()

	report := &Report{}

	merged, err := s.DedupEntities(ctx, scope)
	if err != nil {
		return report, err
	}
	report.EntitiesMerged = merged

	orphans, err := s.SweepOrphans(ctx, scope)
	if err != nil {
		return report, err
	}
	report.OrphansDeleted = orphans

	if err := s.Reconcile(ctx, scope, report); err != nil {
		return report, err
	}

	logging.Maintenance("Sweep for %s: %d merged, %d orphans, %d vectors repaired, %d pruned, %d failed",
		scope.UserID, report.EntitiesMerged, report.OrphansDeleted,
		report.VectorsRepaired, report.VectorsPruned, report.VectorsFailed)
	return report, nil
}

// SweepOrphans deletes entities with no incoming role edge, along with
// their vectors.
func (s *Sweeper) SweepOrphans(ctx context.Context, scope types.Scope) (int, error) {
	orphans, err := s.graph.OrphanEntities(ctx, scope)
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	if err := s.graph.DeleteEntities(ctx, orphans); err != nil {
		return 0, err
	}
	if err := s.vectors.Delete(ctx, types.NamespaceEntity, orphans); err != nil {
		logging.Get(logging.CategoryMaintenance).Warn("Orphan vector cleanup failed: %v", err)
	}
	logging.Maintenance("Reclaimed %d orphan entities", len(orphans))
	return len(orphans), nil
}

// DedupEntities folds entities sharing a normalized name into the oldest
// one: attributes are unioned with newer values winning, every edge and
// statement role moves to the canonical entity, then the duplicates are
// deleted.
func (s *Sweeper) DedupEntities(ctx context.Context, scope types.Scope) (int, error) {
	groups, err := s.graph.DuplicateEntityGroups(ctx, scope)
	if err != nil {
		return 0, err
	}

	merged := 0
	for _, group := range groups {
		canonical := group[0]
		attrs := make(map[string]any, len(canonical.Attributes))
		for k, v := range canonical.Attributes {
			attrs[k] = v
		}

		var victims []string
		for _, dup := range group[1:] {
			for k, v := range dup.Attributes {
				attrs[k] = v
			}
			if err := s.graph.MoveEntityEdges(ctx, dup.UUID, canonical.UUID); err != nil {
				return merged, err
			}
			victims = append(victims, dup.UUID)
		}

		canonical.Attributes = attrs
		if err := s.graph.UpsertEntity(ctx, &canonical); err != nil {
			return merged, err
		}
		if err := s.graph.DeleteEntities(ctx, victims); err != nil {
			return merged, err
		}
		if err := s.vectors.Delete(ctx, types.NamespaceEntity, victims); err != nil {
			logging.Get(logging.CategoryMaintenance).Warn("Duplicate vector cleanup failed: %v", err)
		}
		merged += len(victims)
		logging.Get(logging.CategoryMaintenance).Debug("Merged %d duplicates of %q into %s", len(victims), canonical.Name, canonical.UUID)
	}
	return merged, nil
}

// AlignLabel persists a label and places its vector in the label namespace
// so episode auto-assignment can score against it.
func (s *Sweeper) AlignLabel(ctx context.Context, l *types.Label) error {
	if l.ID == "" || l.Name == "" {
		return &types.ValidationError{Field: "label", Reason: "id and name are required"}
	}
	if err := s.labels.UpsertLabel(ctx, l); err != nil {
		return err
	}
	vec, err := s.embedder.Embed(ctx, labelText(l))
	if err != nil {
		return err
	}
	return s.vectors.Upsert(ctx, types.NamespaceLabel, []types.VectorRecord{
		{ID: l.ID, UserID: l.UserID, Embedding: vec},
	})
}

func labelText(l *types.Label) string {
	if l.Description == "" {
		return l.Name
	}
	return strings.TrimSpace(l.Name + ": " + l.Description)
}
