package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"engram/internal/logging"
	"engram/internal/types"
)

// compactionNamespace seeds the deterministic compacted-session UUID so a
// session always compacts into the same node.
var compactionNamespace = uuid.MustParse("7c9e2b14-3f6a-4d8e-b1c5-9a0d4e7f2b36")

// transcriptBudget bounds how much session text rides into the summary
// prompt.
const transcriptBudget = 12000

var summarySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary": map[string]any{"type": "string"},
	},
	"required": []string{"summary"},
}

// CompactSession summarizes a quiet session into a CompactedSession node
// linked to its episodes through COMPACTS edges. Sessions below the
// episode minimum, or already compacted at the current episode count, are
// skipped.
func (s *Sweeper) CompactSession(ctx context.Context, scope types.Scope, sessionID string) error {
	timer := logging.StartTimer(logging.CategoryCompaction, "CompactSession")
	defer timer.Stop()

	episodes, err := s.graph.EpisodesBySession(ctx, scope, sessionID)
	if err != nil {
		return err
	}
	completed := episodes[:0]
	for _, ep := range episodes {
		if ep.Status == types.StatusCompleted && ep.ChunkIndex >= 0 {
			completed = append(completed, ep)
		}
	}
	if len(completed) < s.cfg.MinEpisodesForCompaction {
		logging.Get(logging.CategoryCompaction).Debug("Session %s has %d episodes, below compaction minimum", sessionID, len(completed))
		return nil
	}

	existing, err := s.graph.GetCompactedSession(ctx, scope, sessionID)
	if err != nil && !types.IsNotFound(err) {
		return err
	}
	if existing != nil && existing.EpisodeCount == len(completed) {
		return nil
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].CreatedAt.Before(completed[j].CreatedAt) })
	transcript := buildTranscript(completed)

	var resp struct {
		Summary string `json:"summary"`
	}
	prompt := fmt.Sprintf("Summarize this session into a compact note that preserves every durable fact:\n\n%s", transcript)
	if err := s.model.GenerateJSON(ctx, "You compact conversation sessions for a personal memory service.", prompt, summarySchema, &resp); err != nil {
		return err
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return &types.ExtractionError{Attempts: 1, LastMessage: "empty session summary"}
	}

	now, err := s.graph.CurrentTimestamp(ctx)
	if err != nil {
		return err
	}
	cs := &types.CompactedSession{
		UUID: uuid.NewSHA1(compactionNamespace, []byte(strings.Join([]string{
			scope.UserID, scope.WorkspaceID, sessionID,
		}, "|"))).String(),
		SessionID:        sessionID,
		Summary:          resp.Summary,
		EpisodeCount:     len(completed),
		StartTime:        completed[0].ValidAt,
		EndTime:          completed[len(completed)-1].ValidAt,
		CompressionRatio: float64(len(resp.Summary)) / float64(len(transcript)),
		UserID:           scope.UserID,
		WorkspaceID:      scope.WorkspaceID,
		CreatedAt:        now,
	}
	if err := s.graph.UpsertCompactedSession(ctx, cs); err != nil {
		return err
	}
	for _, ep := range completed {
		if err := s.graph.UpsertEdge(ctx, cs.UUID, types.EdgeCompacts, ep.UUID); err != nil {
			return err
		}
	}

	vec, err := s.embedder.Embed(ctx, cs.Summary)
	if err == nil {
		err = s.vectors.Upsert(ctx, types.NamespaceCompactedSession, []types.VectorRecord{
			{ID: cs.UUID, UserID: cs.UserID, Embedding: vec},
		})
	}
	if err != nil {
		// The reconciliation sweep cannot re-embed compacted sessions, so
		// only log; the next compaction of the session rewrites the vector.
		logging.Get(logging.CategoryCompaction).Warn("Compacted session %s vector write failed: %v", cs.UUID, err)
	}

	logging.Compaction("Compacted session %s: %d episodes, ratio %.2f", sessionID, cs.EpisodeCount, cs.CompressionRatio)
	return nil
}

func buildTranscript(episodes []types.Episode) string {
	var b strings.Builder
	for _, ep := range episodes {
		if b.Len() >= transcriptBudget {
			break
		}
		b.WriteString(ep.Content)
		b.WriteString("\n\n")
	}
	text := b.String()
	if len(text) > transcriptBudget {
		text = text[:transcriptBudget]
	}
	return strings.TrimSpace(text)
}
