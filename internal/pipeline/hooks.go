package pipeline

import (
	"context"
	"fmt"
	"time"

	"engram/internal/logging"
	"engram/internal/queue"
	"engram/internal/types"
)

// emitPostHooks schedules the follow-up work for a completed episode.
// Hook failures never affect the episode's status.
func (p *Pipeline) emitPostHooks(ctx context.Context, ep *types.Episode) {
	if ep.Title == "" {
		titleQueue := queue.QueueConversationTitle
		if ep.Type == types.EpisodeDocument {
			titleQueue = queue.QueueTitleGeneration
		}
		p.enqueueHook(ctx, queue.EnqueueRequest{
			Queue:          titleQueue,
			IdempotencyKey: "title:" + ep.UUID,
			Payload:        ingestJob{EpisodeUUID: ep.UUID},
		})
	}

	p.enqueueHook(ctx, queue.EnqueueRequest{
		Queue:          queue.QueueLabelAssignment,
		IdempotencyKey: "labels:" + ep.UUID,
		Payload:        ingestJob{EpisodeUUID: ep.UUID},
	})

	if p.svc.Compactor != nil {
		p.enqueueHook(ctx, queue.EnqueueRequest{
			Queue:          queue.QueueSessionCompaction,
			SessionKey:     sessionKey(ep.UserID, ep.SessionID),
			IdempotencyKey: "compact:" + ep.UserID + "/" + ep.SessionID,
			Delay:          p.svc.Config.Maintenance.CompactionDelay,
			Payload: sessionJob{
				UserID:      ep.UserID,
				WorkspaceID: ep.WorkspaceID,
				SessionID:   ep.SessionID,
			},
		})
	}
}

func (p *Pipeline) enqueueHook(ctx context.Context, req queue.EnqueueRequest) {
	if _, err := p.svc.Queue.Enqueue(ctx, req); err != nil {
		logging.Get(logging.CategoryIngest).Warn("Failed to enqueue %s hook: %v", req.Queue, err)
	}
}

var titleSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title": map[string]any{"type": "string"},
	},
	"required": []string{"title"},
}

// handleTitle generates a short title for an episode that has none.
func (p *Pipeline) handleTitle(ctx context.Context, job *queue.Job) error {
	var payload ingestJob
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	ep, err := p.svc.Graph.GetEpisode(ctx, payload.EpisodeUUID)
	if err != nil {
		if types.IsNotFound(err) {
			return nil
		}
		return err
	}
	if ep.Title != "" {
		return nil
	}

	content := ep.Content
	if len(content) > 2000 {
		content = content[:2000]
	}
	var resp struct {
		Title string `json:"title"`
	}
	prompt := fmt.Sprintf("Write a short title (at most 8 words) for this content:\n\n%s", content)
	if err := p.svc.Model.GenerateJSON(ctx, "You title content for a personal memory service.", prompt, titleSchema, &resp); err != nil {
		return err
	}
	if resp.Title == "" {
		return nil
	}
	ep.Title = resp.Title
	if err := p.svc.Graph.UpsertEpisode(ctx, ep); err != nil {
		return err
	}
	logging.IngestDebug("Titled episode %s: %q", ep.UUID, resp.Title)
	return nil
}

// handleLabelAssignment auto-assigns labels whose vectors sit close enough
// to the episode content.
func (p *Pipeline) handleLabelAssignment(ctx context.Context, job *queue.Job) error {
	var payload ingestJob
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	ep, err := p.svc.Graph.GetEpisode(ctx, payload.EpisodeUUID)
	if err != nil {
		if types.IsNotFound(err) {
			return nil
		}
		return err
	}
	scope := types.Scope{UserID: ep.UserID, WorkspaceID: ep.WorkspaceID}

	labels, err := p.svc.Labels.ListLabels(ctx, scope)
	if err != nil {
		return err
	}
	if len(labels) == 0 {
		return nil
	}

	vec, err := p.svc.Embedder.Embed(ctx, ep.Content)
	if err != nil {
		return err
	}
	ids := make([]string, len(labels))
	for i, l := range labels {
		ids[i] = l.ID
	}
	scores, err := p.svc.Vectors.ScoreBatch(ctx, types.NamespaceLabel, ep.UserID, vec, ids)
	if err != nil {
		return err
	}

	assigned := append([]string(nil), ep.LabelIDs...)
	have := make(map[string]bool, len(assigned))
	for _, id := range assigned {
		have[id] = true
	}
	for _, id := range ids {
		if have[id] {
			continue
		}
		if scores[id] >= p.svc.Config.Retrieval.LabelThreshold {
			assigned = append(assigned, id)
		}
	}
	if len(assigned) == len(ep.LabelIDs) {
		return nil
	}
	if err := p.svc.Graph.SetEpisodeLabels(ctx, ep.UUID, assigned); err != nil {
		return err
	}
	logging.IngestDebug("Episode %s labels: %d assigned", ep.UUID, len(assigned))
	return nil
}

// handleCompaction summarizes a session once it has gone quiet. The delayed
// idempotent job means one compaction per inactivity window.
func (p *Pipeline) handleCompaction(ctx context.Context, job *queue.Job) error {
	if p.svc.Compactor == nil {
		return nil
	}
	var payload sessionJob
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	scope := types.Scope{UserID: payload.UserID, WorkspaceID: payload.WorkspaceID}
	return p.svc.Compactor.CompactSession(ctx, scope, payload.SessionID)
}

// integrationJob carries one external-integration event to ingest.
type integrationJob struct {
	UserID      string         `json:"userId"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	SessionID   string         `json:"sessionId"`
	Source      string         `json:"source"`
	Body        string         `json:"body"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ReferenceAt time.Time      `json:"referenceAt,omitempty"`
}

// handleIntegrationRun funnels integration events through the normal
// ingest path under the integration's source slug.
func (p *Pipeline) handleIntegrationRun(ctx context.Context, job *queue.Job) error {
	var payload integrationJob
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	_, err := p.Ingest(ctx, IngestRequest{
		EpisodeBody:   payload.Body,
		ReferenceTime: payload.ReferenceAt,
		Type:          types.EpisodeConversation,
		Source:        payload.Source,
		SessionID:     payload.SessionID,
		Metadata:      payload.Metadata,
		UserID:        payload.UserID,
		WorkspaceID:   payload.WorkspaceID,
	})
	return err
}
