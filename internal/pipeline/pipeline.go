// Package pipeline orchestrates ingestion: request validation, the queued
// per-session workflow (preprocess, chunk, extract, resolve, invalidate,
// write) and the post-hooks that follow a completed episode.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"engram/internal/chunker"
	"engram/internal/extract"
	"engram/internal/invalidate"
	"engram/internal/logging"
	"engram/internal/model"
	"engram/internal/queue"
	"engram/internal/resolve"
	"engram/internal/types"
	"engram/internal/versioning"
	"engram/internal/writer"
)

// episodeNamespace seeds deterministic episode UUIDs so re-ingesting the
// same request hits the same node.
var episodeNamespace = uuid.MustParse("a2f1c0de-7b4e-4f7a-9c3d-5e8b1a6d2c90")

// Pipeline drives the ingestion DAG.
type Pipeline struct {
	svc         *Services
	chunker     *chunker.Chunker
	extractor   *extract.Extractor
	resolver    *resolve.Resolver
	invalidator *invalidate.Invalidator
	writer      *writer.Writer
	versioning  *versioning.Engine
}

// New builds the pipeline stages and registers its queue handlers. Call
// before Queue.Start.
func New(svc *Services) *Pipeline {
	adjudicator := model.NewAdjudicator(svc.Model)
	p := &Pipeline{
		svc:         svc,
		chunker:     chunker.New(chunker.DefaultTargetWords),
		extractor:   extract.New(svc.Model),
		resolver:    resolve.New(svc.Graph, svc.Vectors, svc.Embedder, adjudicator, svc.Config.Retrieval),
		invalidator: invalidate.New(svc.Graph, adjudicator),
		writer:      writer.New(svc.Graph, svc.Vectors),
		versioning:  versioning.New(svc.Graph),
	}

	q := svc.Queue
	q.Register(queue.QueuePreprocess, p.handlePreprocess)
	q.Register(queue.QueueIngest, p.handleIngest)
	q.Register(queue.QueueConversationTitle, p.handleTitle)
	q.Register(queue.QueueTitleGeneration, p.handleTitle)
	q.Register(queue.QueueLabelAssignment, p.handleLabelAssignment)
	q.Register(queue.QueueSessionCompaction, p.handleCompaction)
	q.Register(queue.QueueIntegrationRun, p.handleIntegrationRun)
	return p
}

// IngestRequest is the external ingest contract.
type IngestRequest struct {
	EpisodeBody   string         `json:"episodeBody"`
	ReferenceTime time.Time      `json:"referenceTime,omitempty"`
	Type          types.EpisodeType `json:"type,omitempty"`
	Source        string         `json:"source,omitempty"`
	SessionID     string         `json:"sessionId"`
	Title         string         `json:"title,omitempty"`
	LabelIDs      []string       `json:"labelIds,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

func (r *IngestRequest) validate() error {
	if strings.TrimSpace(r.EpisodeBody) == "" {
		return &types.ValidationError{Field: "episodeBody", Reason: "required"}
	}
	if r.SessionID == "" {
		return &types.ValidationError{Field: "sessionId", Reason: "required"}
	}
	if r.UserID == "" {
		return &types.ValidationError{Field: "userId", Reason: "required"}
	}
	switch r.Type {
	case "", types.EpisodeConversation, types.EpisodeDocument:
	default:
		return &types.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown episode type %q", r.Type)}
	}
	return nil
}

// ingestJob is the payload for preprocess and ingest jobs.
type ingestJob struct {
	EpisodeUUID string `json:"episodeUuid"`
}

// sessionJob is the payload for session-scoped hooks.
type sessionJob struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	SessionID   string `json:"sessionId"`
}

// Ingest validates the request, records a PENDING episode and enqueues the
// session-keyed pipeline. Returns the episode ID. Re-submitting the same
// (sessionId, body, referenceTime) hits the same episode UUID and the
// idempotency window drops the duplicate job.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if req.Type == "" {
		req.Type = types.EpisodeConversation
	}
	if req.Source == "" {
		req.Source = "core"
	}
	if req.ReferenceTime.IsZero() {
		now, err := p.svc.Graph.CurrentTimestamp(ctx)
		if err != nil {
			return "", err
		}
		req.ReferenceTime = now
	}

	contentHash := chunker.HashContent(req.EpisodeBody)
	episodeUUID := uuid.NewSHA1(episodeNamespace, []byte(strings.Join([]string{
		req.UserID, req.SessionID, contentHash, req.ReferenceTime.UTC().Format(time.RFC3339Nano),
	}, "|"))).String()

	// The same (session, body, referenceTime) maps to the same UUID; a
	// replay returns the existing episode untouched.
	if existing, err := p.svc.Graph.GetEpisode(ctx, episodeUUID); err == nil {
		return existing.UUID, nil
	} else if !types.IsNotFound(err) {
		return "", err
	}

	now, err := p.svc.Graph.CurrentTimestamp(ctx)
	if err != nil {
		return "", err
	}
	ep := &types.Episode{
		UUID:            episodeUUID,
		Content:         req.EpisodeBody,
		OriginalContent: req.EpisodeBody,
		Source:          req.Source,
		SessionID:       req.SessionID,
		Type:            req.Type,
		ChunkIndex:      rootChunkIndex(req.Type),
		ContentHash:     contentHash,
		Title:           req.Title,
		LabelIDs:        req.LabelIDs,
		Metadata:        req.Metadata,
		ValidAt:         req.ReferenceTime.UTC(),
		Status:          types.StatusPending,
		UserID:          req.UserID,
		WorkspaceID:     req.WorkspaceID,
		CreatedAt:       now,
	}
	if err := p.svc.Graph.UpsertEpisode(ctx, ep); err != nil {
		return "", err
	}

	_, err = p.svc.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Queue:          queue.QueuePreprocess,
		SessionKey:     sessionKey(req.UserID, req.SessionID),
		IdempotencyKey: episodeUUID,
		Payload:        ingestJob{EpisodeUUID: episodeUUID},
	})
	if err != nil {
		return "", err
	}
	logging.Ingest("Accepted episode %s (session=%s, type=%s)", episodeUUID, req.SessionID, req.Type)
	return episodeUUID, nil
}

// Retry resets a FAILED episode to PENDING and re-enqueues it.
func (p *Pipeline) Retry(ctx context.Context, episodeUUID string) error {
	ep, err := p.svc.Graph.GetEpisode(ctx, episodeUUID)
	if err != nil {
		return err
	}
	if ep.Status != types.StatusFailed {
		return &types.ValidationError{Field: "episode", Reason: fmt.Sprintf("status is %s, only FAILED episodes can be retried", ep.Status)}
	}
	if err := p.svc.Graph.SetEpisodeStatus(ctx, episodeUUID, types.StatusPending, ""); err != nil {
		return err
	}
	_, err = p.svc.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Queue:      queue.QueueIngest,
		SessionKey: sessionKey(ep.UserID, ep.SessionID),
		Payload:    ingestJob{EpisodeUUID: episodeUUID},
	})
	if err != nil {
		return err
	}
	logging.Ingest("Retrying episode %s", episodeUUID)
	return nil
}

func sessionKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// rootChunkIndex keeps document root episodes (chunkIndex -1) out of the
// per-index chunk composite the versioning diff reads.
func rootChunkIndex(t types.EpisodeType) int {
	if t == types.EpisodeDocument {
		return -1
	}
	return 0
}

func decodePayload(job *queue.Job, out any) error {
	if err := json.Unmarshal(job.Payload, out); err != nil {
		return &types.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}
