package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"engram/internal/chunker"
	"engram/internal/extract"
	"engram/internal/logging"
	"engram/internal/queue"
	"engram/internal/types"
)

// handlePreprocess normalizes episode content before extraction and hands
// the job to the ingest queue on the same session key, preserving order.
func (p *Pipeline) handlePreprocess(ctx context.Context, job *queue.Job) error {
	var payload ingestJob
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	ep, err := p.svc.Graph.GetEpisode(ctx, payload.EpisodeUUID)
	if err != nil {
		return err
	}

	normalized := normalizeContent(ep.OriginalContent)
	if normalized != ep.Content {
		ep.Content = normalized
		ep.ContentHash = chunker.HashContent(normalized)
		if err := p.svc.Graph.UpsertEpisode(ctx, ep); err != nil {
			return err
		}
	}

	_, err = p.svc.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Queue:      queue.QueueIngest,
		SessionKey: job.SessionKey,
		Payload:    ingestJob{EpisodeUUID: ep.UUID},
	})
	return err
}

// handleIngest runs the full per-episode pipeline. A replayed job for an
// already-completed episode is a no-op.
func (p *Pipeline) handleIngest(ctx context.Context, job *queue.Job) error {
	var payload ingestJob
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	ep, err := p.svc.Graph.GetEpisode(ctx, payload.EpisodeUUID)
	if err != nil {
		return err
	}
	if ep.Status == types.StatusCompleted {
		logging.IngestDebug("Episode %s already completed, skipping replay", ep.UUID)
		return nil
	}

	if err := p.svc.Graph.SetEpisodeStatus(ctx, ep.UUID, types.StatusProcessing, ""); err != nil {
		return err
	}
	ep.Status = types.StatusProcessing

	if err := p.process(ctx, ep); err != nil {
		p.recordFailure(ep.UUID, job, err)
		return err
	}

	if err := p.svc.Graph.SetEpisodeStatus(ctx, ep.UUID, types.StatusCompleted, ""); err != nil {
		return err
	}
	p.emitPostHooks(ctx, ep)
	logging.Ingest("Episode %s completed", ep.UUID)
	return nil
}

func (p *Pipeline) process(ctx context.Context, ep *types.Episode) error {
	chunks := p.chunker.Split(ep.Content)
	if len(chunks) == 0 {
		return &types.ValidationError{Field: "episodeBody", Reason: "empty after normalization"}
	}
	if ep.Type == types.EpisodeDocument {
		return p.processDocument(ctx, ep, chunks)
	}
	return p.processConversation(ctx, ep, chunks)
}

// processConversation extracts from every chunk with provenance on the
// episode itself. The previous episode of the session rides along as
// read-only context for pronoun resolution.
func (p *Pipeline) processConversation(ctx context.Context, ep *types.Episode, chunks []chunker.Chunk) error {
	scope := types.Scope{UserID: ep.UserID, WorkspaceID: ep.WorkspaceID}

	prior := p.priorSessionContext(ctx, scope, ep)
	for i, chunk := range chunks {
		window := extract.ContextWindow{Previous: prior}
		if i > 0 {
			window.Previous = chunks[i-1].Text
		}
		if i+1 < len(chunks) {
			window.Next = chunks[i+1].Text
		}
		if err := p.ingestChunk(ctx, scope, ep.UUID, chunk.Text, window, ep.ValidAt); err != nil {
			return err
		}
	}

	ep.ChunkHashes = chunker.Hashes(chunks)
	ep.TotalChunks = len(chunks)
	vec, err := p.svc.Embedder.Embed(ctx, ep.Content)
	if err != nil {
		return err
	}
	ep.ContentEmbedding = vec
	return p.writer.WriteEpisode(ctx, ep)
}

// processDocument diffs the incoming chunks against the latest stored
// version, writes changed chunks as new chunk episodes at the next version
// and invalidates statements stranded on superseded chunks.
func (p *Pipeline) processDocument(ctx context.Context, ep *types.Episode, chunks []chunker.Chunk) error {
	scope := types.Scope{UserID: ep.UserID, WorkspaceID: ep.WorkspaceID}
	hashes := chunker.Hashes(chunks)

	plan, err := p.versioning.Diff(ctx, scope, ep.SessionID, hashes)
	if err != nil {
		return err
	}
	ep.ChunkHashes = hashes
	ep.TotalChunks = len(chunks)
	ep.Version = plan.NewVersion
	if plan.Unchanged() {
		ep.Version = plan.PreviousVersion
		return p.finishEpisode(ctx, ep)
	}

	texts := make([]string, len(plan.ChangedIndices))
	for i, idx := range plan.ChangedIndices {
		texts[i] = chunks[idx].Text
	}
	vecs, err := p.svc.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	chunkUUIDs := make(map[int]string, len(plan.ChangedIndices))
	for i, idx := range plan.ChangedIndices {
		chunk := chunks[idx]
		chunkEp := &types.Episode{
			UUID: uuid.NewSHA1(episodeNamespace, []byte(fmt.Sprintf("%s|%s|v%d|c%d|%s",
				ep.UserID, ep.SessionID, plan.NewVersion, idx, chunk.Hash))).String(),
			Content:          chunk.Text,
			ContentEmbedding: vecs[i],
			Source:           ep.Source,
			SessionID:        ep.SessionID,
			Type:             types.EpisodeDocument,
			ChunkIndex:       idx,
			TotalChunks:      len(chunks),
			Version:          plan.NewVersion,
			ContentHash:      chunk.Hash,
			ValidAt:          ep.ValidAt,
			Status:           types.StatusCompleted,
			UserID:           ep.UserID,
			WorkspaceID:      ep.WorkspaceID,
			CreatedAt:        ep.CreatedAt,
		}
		if err := p.writer.WriteEpisode(ctx, chunkEp); err != nil {
			return err
		}
		chunkUUIDs[idx] = chunkEp.UUID
	}

	if _, err := p.versioning.InvalidateSuperseded(ctx, plan, ep.ValidAt, ep.UUID); err != nil {
		return err
	}

	for _, idx := range plan.ChangedIndices {
		window := extract.ContextWindow{}
		if idx > 0 {
			window.Previous = chunks[idx-1].Text
		}
		if idx+1 < len(chunks) {
			window.Next = chunks[idx+1].Text
		}
		if err := p.ingestChunk(ctx, scope, chunkUUIDs[idx], chunks[idx].Text, window, ep.ValidAt); err != nil {
			return err
		}
	}

	return p.finishEpisode(ctx, ep)
}

// ingestChunk runs extract, resolve, invalidate and write for one chunk
// with provenance on provenanceUUID.
func (p *Pipeline) ingestChunk(ctx context.Context, scope types.Scope, provenanceUUID, text string, window extract.ContextWindow, validAt time.Time) error {
	candidates, err := p.extractor.Extract(ctx, text, window)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	// Candidates without their own timestamp inherit the episode's.
	for i := range candidates {
		if candidates[i].ValidAt == nil && !validAt.IsZero() {
			at := validAt
			candidates[i].ValidAt = &at
		}
	}

	resolved, err := p.resolver.Resolve(ctx, scope, candidates)
	if err != nil {
		return err
	}
	invalidations, err := p.invalidator.Detect(ctx, scope, resolved)
	if err != nil {
		return err
	}
	_, err = p.writer.WriteCandidates(ctx, provenanceUUID, resolved, invalidations)
	return err
}

// finishEpisode embeds and persists the root episode node.
func (p *Pipeline) finishEpisode(ctx context.Context, ep *types.Episode) error {
	vec, err := p.svc.Embedder.Embed(ctx, ep.Content)
	if err != nil {
		return err
	}
	ep.ContentEmbedding = vec
	return p.writer.WriteEpisode(ctx, ep)
}

// priorSessionContext returns the content of the most recent completed
// episode of the session, if any.
func (p *Pipeline) priorSessionContext(ctx context.Context, scope types.Scope, ep *types.Episode) string {
	episodes, err := p.svc.Graph.EpisodesBySession(ctx, scope, ep.SessionID)
	if err != nil {
		return ""
	}
	var prior *types.Episode
	for i := range episodes {
		e := &episodes[i]
		if e.UUID == ep.UUID || e.Status != types.StatusCompleted {
			continue
		}
		if prior == nil || e.CreatedAt.After(prior.CreatedAt) {
			prior = e
		}
	}
	if prior == nil {
		return ""
	}
	return prior.Content
}

// recordFailure marks the episode FAILED when the error is final or the
// job is out of attempts. Runs on a fresh context; the job's own context
// may already be cancelled.
func (p *Pipeline) recordFailure(episodeUUID string, job *queue.Job, err error) {
	settings := p.svc.Config.Queue.Settings(job.Queue)
	final := !types.IsRetryable(err) || job.Attempts >= settings.MaxAttempts
	if !final {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := p.svc.Graph.SetEpisodeStatus(ctx, episodeUUID, types.StatusFailed, err.Error()); serr != nil {
		logging.Get(logging.CategoryIngest).Error("Failed to mark episode %s FAILED: %v", episodeUUID, serr)
	}
}

// normalizeContent strips carriage returns, zero-width characters and
// other control noise that confuses chunk hashing.
func normalizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff':
		case r < 0x20 && r != '\n' && r != '\t':
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
