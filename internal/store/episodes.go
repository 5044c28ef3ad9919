package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"engram/internal/logging"
	"engram/internal/types"
)

// =============================================================================
// EPISODE NODES
// =============================================================================

const episodeColumns = `uuid, content, original_content, source, session_id, episode_type,
	chunk_index, total_chunks, version, content_hash, chunk_hashes,
	previous_version_session_id, title, label_ids, metadata, valid_at,
	status, error_message, user_id, workspace_id, created_at`

// UpsertEpisode writes an episode node keyed by UUID.
func (s *Store) UpsertEpisode(ctx context.Context, ep *types.Episode) error {
	if ep.UUID == "" || ep.SessionID == "" || ep.UserID == "" {
		return &types.ValidationError{Field: "episode", Reason: "uuid, sessionId and userId are required"}
	}
	if ep.Type != types.EpisodeConversation && ep.Type != types.EpisodeDocument {
		return &types.ValidationError{Field: "episode.type", Reason: fmt.Sprintf("unknown episode type %q", ep.Type)}
	}

	chunkHashes, err := json.Marshal(ep.ChunkHashes)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk hashes: %w", err)
	}
	labelIDs, err := json.Marshal(ep.LabelIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal label ids: %w", err)
	}
	metadata, err := json.Marshal(ep.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal episode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Upserting episode %s (session=%s, chunk=%d/%d, v%d)",
		ep.UUID, ep.SessionID, ep.ChunkIndex, ep.TotalChunks, ep.Version)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (`+episodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			content = excluded.content,
			original_content = excluded.original_content,
			source = excluded.source,
			chunk_index = excluded.chunk_index,
			total_chunks = excluded.total_chunks,
			version = excluded.version,
			content_hash = excluded.content_hash,
			chunk_hashes = excluded.chunk_hashes,
			previous_version_session_id = excluded.previous_version_session_id,
			title = excluded.title,
			label_ids = excluded.label_ids,
			metadata = excluded.metadata,
			valid_at = excluded.valid_at,
			status = excluded.status,
			error_message = excluded.error_message`,
		ep.UUID, ep.Content, ep.OriginalContent, ep.Source, ep.SessionID, string(ep.Type),
		ep.ChunkIndex, ep.TotalChunks, ep.Version, ep.ContentHash, string(chunkHashes),
		ep.PreviousVersionSessionID, ep.Title, string(labelIDs), string(metadata), fmtTime(ep.ValidAt),
		string(ep.Status), ep.Error, ep.UserID, ep.WorkspaceID, fmtTime(ep.CreatedAt),
	)
	if err != nil {
		return &types.TransientStoreError{Op: "UpsertEpisode", Err: err}
	}
	return nil
}

// GetEpisode fetches one episode by UUID.
func (s *Store) GetEpisode(ctx context.Context, uuid string) (*types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+episodeColumns+" FROM episodes WHERE uuid = ?", uuid)
	ep, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.TransientStoreError{Op: "GetEpisode", Err: err}
	}
	return ep, nil
}

// SetEpisodeStatus advances the episode state machine. The error message is
// cleared on any non-failed status.
func (s *Store) SetEpisodeStatus(ctx context.Context, uuid string, status types.EpisodeStatus, errMsg string) error {
	if status != types.StatusFailed {
		errMsg = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE episodes SET status = ?, error_message = ? WHERE uuid = ?",
		string(status), errMsg, uuid)
	if err != nil {
		return &types.TransientStoreError{Op: "SetEpisodeStatus", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	logging.StoreDebug("Episode %s -> %s", uuid, status)
	return nil
}

// SetEpisodeLabels replaces the label set on an episode and mirrors it as
// HAS_LABEL edges.
func (s *Store) SetEpisodeLabels(ctx context.Context, uuid string, labelIDs []string) error {
	encoded, err := json.Marshal(labelIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal label ids: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.TransientStoreError{Op: "SetEpisodeLabels", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE episodes SET label_ids = ? WHERE uuid = ?", string(encoded), uuid)
	if err != nil {
		return &types.TransientStoreError{Op: "SetEpisodeLabels", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM edges WHERE src_uuid = ? AND label = ?", uuid, string(types.EdgeHasLabel)); err != nil {
		return &types.TransientStoreError{Op: "SetEpisodeLabels", Err: err}
	}
	now := fmtTime(nowUTC())
	for _, id := range labelIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO edges (src_uuid, label, dst_uuid, created_at) VALUES (?, ?, ?, ?)",
			uuid, string(types.EdgeHasLabel), id, now); err != nil {
			return &types.TransientStoreError{Op: "SetEpisodeLabels", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &types.TransientStoreError{Op: "SetEpisodeLabels", Err: err}
	}
	return nil
}

// EpisodesBySession lists a session's episodes ordered by creation.
func (s *Store) EpisodesBySession(ctx context.Context, scope types.Scope, sessionID string) ([]types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE user_id = ? AND workspace_id = ? AND session_id = ?
		ORDER BY created_at ASC, chunk_index ASC`,
		scope.UserID, scope.WorkspaceID, sessionID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "EpisodesBySession", Err: err}
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// LatestDocumentVersion returns the highest document version for a session
// and the canonical chunk episodes: per chunk index, the highest-version
// row. A new version only writes changed chunks, so the canonical set spans
// versions. Root episodes (chunkIndex -1) are excluded; the latest
// completed root's TotalChunks bounds the live indices after a shrink.
func (s *Store) LatestDocumentVersion(ctx context.Context, scope types.Scope, sessionID string) (int, []types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM episodes
		WHERE user_id = ? AND workspace_id = ? AND session_id = ? AND episode_type = ?`,
		scope.UserID, scope.WorkspaceID, sessionID, string(types.EpisodeDocument)).Scan(&version)
	if err != nil {
		return 0, nil, &types.TransientStoreError{Op: "LatestDocumentVersion", Err: err}
	}
	if !version.Valid {
		return 0, nil, types.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes e
		WHERE user_id = ? AND workspace_id = ? AND session_id = ? AND episode_type = ?
		  AND chunk_index >= 0
		  AND version = (
			SELECT MAX(version) FROM episodes e2
			WHERE e2.user_id = e.user_id AND e2.workspace_id = e.workspace_id
			  AND e2.session_id = e.session_id AND e2.episode_type = e.episode_type
			  AND e2.chunk_index = e.chunk_index
		  )
		ORDER BY chunk_index ASC`,
		scope.UserID, scope.WorkspaceID, sessionID, string(types.EpisodeDocument))
	if err != nil {
		return 0, nil, &types.TransientStoreError{Op: "LatestDocumentVersion", Err: err}
	}
	defer rows.Close()

	eps, err := collectEpisodes(rows)
	if err != nil {
		return 0, nil, err
	}

	// A completed root records how many chunks the document currently has.
	row := s.db.QueryRowContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE user_id = ? AND workspace_id = ? AND session_id = ? AND episode_type = ?
		  AND chunk_index = -1 AND status = ?
		ORDER BY version DESC LIMIT 1`,
		scope.UserID, scope.WorkspaceID, sessionID, string(types.EpisodeDocument),
		string(types.StatusCompleted))
	if root, rerr := scanEpisode(row); rerr == nil && root.TotalChunks > 0 {
		live := eps[:0]
		for _, ep := range eps {
			if ep.ChunkIndex < root.TotalChunks {
				live = append(live, ep)
			}
		}
		eps = live
	}
	return int(version.Int64), eps, nil
}

// AdjacentChunks returns the previous and next chunk episodes within the
// same session. Neighbors untouched by recent versions live at older
// versions, so each index resolves to its highest-version row. Either may
// be nil at a boundary.
func (s *Store) AdjacentChunks(ctx context.Context, episodeUUID string) (*types.Episode, *types.Episode, error) {
	ep, err := s.GetEpisode(ctx, episodeUUID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fetch := func(idx int) *types.Episode {
		if idx < 0 {
			return nil
		}
		row := s.db.QueryRowContext(ctx, `
			SELECT `+episodeColumns+` FROM episodes
			WHERE user_id = ? AND workspace_id = ? AND session_id = ?
			  AND episode_type = ? AND chunk_index = ?
			ORDER BY version DESC LIMIT 1`,
			ep.UserID, ep.WorkspaceID, ep.SessionID, string(ep.Type), idx)
		adj, err := scanEpisode(row)
		if err != nil {
			return nil
		}
		return adj
	}

	return fetch(ep.ChunkIndex - 1), fetch(ep.ChunkIndex + 1), nil
}

// DeleteEpisode cascades: provenance edges to the episode are removed,
// statements left without any provenance are deleted, and entities orphaned
// by those deletions are reclaimed. Vector cleanup is the caller's job.
func (s *Store) DeleteEpisode(ctx context.Context, uuid string) (types.CascadeStats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "DeleteEpisode")
	defer timer.Stop()

	var stats types.CascadeStats

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
	}
	defer tx.Rollback()

	// Statements that cite this episode, and the entities they touch.
	rows, err := tx.QueryContext(ctx, `
		SELECT st.uuid, st.subject_uuid, st.predicate_uuid, st.object_uuid
		FROM edges pe JOIN statements st ON st.uuid = pe.src_uuid
		WHERE pe.dst_uuid = ? AND pe.label = ?`,
		uuid, string(types.EdgeHasProvenance))
	if err != nil {
		return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
	}
	var citing []string
	touched := make(map[string]bool)
	for rows.Next() {
		var st, subj, pred, obj string
		if err := rows.Scan(&st, &subj, &pred, &obj); err != nil {
			continue
		}
		citing = append(citing, st)
		touched[subj] = true
		touched[pred] = true
		touched[obj] = true
	}
	rows.Close()

	// Remove this episode's provenance edges.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM edges WHERE dst_uuid = ? AND label = ?",
		uuid, string(types.EdgeHasProvenance)); err != nil {
		return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
	}

	// Statements with no remaining provenance are deleted outright.
	for _, st := range citing {
		var remaining int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM edges WHERE src_uuid = ? AND label = ?",
			st, string(types.EdgeHasProvenance)).Scan(&remaining); err != nil {
			return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
		}
		if remaining > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE src_uuid = ?", st); err != nil {
			return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM statements WHERE uuid = ?", st); err != nil {
			return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM statement_fts WHERE uuid = ?", st); err != nil {
			return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
		}
		stats.Statements++
	}

	// Reclaim entities orphaned by the statement deletions.
	for entity := range touched {
		var remaining int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM edges
			WHERE dst_uuid = ? AND label IN (?, ?, ?)`,
			entity, string(types.EdgeHasSubject), string(types.EdgeHasPredicate), string(types.EdgeHasObject),
		).Scan(&remaining); err != nil {
			return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
		}
		if remaining > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE uuid = ?", entity); err != nil {
			return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
		}
		stats.Entities++
	}

	// Finally the episode node and anything pointing at it.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM edges WHERE src_uuid = ? OR dst_uuid = ?", uuid, uuid); err != nil {
		return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM episodes WHERE uuid = ?", uuid)
	if err != nil {
		return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return stats, types.ErrNotFound
	}
	stats.Episodes = 1

	if err := tx.Commit(); err != nil {
		return stats, &types.TransientStoreError{Op: "DeleteEpisode", Err: err}
	}

	logging.Store("Episode %s deleted (statements=%d, entities=%d)", uuid, stats.Statements, stats.Entities)
	return stats, nil
}

func scanEpisode(row interface{ Scan(...interface{}) error }) (*types.Episode, error) {
	var ep types.Episode
	var epType, status, validAt, createdAt string
	var chunkHashes, labelIDs, metadata string
	if err := row.Scan(&ep.UUID, &ep.Content, &ep.OriginalContent, &ep.Source, &ep.SessionID, &epType,
		&ep.ChunkIndex, &ep.TotalChunks, &ep.Version, &ep.ContentHash, &chunkHashes,
		&ep.PreviousVersionSessionID, &ep.Title, &labelIDs, &metadata, &validAt,
		&status, &ep.Error, &ep.UserID, &ep.WorkspaceID, &createdAt); err != nil {
		return nil, err
	}
	ep.Type = types.EpisodeType(epType)
	ep.Status = types.EpisodeStatus(status)
	ep.ValidAt = parseTime(validAt)
	ep.CreatedAt = parseTime(createdAt)
	if chunkHashes != "" && chunkHashes != "null" {
		json.Unmarshal([]byte(chunkHashes), &ep.ChunkHashes)
	}
	if labelIDs != "" && labelIDs != "null" {
		json.Unmarshal([]byte(labelIDs), &ep.LabelIDs)
	}
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &ep.Metadata); err != nil {
			logging.Get(logging.CategoryStore).Warn("Episode metadata unmarshal failed for %s: %v", ep.UUID, err)
		}
	}
	return &ep, nil
}

func collectEpisodes(rows *sql.Rows) ([]types.Episode, error) {
	var out []types.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Episode row scan failed: %v", err)
			continue
		}
		out = append(out, *ep)
	}
	return out, rows.Err()
}
