package store

import (
	"context"
	"database/sql"

	"engram/internal/logging"
	"engram/internal/types"
)

// =============================================================================
// COMPACTED SESSIONS
// =============================================================================

// UpsertCompactedSession writes a session summary node. One summary per
// session and scope; re-compaction replaces it.
func (s *Store) UpsertCompactedSession(ctx context.Context, cs *types.CompactedSession) error {
	if cs.UUID == "" || cs.SessionID == "" || cs.UserID == "" {
		return &types.ValidationError{Field: "compactedSession", Reason: "uuid, sessionId and userId are required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compacted_sessions (uuid, session_id, summary, episode_count,
			start_time, end_time, compression_ratio, user_id, workspace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, workspace_id, session_id) DO UPDATE SET
			uuid = excluded.uuid,
			summary = excluded.summary,
			episode_count = excluded.episode_count,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			compression_ratio = excluded.compression_ratio`,
		cs.UUID, cs.SessionID, cs.Summary, cs.EpisodeCount,
		fmtTime(cs.StartTime), fmtTime(cs.EndTime), cs.CompressionRatio,
		cs.UserID, cs.WorkspaceID, fmtTime(cs.CreatedAt))
	if err != nil {
		return &types.TransientStoreError{Op: "UpsertCompactedSession", Err: err}
	}

	logging.StoreDebug("Upserted compacted session %s for session %s (%d episodes)",
		cs.UUID, cs.SessionID, cs.EpisodeCount)
	return nil
}

// GetCompactedSession fetches the summary for a session, if compacted.
func (s *Store) GetCompactedSession(ctx context.Context, scope types.Scope, sessionID string) (*types.CompactedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cs types.CompactedSession
	var startTime, endTime, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, session_id, summary, episode_count, start_time, end_time,
			compression_ratio, user_id, workspace_id, created_at
		FROM compacted_sessions
		WHERE user_id = ? AND workspace_id = ? AND session_id = ?`,
		scope.UserID, scope.WorkspaceID, sessionID).Scan(
		&cs.UUID, &cs.SessionID, &cs.Summary, &cs.EpisodeCount, &startTime, &endTime,
		&cs.CompressionRatio, &cs.UserID, &cs.WorkspaceID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.TransientStoreError{Op: "GetCompactedSession", Err: err}
	}
	cs.StartTime = parseTime(startTime)
	cs.EndTime = parseTime(endTime)
	cs.CreatedAt = parseTime(createdAt)
	return &cs, nil
}
