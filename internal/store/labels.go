package store

import (
	"context"
	"database/sql"

	"engram/internal/types"
)

// =============================================================================
// LABEL METADATA
// =============================================================================

// LabelStore holds user-defined label metadata. Label vectors live in the
// label namespace of the vector index under the same IDs.
type LabelStore struct {
	store *Store
}

// UpsertLabel writes a label keyed by ID.
func (l *LabelStore) UpsertLabel(ctx context.Context, lb *types.Label) error {
	if lb.ID == "" || lb.Name == "" || lb.UserID == "" {
		return &types.ValidationError{Field: "label", Reason: "id, name and userId are required"}
	}

	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO labels (id, name, description, user_id, workspace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description`,
		lb.ID, lb.Name, lb.Description, lb.UserID, lb.WorkspaceID, fmtTime(lb.CreatedAt))
	if err != nil {
		return &types.TransientStoreError{Op: "UpsertLabel", Err: err}
	}
	return nil
}

// GetLabel fetches one label by ID.
func (l *LabelStore) GetLabel(ctx context.Context, id string) (*types.Label, error) {
	s := l.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lb types.Label
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, description, user_id, workspace_id, created_at FROM labels WHERE id = ?",
		id).Scan(&lb.ID, &lb.Name, &lb.Description, &lb.UserID, &lb.WorkspaceID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.TransientStoreError{Op: "GetLabel", Err: err}
	}
	lb.CreatedAt = parseTime(createdAt)
	return &lb, nil
}

// ListLabels lists a scope's labels by name.
func (l *LabelStore) ListLabels(ctx context.Context, scope types.Scope) ([]types.Label, error) {
	s := l.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, user_id, workspace_id, created_at FROM labels
		WHERE user_id = ? AND workspace_id = ?
		ORDER BY name ASC`,
		scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "ListLabels", Err: err}
	}
	defer rows.Close()

	var out []types.Label
	for rows.Next() {
		var lb types.Label
		var createdAt string
		if err := rows.Scan(&lb.ID, &lb.Name, &lb.Description, &lb.UserID, &lb.WorkspaceID, &createdAt); err != nil {
			continue
		}
		lb.CreatedAt = parseTime(createdAt)
		out = append(out, lb)
	}
	return out, rows.Err()
}

// DeleteLabel removes a label and any HAS_LABEL edges pointing at it.
func (l *LabelStore) DeleteLabel(ctx context.Context, id string) error {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.TransientStoreError{Op: "DeleteLabel", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM edges WHERE dst_uuid = ? AND label = ?", id, string(types.EdgeHasLabel)); err != nil {
		return &types.TransientStoreError{Op: "DeleteLabel", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM labels WHERE id = ?", id); err != nil {
		return &types.TransientStoreError{Op: "DeleteLabel", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &types.TransientStoreError{Op: "DeleteLabel", Err: err}
	}
	return nil
}
