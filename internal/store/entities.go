package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"engram/internal/logging"
	"engram/internal/types"
)

// =============================================================================
// ENTITY NODES
// =============================================================================

const entityColumns = "uuid, name, normalized_name, entity_type, attributes, user_id, workspace_id, created_at"

// UpsertEntity writes an entity node. Re-executing the same write is a
// no-op beyond refreshing mutable fields.
func (s *Store) UpsertEntity(ctx context.Context, e *types.Entity) error {
	if e.UUID == "" || e.Name == "" || e.UserID == "" {
		return &types.ValidationError{Field: "entity", Reason: "uuid, name and userId are required"}
	}

	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal entity attributes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Upserting entity %s (%s)", e.UUID, e.Name)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (uuid, name, normalized_name, entity_type, attributes, user_id, workspace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			normalized_name = excluded.normalized_name,
			entity_type = excluded.entity_type,
			attributes = excluded.attributes`,
		e.UUID, e.Name, e.NormalizedName(), e.Type, string(attrs),
		e.UserID, e.WorkspaceID, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return &types.TransientStoreError{Op: "UpsertEntity", Err: err}
	}
	return nil
}

// GetEntity fetches one entity by UUID.
func (s *Store) GetEntity(ctx context.Context, uuid string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE uuid = ?", uuid)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.TransientStoreError{Op: "GetEntity", Err: err}
	}
	return e, nil
}

// GetEntityByName resolves an entity by its normalized name within a scope.
// Multiple entities may share a name; the canonical one is the oldest.
func (s *Store) GetEntityByName(ctx context.Context, scope types.Scope, name string) (*types.Entity, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return nil, types.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE user_id = ? AND workspace_id = ? AND normalized_name = ?
		ORDER BY created_at ASC, uuid ASC LIMIT 1`,
		scope.UserID, scope.WorkspaceID, normalized)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.TransientStoreError{Op: "GetEntityByName", Err: err}
	}
	return e, nil
}

// GetEntities fetches entities for a UUID set. Missing UUIDs are silently
// omitted; callers that need strictness compare lengths.
func (s *Store) GetEntities(ctx context.Context, uuids []string) ([]types.Entity, error) {
	if len(uuids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + entityColumns + " FROM entities WHERE uuid IN (" + placeholders(len(uuids)) + ")"
	rows, err := s.db.QueryContext(ctx, query, stringArgs(uuids)...)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "GetEntities", Err: err}
	}
	defer rows.Close()

	var out []types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Entity row scan failed: %v", err)
			continue
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// DuplicateEntityGroups returns groups of entities sharing a normalized name
// within a scope, oldest first within each group. Singletons are omitted.
func (s *Store) DuplicateEntityGroups(ctx context.Context, scope types.Scope) ([][]types.Entity, error) {
	timer := logging.StartTimer(logging.CategoryStore, "DuplicateEntityGroups")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE user_id = ? AND workspace_id = ?
		  AND normalized_name IN (
			SELECT normalized_name FROM entities
			WHERE user_id = ? AND workspace_id = ?
			GROUP BY normalized_name HAVING COUNT(*) > 1
		  )
		ORDER BY normalized_name ASC, created_at ASC, uuid ASC`,
		scope.UserID, scope.WorkspaceID, scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "DuplicateEntityGroups", Err: err}
	}
	defer rows.Close()

	var groups [][]types.Entity
	var current []types.Entity
	currentName := ""
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			continue
		}
		if e.NormalizedName() != currentName && len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
		currentName = e.NormalizedName()
		current = append(current, *e)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups, rows.Err()
}

// MoveEntityEdges repoints every role edge and statement role column from
// one entity to another. Used by the dedup sweep to fold duplicates into
// the canonical entity.
func (s *Store) MoveEntityEdges(ctx context.Context, fromUUID, toUUID string) error {
	timer := logging.StartTimer(logging.CategoryStore, "MoveEntityEdges")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.TransientStoreError{Op: "MoveEntityEdges", Err: err}
	}
	defer tx.Rollback()

	for _, col := range []string{"subject_uuid", "predicate_uuid", "object_uuid"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE statements SET %s = ? WHERE %s = ?", col, col),
			toUUID, fromUUID); err != nil {
			return &types.TransientStoreError{Op: "MoveEntityEdges", Err: err}
		}
	}

	// Repoint edges; OR IGNORE skips rows that would collide with an edge
	// the canonical entity already has, then the leftovers are dropped.
	if _, err := tx.ExecContext(ctx,
		"UPDATE OR IGNORE edges SET dst_uuid = ? WHERE dst_uuid = ?", toUUID, fromUUID); err != nil {
		return &types.TransientStoreError{Op: "MoveEntityEdges", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM edges WHERE dst_uuid = ?", fromUUID); err != nil {
		return &types.TransientStoreError{Op: "MoveEntityEdges", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &types.TransientStoreError{Op: "MoveEntityEdges", Err: err}
	}
	return nil
}

// DeleteEntities removes entity nodes and any edges touching them.
func (s *Store) DeleteEntities(ctx context.Context, uuids []string) error {
	if len(uuids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.TransientStoreError{Op: "DeleteEntities", Err: err}
	}
	defer tx.Rollback()

	args := stringArgs(uuids)
	ph := placeholders(len(uuids))
	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE dst_uuid IN ("+ph+")", args...); err != nil {
		return &types.TransientStoreError{Op: "DeleteEntities", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE uuid IN ("+ph+")", args...); err != nil {
		return &types.TransientStoreError{Op: "DeleteEntities", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &types.TransientStoreError{Op: "DeleteEntities", Err: err}
	}

	logging.StoreDebug("Deleted %d entities", len(uuids))
	return nil
}

// OrphanEntities lists entities with no incoming role edge. These carry no
// facts and are reclaimed by the maintenance sweep.
func (s *Store) OrphanEntities(ctx context.Context, scope types.Scope) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OrphanEntities")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.uuid FROM entities e
		LEFT JOIN edges r ON r.dst_uuid = e.uuid
			AND r.label IN (?, ?, ?)
		WHERE e.user_id = ? AND e.workspace_id = ? AND r.dst_uuid IS NULL`,
		string(types.EdgeHasSubject), string(types.EdgeHasPredicate), string(types.EdgeHasObject),
		scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "OrphanEntities", Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			continue
		}
		out = append(out, uuid)
	}
	return out, rows.Err()
}

// scanEntity reads one entity row from either *sql.Row or *sql.Rows.
func scanEntity(row interface{ Scan(...interface{}) error }) (*types.Entity, error) {
	var e types.Entity
	var normalized, attrs, createdAt string
	if err := row.Scan(&e.UUID, &e.Name, &normalized, &e.Type, &attrs,
		&e.UserID, &e.WorkspaceID, &createdAt); err != nil {
		return nil, err
	}
	if attrs != "" && attrs != "{}" && attrs != "null" {
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			logging.Get(logging.CategoryStore).Warn("Entity attributes unmarshal failed for %s: %v", e.UUID, err)
		}
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// placeholders returns "?, ?, ..." with n slots.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
