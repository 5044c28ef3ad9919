package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// =============================================================================
// STATEMENT NODES AND EDGES
// =============================================================================

// provenanceCountExpr is appended to statement selects so callers get the
// citation count without a second query.
const statementColumns = `st.uuid, st.fact, st.subject_uuid, st.predicate_uuid, st.object_uuid,
	st.valid_at, st.invalid_at, st.invalidated_by, st.aspect, st.attributes,
	st.user_id, st.workspace_id, st.created_at,
	(SELECT COUNT(*) FROM edges pe WHERE pe.src_uuid = st.uuid AND pe.label = 'HAS_PROVENANCE')`

// UpsertStatement writes a statement node plus its three role edges and
// keeps the fulltext index in sync.
func (s *Store) UpsertStatement(ctx context.Context, st *types.Statement) error {
	if st.UUID == "" || st.Fact == "" || st.UserID == "" {
		return &types.ValidationError{Field: "statement", Reason: "uuid, fact and userId are required"}
	}
	if st.SubjectUUID == "" || st.PredicateUUID == "" || st.ObjectUUID == "" {
		return &types.ValidationError{Field: "statement", Reason: "subject, predicate and object are required"}
	}

	attrs, err := json.Marshal(st.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal statement attributes: %w", err)
	}

	var invalidAt interface{}
	if st.InvalidAt != nil {
		invalidAt = fmtTime(*st.InvalidAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.TransientStoreError{Op: "UpsertStatement", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO statements (uuid, fact, subject_uuid, predicate_uuid, object_uuid,
			valid_at, invalid_at, invalidated_by, aspect, attributes,
			user_id, workspace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			fact = excluded.fact,
			subject_uuid = excluded.subject_uuid,
			predicate_uuid = excluded.predicate_uuid,
			object_uuid = excluded.object_uuid,
			valid_at = excluded.valid_at,
			invalid_at = excluded.invalid_at,
			invalidated_by = excluded.invalidated_by,
			aspect = excluded.aspect,
			attributes = excluded.attributes`,
		st.UUID, st.Fact, st.SubjectUUID, st.PredicateUUID, st.ObjectUUID,
		fmtTime(st.ValidAt), invalidAt, st.InvalidatedBy, string(st.Aspect), string(attrs),
		st.UserID, st.WorkspaceID, fmtTime(st.CreatedAt))
	if err != nil {
		return &types.TransientStoreError{Op: "UpsertStatement", Err: err}
	}

	now := fmtTime(nowUTC())
	for _, e := range []struct {
		label types.EdgeLabel
		dst   string
	}{
		{types.EdgeHasSubject, st.SubjectUUID},
		{types.EdgeHasPredicate, st.PredicateUUID},
		{types.EdgeHasObject, st.ObjectUUID},
	} {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO edges (src_uuid, label, dst_uuid, created_at) VALUES (?, ?, ?, ?)",
			st.UUID, string(e.label), e.dst, now); err != nil {
			return &types.TransientStoreError{Op: "UpsertStatement", Err: err}
		}
	}

	// Replace the fulltext row.
	if _, err := tx.ExecContext(ctx, "DELETE FROM statement_fts WHERE uuid = ?", st.UUID); err != nil {
		return &types.TransientStoreError{Op: "UpsertStatement", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO statement_fts (fact, uuid, user_id, workspace_id) VALUES (?, ?, ?, ?)",
		st.Fact, st.UUID, st.UserID, st.WorkspaceID); err != nil {
		return &types.TransientStoreError{Op: "UpsertStatement", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &types.TransientStoreError{Op: "UpsertStatement", Err: err}
	}

	logging.StoreDebug("Upserted statement %s: %q", st.UUID, st.Fact)
	return nil
}

// GetStatements fetches statements for a UUID set, provenance counts
// included.
func (s *Store) GetStatements(ctx context.Context, uuids []string) ([]types.Statement, error) {
	if len(uuids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + statementColumns + " FROM statements st WHERE st.uuid IN (" + placeholders(len(uuids)) + ")"
	rows, err := s.db.QueryContext(ctx, query, stringArgs(uuids)...)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "GetStatements", Err: err}
	}
	defer rows.Close()
	return collectStatements(rows)
}

// StatementsBySubjectPredicate lists statements on a (subject, predicate)
// pair. activeOnly restricts to statements with no invalidAt.
func (s *Store) StatementsBySubjectPredicate(ctx context.Context, scope types.Scope, subjectUUID, predicateUUID string, activeOnly bool) ([]types.Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + statementColumns + ` FROM statements st
		WHERE st.user_id = ? AND st.workspace_id = ? AND st.subject_uuid = ? AND st.predicate_uuid = ?`
	if activeOnly {
		query += " AND st.invalid_at IS NULL"
	}
	query += " ORDER BY st.valid_at ASC"

	rows, err := s.db.QueryContext(ctx, query, scope.UserID, scope.WorkspaceID, subjectUUID, predicateUUID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "StatementsBySubjectPredicate", Err: err}
	}
	defer rows.Close()
	return collectStatements(rows)
}

// StatementsBySubjectObject lists statements on a (subject, object) pair.
func (s *Store) StatementsBySubjectObject(ctx context.Context, scope types.Scope, subjectUUID, objectUUID string, activeOnly bool) ([]types.Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + statementColumns + ` FROM statements st
		WHERE st.user_id = ? AND st.workspace_id = ? AND st.subject_uuid = ? AND st.object_uuid = ?`
	if activeOnly {
		query += " AND st.invalid_at IS NULL"
	}
	query += " ORDER BY st.valid_at ASC"

	rows, err := s.db.QueryContext(ctx, query, scope.UserID, scope.WorkspaceID, subjectUUID, objectUUID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "StatementsBySubjectObject", Err: err}
	}
	defer rows.Close()
	return collectStatements(rows)
}

// InvalidateStatement closes a statement's validity interval. Already
// invalidated statements are left untouched so the first invalidation wins.
func (s *Store) InvalidateStatement(ctx context.Context, uuid string, at time.Time, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE statements SET invalid_at = ?, invalidated_by = ?
		WHERE uuid = ? AND invalid_at IS NULL`,
		fmtTime(at), by, uuid)
	if err != nil {
		return &types.TransientStoreError{Op: "InvalidateStatement", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM statements WHERE uuid = ?", uuid).Scan(&exists); err == nil && exists == 0 {
			return types.ErrNotFound
		}
		// Already invalidated: idempotent no-op.
		return nil
	}
	logging.StoreDebug("Invalidated statement %s at %s by %s", uuid, fmtTime(at), by)
	return nil
}

// AddProvenance links a statement to a source episode.
func (s *Store) AddProvenance(ctx context.Context, episodeUUID, statementUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO edges (src_uuid, label, dst_uuid, created_at) VALUES (?, ?, ?, ?)",
		statementUUID, string(types.EdgeHasProvenance), episodeUUID, fmtTime(nowUTC()))
	if err != nil {
		return &types.TransientStoreError{Op: "AddProvenance", Err: err}
	}
	return nil
}

// ProvenanceEpisodes lists the episode UUIDs a statement cites.
func (s *Store) ProvenanceEpisodes(ctx context.Context, statementUUID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT dst_uuid FROM edges WHERE src_uuid = ? AND label = ? ORDER BY created_at ASC",
		statementUUID, string(types.EdgeHasProvenance))
	if err != nil {
		return nil, &types.TransientStoreError{Op: "ProvenanceEpisodes", Err: err}
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

// StatementsForEpisode lists statements citing an episode as provenance.
func (s *Store) StatementsForEpisode(ctx context.Context, episodeUUID string) ([]types.Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+statementColumns+` FROM statements st
		JOIN edges pe ON pe.src_uuid = st.uuid AND pe.label = ?
		WHERE pe.dst_uuid = ?`,
		string(types.EdgeHasProvenance), episodeUUID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "StatementsForEpisode", Err: err}
	}
	defer rows.Close()
	return collectStatements(rows)
}

// StatementsWithSoleProvenance returns statements whose every provenance
// episode lies inside the given set.
func (s *Store) StatementsWithSoleProvenance(ctx context.Context, episodeUUIDs []string) ([]types.Statement, error) {
	if len(episodeUUIDs) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ph := placeholders(len(episodeUUIDs))
	args := stringArgs(episodeUUIDs)
	// Candidates cite at least one episode in the set; keep those citing
	// nothing outside it.
	query := `
		SELECT ` + statementColumns + ` FROM statements st
		WHERE st.uuid IN (
			SELECT DISTINCT src_uuid FROM edges
			WHERE label = 'HAS_PROVENANCE' AND dst_uuid IN (` + ph + `)
		)
		AND NOT EXISTS (
			SELECT 1 FROM edges o
			WHERE o.src_uuid = st.uuid AND o.label = 'HAS_PROVENANCE'
			  AND o.dst_uuid NOT IN (` + ph + `)
		)`
	rows, err := s.db.QueryContext(ctx, query, append(args, args...)...)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "StatementsWithSoleProvenance", Err: err}
	}
	defer rows.Close()
	return collectStatements(rows)
}

// UpsertEdge writes one edge of the fixed vocabulary.
func (s *Store) UpsertEdge(ctx context.Context, src string, label types.EdgeLabel, dst string) error {
	if src == "" || dst == "" || label == "" {
		return &types.ValidationError{Field: "edge", Reason: "src, label and dst are required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO edges (src_uuid, label, dst_uuid, created_at) VALUES (?, ?, ?, ?)",
		src, string(label), dst, fmtTime(nowUTC()))
	if err != nil {
		return &types.TransientStoreError{Op: "UpsertEdge", Err: err}
	}
	return nil
}

// NodeIDs lists node UUIDs for one label within a scope.
func (s *Store) NodeIDs(ctx context.Context, label types.NodeLabel, scope types.Scope) ([]string, error) {
	var table string
	switch label {
	case types.NodeEntity:
		table = "entities"
	case types.NodeEpisode:
		table = "episodes"
	case types.NodeStatement:
		table = "statements"
	case types.NodeCompactedSession:
		table = "compacted_sessions"
	case types.NodeLabelNode:
		return s.labelIDs(ctx, scope)
	default:
		return nil, &types.ValidationError{Field: "label", Reason: fmt.Sprintf("unknown node label %q", label)}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT uuid FROM %s WHERE user_id = ? AND workspace_id = ?", table),
		scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "NodeIDs", Err: err}
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

func (s *Store) labelIDs(ctx context.Context, scope types.Scope) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM labels WHERE user_id = ? AND workspace_id = ?",
		scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "NodeIDs", Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanStatement(row interface{ Scan(...interface{}) error }) (*types.Statement, error) {
	var st types.Statement
	var validAt, aspect, attrs, createdAt string
	var invalidAt sql.NullString
	if err := row.Scan(&st.UUID, &st.Fact, &st.SubjectUUID, &st.PredicateUUID, &st.ObjectUUID,
		&validAt, &invalidAt, &st.InvalidatedBy, &aspect, &attrs,
		&st.UserID, &st.WorkspaceID, &createdAt, &st.ProvenanceCount); err != nil {
		return nil, err
	}
	st.ValidAt = parseTime(validAt)
	if invalidAt.Valid && invalidAt.String != "" {
		t := parseTime(invalidAt.String)
		st.InvalidAt = &t
	}
	st.Aspect = types.Aspect(aspect)
	st.CreatedAt = parseTime(createdAt)
	decodeAttributes(attrs, &st.Attributes)
	return &st, nil
}

// decodeAttributes unmarshals a stored attributes blob, tolerating empties.
func decodeAttributes(raw string, dst *map[string]any) {
	if raw == "" || raw == "{}" || raw == "null" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		logging.Get(logging.CategoryStore).Warn("Attributes unmarshal failed: %v", err)
	}
}

func collectStatements(rows *sql.Rows) ([]types.Statement, error) {
	var out []types.Statement
	for rows.Next() {
		st, err := scanStatement(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Statement row scan failed: %v", err)
			continue
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}
