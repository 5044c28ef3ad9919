package store

import (
	"context"
	"database/sql"
	"strings"

	"engram/internal/logging"
	"engram/internal/types"
)

// =============================================================================
// FULLTEXT SEARCH (FTS5 / BM25)
// =============================================================================

// SearchFacts runs a BM25 keyword search over statement facts. Scores are
// positive, higher better. Invalidated statements still match; the caller's
// temporal filter decides what to keep.
func (s *Store) SearchFacts(ctx context.Context, scope types.Scope, query string, limit int) ([]types.FactHit, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchFacts")
	defer timer.Stop()

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// bm25() is smaller-is-better and negative for matches; negate it so
	// callers see a conventional descending score.
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+statementColumns+`, -bm25(statement_fts) AS score
		FROM statement_fts
		JOIN statements st ON st.uuid = statement_fts.uuid
		WHERE statement_fts MATCH ?
		  AND statement_fts.user_id = ? AND statement_fts.workspace_id = ?
		ORDER BY score DESC
		LIMIT ?`,
		match, scope.UserID, scope.WorkspaceID, limit)
	if err != nil {
		// A malformed MATCH expression is a query problem, not a store
		// outage; treat it as no results.
		logging.Get(logging.CategoryStore).Warn("Fulltext query failed for %q: %v", query, err)
		return nil, nil
	}
	defer rows.Close()

	var hits []types.FactHit
	for rows.Next() {
		var st types.Statement
		var hit types.FactHit
		row := statementWithScoreScanner{st: &st, score: &hit.Score}
		if err := row.scan(rows); err != nil {
			logging.Get(logging.CategoryStore).Warn("Fulltext row scan failed: %v", err)
			continue
		}
		hit.Statement = st
		hits = append(hits, hit)
	}
	logging.StoreDebug("Fulltext search %q returned %d hits", query, len(hits))
	return hits, rows.Err()
}

// ftsQuery turns free text into a safe FTS5 expression: each term quoted,
// terms implicitly ANDed, operators neutralized.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}

// statementWithScoreScanner adapts the shared statement scan to rows that
// carry one extra trailing score column.
type statementWithScoreScanner struct {
	st    *types.Statement
	score *float64
}

func (w statementWithScoreScanner) scan(rows interface{ Scan(...interface{}) error }) error {
	var validAt, aspect, attrs, createdAt string
	var invalidAt sql.NullString
	if err := rows.Scan(&w.st.UUID, &w.st.Fact, &w.st.SubjectUUID, &w.st.PredicateUUID, &w.st.ObjectUUID,
		&validAt, &invalidAt, &w.st.InvalidatedBy, &aspect, &attrs,
		&w.st.UserID, &w.st.WorkspaceID, &createdAt, &w.st.ProvenanceCount, w.score); err != nil {
		return err
	}
	w.st.ValidAt = parseTime(validAt)
	if invalidAt.Valid && invalidAt.String != "" {
		t := parseTime(invalidAt.String)
		w.st.InvalidAt = &t
	}
	w.st.Aspect = types.Aspect(aspect)
	w.st.CreatedAt = parseTime(createdAt)
	decodeAttributes(attrs, &w.st.Attributes)
	return nil
}
