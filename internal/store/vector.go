package store

import (
	"context"
	"sort"

	"engram/internal/logging"
	"engram/internal/types"
)

// =============================================================================
// VECTOR INDEX
// =============================================================================

// VectorIndex implements the namespaced vector port over the shared
// database. With sqlite-vec compiled in, similarity runs in SQL; otherwise
// candidates are scanned and scored in process.
type VectorIndex struct {
	store *Store
}

// Upsert writes embeddings for a batch of nodes. Records with empty
// embeddings are skipped.
func (v *VectorIndex) Upsert(ctx context.Context, ns types.Namespace, recs []types.VectorRecord) error {
	if len(recs) == 0 {
		return nil
	}

	s := v.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.TransientStoreError{Op: "VectorUpsert", Err: err}
	}
	defer tx.Rollback()

	now := fmtTime(nowUTC())
	written := 0
	for _, r := range recs {
		if r.ID == "" || len(r.Embedding) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vectors (ns, id, user_id, embedding, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(ns, id) DO UPDATE SET
				user_id = excluded.user_id,
				embedding = excluded.embedding,
				updated_at = excluded.updated_at`,
			string(ns), r.ID, r.UserID, encodeVector(r.Embedding), now); err != nil {
			return &types.TransientStoreError{Op: "VectorUpsert", Err: err}
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return &types.TransientStoreError{Op: "VectorUpsert", Err: err}
	}

	logging.Get(logging.CategoryVector).Debug("Upserted %d vectors into %s", written, ns)
	return nil
}

// Search returns the IDs most similar to the query vector within a
// namespace and user, descending by cosine similarity, filtered by
// minScore.
func (v *VectorIndex) Search(ctx context.Context, ns types.Namespace, userID string, query []float32, limit int, minScore float64) ([]types.VectorHit, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.Stop()

	if len(query) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	s := v.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, 1.0 - vec_distance_cosine(embedding, ?) AS score
			FROM vectors
			WHERE ns = ? AND user_id = ?
			ORDER BY score DESC
			LIMIT ?`,
			encodeVector(query), string(ns), userID, limit)
		if err != nil {
			return nil, &types.TransientStoreError{Op: "VectorSearch", Err: err}
		}
		defer rows.Close()

		var hits []types.VectorHit
		for rows.Next() {
			var h types.VectorHit
			if err := rows.Scan(&h.ID, &h.Score); err != nil {
				continue
			}
			if h.Score >= minScore {
				hits = append(hits, h)
			}
		}
		return hits, rows.Err()
	}

	return v.bruteForceSearch(ctx, ns, userID, query, limit, minScore)
}

// bruteForceSearch scans the namespace and scores in process. Slow but
// correct; used when sqlite-vec is unavailable.
func (v *VectorIndex) bruteForceSearch(ctx context.Context, ns types.Namespace, userID string, query []float32, limit int, minScore float64) ([]types.VectorHit, error) {
	s := v.store
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, embedding FROM vectors WHERE ns = ? AND user_id = ?",
		string(ns), userID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "VectorSearch", Err: err}
	}
	defer rows.Close()

	var hits []types.VectorHit
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		emb, err := decodeVector(blob)
		if err != nil {
			logging.Get(logging.CategoryVector).Warn("Corrupt embedding for %s/%s: %v", ns, id, err)
			continue
		}
		score := cosine(query, emb)
		if score >= minScore {
			hits = append(hits, types.VectorHit{ID: id, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &types.TransientStoreError{Op: "VectorSearch", Err: err}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ScoreBatch scores a fixed ID set against the query without a ranked
// search. IDs missing from the index are absent from the result.
func (v *VectorIndex) ScoreBatch(ctx context.Context, ns types.Namespace, userID string, query []float32, ids []string) (map[string]float64, error) {
	if len(ids) == 0 || len(query) == 0 {
		return map[string]float64{}, nil
	}

	s := v.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	ph := placeholders(len(ids))
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, string(ns), userID)
	args = append(args, stringArgs(ids)...)

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, embedding FROM vectors WHERE ns = ? AND user_id = ? AND id IN ("+ph+")",
		args...)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "VectorScoreBatch", Err: err}
	}
	defer rows.Close()

	out := make(map[string]float64, len(ids))
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		emb, err := decodeVector(blob)
		if err != nil {
			continue
		}
		out[id] = cosine(query, emb)
	}
	return out, rows.Err()
}

// Delete removes vectors by ID within a namespace.
func (v *VectorIndex) Delete(ctx context.Context, ns types.Namespace, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s := v.store
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, string(ns))
	args = append(args, stringArgs(ids)...)
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM vectors WHERE ns = ? AND id IN ("+placeholders(len(ids))+")",
		args...)
	if err != nil {
		return &types.TransientStoreError{Op: "VectorDelete", Err: err}
	}
	return nil
}

// ListIDs returns every indexed ID in a namespace for one user. The
// reconciliation sweep diffs this against the graph.
func (v *VectorIndex) ListIDs(ctx context.Context, ns types.Namespace, userID string) ([]string, error) {
	s := v.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM vectors WHERE ns = ? AND user_id = ?",
		string(ns), userID)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "VectorListIDs", Err: err}
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
