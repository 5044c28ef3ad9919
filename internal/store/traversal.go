package store

import (
	"context"

	"engram/internal/logging"
	"engram/internal/types"
)

// =============================================================================
// GRAPH TRAVERSAL
// =============================================================================

// TraverseStatements expands BFS from the seed entities over role edges up
// to depth hops and returns the UUIDs of every active statement touched.
// One hop is entity -> statement -> other entities.
func (s *Store) TraverseStatements(ctx context.Context, scope types.Scope, entityUUIDs []string, depth int) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "TraverseStatements")
	defer timer.Stop()

	if len(entityUUIDs) == 0 {
		return nil, nil
	}
	if depth <= 0 {
		depth = 2
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	visitedEntities := make(map[string]bool, len(entityUUIDs))
	seenStatements := make(map[string]bool)
	var ordered []string

	frontier := make([]string, 0, len(entityUUIDs))
	for _, id := range entityUUIDs {
		if !visitedEntities[id] {
			visitedEntities[id] = true
			frontier = append(frontier, id)
		}
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		ph := placeholders(len(frontier))
		args := stringArgs(frontier)
		query := `
			SELECT uuid, subject_uuid, predicate_uuid, object_uuid FROM statements
			WHERE user_id = ? AND workspace_id = ? AND invalid_at IS NULL
			  AND (subject_uuid IN (` + ph + `) OR object_uuid IN (` + ph + `))`
		qargs := make([]interface{}, 0, 2+2*len(args))
		qargs = append(qargs, scope.UserID, scope.WorkspaceID)
		qargs = append(qargs, args...)
		qargs = append(qargs, args...)

		rows, err := s.db.QueryContext(ctx, query, qargs...)
		if err != nil {
			return nil, &types.TransientStoreError{Op: "TraverseStatements", Err: err}
		}

		var next []string
		for rows.Next() {
			var uuid, subj, pred, obj string
			if err := rows.Scan(&uuid, &subj, &pred, &obj); err != nil {
				continue
			}
			if !seenStatements[uuid] {
				seenStatements[uuid] = true
				ordered = append(ordered, uuid)
			}
			for _, e := range []string{subj, obj} {
				if !visitedEntities[e] {
					visitedEntities[e] = true
					next = append(next, e)
				}
			}
			// Predicate entities are role markers, not traversal hops.
			_ = pred
		}
		rows.Close()
		frontier = next
	}

	logging.StoreDebug("BFS traversal: %d seed entities -> %d statements", len(entityUUIDs), len(ordered))
	return ordered, nil
}

// EpisodeConnectivityFor scores episodes by how densely their statements
// connect to the given entities. For each episode citing at least one
// matching statement it reports matched statements, total statements and
// the number of distinct query entities touched.
func (s *Store) EpisodeConnectivityFor(ctx context.Context, scope types.Scope, entityUUIDs []string) ([]types.EpisodeConnectivity, error) {
	timer := logging.StartTimer(logging.CategoryStore, "EpisodeConnectivityFor")
	defer timer.Stop()

	if len(entityUUIDs) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	querySet := make(map[string]bool, len(entityUUIDs))
	for _, id := range entityUUIDs {
		querySet[id] = true
	}

	// All provenance pairs in scope, joined with statement roles. Grouping
	// happens in process since matched entities need set semantics.
	ph := placeholders(len(entityUUIDs))
	args := stringArgs(entityUUIDs)
	query := `
		SELECT pe.dst_uuid, st.uuid, st.subject_uuid, st.object_uuid
		FROM edges pe
		JOIN statements st ON st.uuid = pe.src_uuid
		WHERE pe.label = 'HAS_PROVENANCE'
		  AND st.user_id = ? AND st.workspace_id = ?
		  AND pe.dst_uuid IN (
			SELECT DISTINCT pe2.dst_uuid FROM edges pe2
			JOIN statements st2 ON st2.uuid = pe2.src_uuid
			WHERE pe2.label = 'HAS_PROVENANCE'
			  AND st2.user_id = ? AND st2.workspace_id = ?
			  AND (st2.subject_uuid IN (` + ph + `) OR st2.object_uuid IN (` + ph + `))
		  )`
	qargs := make([]interface{}, 0, 4+2*len(args))
	qargs = append(qargs, scope.UserID, scope.WorkspaceID, scope.UserID, scope.WorkspaceID)
	qargs = append(qargs, args...)
	qargs = append(qargs, args...)

	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "EpisodeConnectivityFor", Err: err}
	}
	defer rows.Close()

	type acc struct {
		matched  int
		total    int
		entities map[string]bool
	}
	byEpisode := make(map[string]*acc)
	var order []string

	for rows.Next() {
		var episode, stmt, subj, obj string
		if err := rows.Scan(&episode, &stmt, &subj, &obj); err != nil {
			continue
		}
		a, ok := byEpisode[episode]
		if !ok {
			a = &acc{entities: make(map[string]bool)}
			byEpisode[episode] = a
			order = append(order, episode)
		}
		a.total++
		hit := false
		if querySet[subj] {
			a.entities[subj] = true
			hit = true
		}
		if querySet[obj] {
			a.entities[obj] = true
			hit = true
		}
		if hit {
			a.matched++
		}
		_ = stmt
	}
	if err := rows.Err(); err != nil {
		return nil, &types.TransientStoreError{Op: "EpisodeConnectivityFor", Err: err}
	}

	out := make([]types.EpisodeConnectivity, 0, len(order))
	for _, episode := range order {
		a := byEpisode[episode]
		out = append(out, types.EpisodeConnectivity{
			EpisodeUUID:       episode,
			MatchedStatements: a.matched,
			TotalStatements:   a.total,
			MatchedEntities:   len(a.entities),
		})
	}
	return out, nil
}
