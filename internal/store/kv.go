package store

import (
	"context"
	"database/sql"
	"strings"

	"engram/internal/types"
)

// =============================================================================
// KEY-VALUE STATE
// =============================================================================

// KVStore persists queue job state, dedup windows and the dead-letter log
// in the shared database. Buckets are flat; keys are opaque.
type KVStore struct {
	store *Store
}

// Put writes a value, replacing any existing one.
func (k *KVStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	if bucket == "" || key == "" {
		return &types.ValidationError{Field: "kv", Reason: "bucket and key are required"}
	}

	s := k.store
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_state (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		bucket, key, value, fmtTime(nowUTC()))
	if err != nil {
		return &types.TransientStoreError{Op: "KVPut", Err: err}
	}
	return nil
}

// Get reads a value. ErrNotFound when the key is absent.
func (k *KVStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s := k.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_state WHERE bucket = ? AND key = ?",
		bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.TransientStoreError{Op: "KVGet", Err: err}
	}
	return value, nil
}

// Delete removes a key. Missing keys are a no-op.
func (k *KVStore) Delete(ctx context.Context, bucket, key string) error {
	s := k.store
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_state WHERE bucket = ? AND key = ?", bucket, key)
	if err != nil {
		return &types.TransientStoreError{Op: "KVDelete", Err: err}
	}
	return nil
}

// List returns every key/value in a bucket matching a prefix.
func (k *KVStore) List(ctx context.Context, bucket, prefix string) (map[string][]byte, error) {
	s := k.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	// ESCAPE guards against prefixes containing LIKE wildcards.
	pattern := likeEscape(prefix) + "%"
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM kv_state WHERE bucket = ? AND key LIKE ? ESCAPE '\\'",
		bucket, pattern)
	if err != nil {
		return nil, &types.TransientStoreError{Op: "KVList", Err: err}
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		out[key] = value
	}
	return out, rows.Err()
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
