// Package store implements the graph, vector, fulltext, key-value and label
// storage ports on a single SQLite database. The graph is the source of
// truth; the vector index is subordinate and repaired by reconciliation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"engram/internal/config"
	"engram/internal/logging"
)

// Store is the SQLite-backed graph store. A single connection with WAL mode
// serves all readers and writers; s.mu serializes multi-statement
// transactions against the monotonic clock.
type Store struct {
	db         *sql.DB
	mu         sync.RWMutex
	dbPath     string
	dim        int
	vectorExt  bool // sqlite-vec scalar functions available
	requireVec bool // fail fast when ANN is required but unavailable

	vectors *VectorIndex
	kv      *KVStore
	labels  *LabelStore
}

// New opens (or creates) the database at cfg.Path and prepares the schema.
func New(cfg config.GraphConfig, vecCfg config.VectorConfig) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	logging.Store("Initializing store at path: %s", cfg.Path)

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, cfg.Path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", cfg.Path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	dim := vecCfg.Dimension
	if dim <= 0 {
		dim = 768
	}

	s := &Store{db: db, dbPath: cfg.Path, dim: dim, requireVec: vecCfg.RequireANN}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.requireVec && !s.vectorExt {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec functions not available; build with -tags sqlite_vec or disable require_ann")
	}
	if s.vectorExt {
		logging.Store("sqlite-vec functions detected, using SQL-side cosine distance")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec not available; falling back to in-process cosine scan")
	}

	s.vectors = &VectorIndex{store: s}
	s.kv = &KVStore{store: s}
	s.labels = &LabelStore{store: s}

	logging.Store("Store initialization complete (graph, vector, fulltext, kv, labels ready)")
	return s, nil
}

// Vectors returns the vector index sharing this store's database.
func (s *Store) Vectors() *VectorIndex { return s.vectors }

// KV returns the key-value store used by the queue substrate.
func (s *Store) KV() *KVStore { return s.kv }

// Labels returns the label metadata store.
func (s *Store) Labels() *LabelStore { return s.labels }

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// detectVecExtension probes for the sqlite-vec cosine distance function.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("SELECT vec_distance_cosine(X'0000803F', X'0000803F')"); err == nil {
		s.vectorExt = true
		return
	}
	s.vectorExt = false
}

// CurrentTimestamp returns the next tick of the store's monotonic clock.
// Ticks never repeat and never run backwards, even if wall time does.
func (s *Store) CurrentTimestamp(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().UnixMicro()
	var last int64
	if err := s.db.QueryRowContext(ctx, "SELECT last_micros FROM clock WHERE id = 1").Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("failed to read clock: %w", err)
	}
	next := now
	if next <= last {
		next = last + 1
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE clock SET last_micros = ? WHERE id = 1", next); err != nil {
		return time.Time{}, fmt.Errorf("failed to advance clock: %w", err)
	}
	return time.UnixMicro(next).UTC(), nil
}

// Stats returns row counts for the main tables.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"entities", "episodes", "statements", "edges", "compacted_sessions", "labels", "vectors", "kv_state"}
	for _, table := range tables {
		var count int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed (may not exist): %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

func nowUTC() time.Time { return time.Now().UTC() }

// fmtTime serializes a timestamp for storage. UTC RFC3339Nano keeps
// lexicographic order equal to chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is the inverse of fmtTime. Zero time on empty input.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
