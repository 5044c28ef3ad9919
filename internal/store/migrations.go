package store

import (
	"database/sql"
	"fmt"

	"engram/internal/logging"
)

// Migration defines one additive schema change for databases created by an
// older binary.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column additions applied to existing tables.
// CREATE TABLE IF NOT EXISTS handles fresh databases; these handle old ones.
var pendingMigrations = []Migration{
	// Document versioning columns (added with the version diff engine)
	{"episodes", "content_hash", "TEXT DEFAULT ''"},
	{"episodes", "chunk_hashes", "TEXT DEFAULT '[]'"},
	{"episodes", "previous_version_session_id", "TEXT DEFAULT ''"},
	// Post-hook outputs
	{"episodes", "title", "TEXT DEFAULT ''"},
	{"episodes", "label_ids", "TEXT DEFAULT '[]'"},
	// Invalidation audit trail
	{"statements", "invalidated_by", "TEXT DEFAULT ''"},
}

// RunMigrations applies schema migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	appliedCount := 0
	skippedCount := 0

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			skippedCount++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skippedCount++
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			skippedCount++
			continue
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		appliedCount++
	}

	logging.StoreDebug("Schema migrations complete: applied=%d, skipped=%d", appliedCount, skippedCount)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}
