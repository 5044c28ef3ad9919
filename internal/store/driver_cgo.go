//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo SQLite driver. sqlite-vec registers against
// this driver when built with -tags sqlite_vec.
const driverName = "sqlite3"
