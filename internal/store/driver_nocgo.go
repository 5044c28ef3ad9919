//go:build !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go SQLite driver for cgo-free builds. Vector
// search runs through the in-process cosine scan in this configuration.
const driverName = "sqlite"
