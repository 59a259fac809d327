// Package storage persists job history, providers and the billing records the
// maintenance jobs reconcile.
//
// Drivers:
//   - "memory": in-process maps, optionally snapshotted to a JSON file ("file")
//   - "sqlite": SQLite database file via modernc.org/sqlite (pure Go)
package storage
