// Package storage persists the member directory and the broadcast audit
// trail.
//
// Drivers:
//   - "memory": process-local, the default
//   - "file": JSON Lines journals next to a snapshot
//   - "sqlite": a single SQLite database (modernc, no cgo)
package storage
