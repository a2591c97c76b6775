// Package storage persists notifications, preferences, deliveries, user
// contacts and the provider audit trail.
//
// Two backends implement Store:
//   - "memory": process-local maps (tests, development)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
