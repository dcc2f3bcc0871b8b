// Package storage persists the watchdog audit trail and notifier dedup state.
//
// Two drivers are available:
//   - "file": JSON Lines audit log plus a dedup snapshot/journal pair
//   - "sqlite": a single SQLite database (pure Go driver)
//
// Runtime activity state is never stored here; it lives for one episode only.
package storage
