package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit kinds.
const (
	KindEpisode  = "episode"  // emitted by the watchdog loop
	KindOperator = "operator" // commands and control API calls
)

// AuditEntry records one watchdog episode transition or operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Action   string    `json:"action"`
	UnitID   int64     `json:"unit_id,omitempty"`
	UnitName string    `json:"unit_name,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	ActorID  int64     `json:"actor_id,omitempty"`
	OK       bool      `json:"ok"`
	Status   int       `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
