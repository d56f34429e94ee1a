package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//   - "redis": Redis server (snapshots in a hash, history in capped lists)
//
// If Driver is empty or "none", persistence is disabled and the watcher
// runs from memory only.
type Config struct {
	Driver      string
	Path        string        // file prefix or sqlite database file
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr      string // redis only, host:port
	Password  string // redis only
	DB        int    // redis only
	KeyPrefix string // redis only; "" means "stockwatch:"

	// EventHistory caps how many change events compaction (file, sqlite)
	// or list trimming (redis) retains. 0 means 1000.
	EventHistory int
}

func (c Config) eventHistory() int {
	if c.EventHistory > 0 {
		return c.EventHistory
	}
	return 1000
}

// AuditEntry records one operator or maintenance action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"`  // "api", "cron", "telegram"
	Action   string    `json:"action"` // "target.check", "store.compact", ...
	TargetID string    `json:"target_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
