package storage

// Package storage persists watcher state across restarts.
//
// It currently holds:
//   - Target snapshots (replayed into the watch store on startup)
//   - Change-event history (served by the status API, newest first)
//   - Alert dedup state (so a restart does not re-send suppressed alerts)
//   - Audit log appends (operator and maintenance actions)
//
// The file and sqlite backends keep the full audit log; redis caps it
// along with the event history.
