package dispatch

import (
	"time"
)

// Config controls the outbound notification pipeline.
type Config struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers"`
	// Capacity bounds the whole queue across priority classes. Overflow
	// evicts the oldest task of the least important class.
	Capacity int `json:"capacity"`
	// RatePerDest is each destination's send budget in messages/second;
	// Burst is its bucket capacity.
	RatePerDest float64       `json:"rate_per_dest"`
	Burst       int           `json:"burst"`
	SendTimeout time.Duration `json:"send_timeout"`
	// DedupWindow suppresses identical payloads per destination. Zero
	// disables dedup.
	DedupWindow     time.Duration `json:"dedup_window"`
	DedupMaxEntries int           `json:"dedup_max_entries"`
	// PersistDedup mirrors suppress-until marks to storage so restarts do
	// not re-alert.
	PersistDedup bool `json:"persist_dedup"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Workers:         2,
		Capacity:        256,
		RatePerDest:     1,
		Burst:           5,
		SendTimeout:     10 * time.Second,
		DedupWindow:     2 * time.Minute,
		DedupMaxEntries: 2000,
		PersistDedup:    true,
	}
}

// Priority classes: 1 is drained first. Stock alerts outrank price moves,
// which outrank routine notices.
const (
	PriorityStock   = 1
	PriorityPrice   = 2
	PriorityRoutine = 3

	priorityClasses = 3
)

// TaskState is the lifecycle of one queued delivery.
type TaskState string

const (
	TaskQueued         TaskState = "queued"
	TaskInFlight       TaskState = "in_flight"
	TaskDelivered      TaskState = "delivered"
	TaskFailedTerminal TaskState = "failed_terminal"
)

// Task is one pending delivery attempt.
type Task struct {
	ID           string    `json:"id"`
	TargetID     string    `json:"target_id"`
	Destination  string    `json:"destination"`
	Payload      string    `json:"payload"`
	Mentions     []string  `json:"mentions,omitempty"`
	Priority     int       `json:"priority"`
	Kind         string    `json:"kind,omitempty"`
	State        TaskState `json:"state"`
	Attempts     int       `json:"attempts"`
	NextEligible time.Time `json:"next_eligible"`
	EnqueuedAt   time.Time `json:"enqueued_at"`

	dedupKey string
}

// TaskEvent is published on the bus for dispatch lifecycle events
// ("dispatch.queued", "dispatch.sent", "dispatch.dropped", ...).
type TaskEvent struct {
	TaskID      string    `json:"task_id"`
	TargetID    string    `json:"target_id,omitempty"`
	Destination string    `json:"destination"`
	Priority    int       `json:"priority"`
	Kind        string    `json:"kind,omitempty"`
	Key         string    `json:"key,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

type HistoryItem struct {
	At          time.Time `json:"at"`
	Destination string    `json:"destination"`
	Priority    int       `json:"priority"`
	Text        string    `json:"text"`
}

// Snapshot is the dispatcher's diagnostics view.
type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Queued   [3]int        `json:"queued_by_class"`
	InFlight int           `json:"in_flight"`
	Sent     uint64        `json:"sent"`
	Failed   uint64        `json:"failed_terminal"`
	Dropped  uint64        `json:"dropped"`
	Deduped  uint64        `json:"deduped"`
	History  []HistoryItem `json:"history"`
}
