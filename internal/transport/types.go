package transport

import (
	"context"
	"time"
)

// Message is one rendered notification on its way out. Drivers add their own
// platform markup (Telegram mention links, Kafka JSON envelope, ...).
type Message struct {
	Text     string    `json:"text"`
	Mentions []string  `json:"mentions,omitempty"`
	Priority int       `json:"priority"`
	TargetID string    `json:"target_id,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	At       time.Time `json:"at"`
}

// Route binds a destination name from the watch config to a concrete
// endpoint on one driver.
type Route struct {
	// Name is the destination key targets reference ("ops-room").
	Name string `json:"name"`
	// Driver selects the sender ("telegram", "kafka").
	Driver string `json:"driver"`

	// Telegram endpoint.
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`

	// Kafka topic override; empty uses the driver default.
	Topic string `json:"topic,omitempty"`
}

// Driver delivers messages to endpoints of one platform.
//
// Send errors must be tagged with retry kinds so the dispatcher can tell a
// throttled destination from a dead one.
type Driver interface {
	Name() string
	Send(ctx context.Context, r Route, m Message) error
	Close() error
}
