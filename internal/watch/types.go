package watch

import (
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StockStatus is the enumerated availability of a watched listing.
type StockStatus string

const (
	StatusInStock    StockStatus = "in_stock"
	StatusOutOfStock StockStatus = "out_of_stock"
	StatusPreOrder   StockStatus = "pre_order"
	StatusUnknown    StockStatus = "unknown"
)

// Target is one monitored URL/destination pairing with its own schedule.
//
// The scheduler's queue entry owns the mutable Interval; everything else is
// configuration.
type Target struct {
	ID          string        `json:"id"`
	URL         string        `json:"url"`
	Host        string        `json:"host"`
	Destination string        `json:"destination"`
	Priority    int           `json:"priority"`
	Interval    time.Duration `json:"interval"`
	MinInterval time.Duration `json:"min_interval"`
	MaxInterval time.Duration `json:"max_interval"`
	Mentions    []string      `json:"mentions,omitempty"`
	Active      bool          `json:"active"`
	CreatedAt   time.Time     `json:"created_at"`
}

// HostKey derives the governor key for a URL (lower-cased hostname without
// port). Unparseable URLs fall back to the raw string so they still get a
// bucket of their own.
func HostKey(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(strings.TrimSpace(rawURL))
	}
	return strings.ToLower(u.Hostname())
}

// Fields is the raw result of one successful fetch, before change detection.
type Fields struct {
	Status     StockStatus
	Price      decimal.Decimal
	PriceKnown bool
	Title      string
}

// Snapshot is the last confirmed observed state of a target.
//
// Replaced whole on every successful fetch; never partially updated, so a
// reader can never observe a half-written transition.
type Snapshot struct {
	TargetID   string          `json:"target_id"`
	Status     StockStatus     `json:"status"`
	Price      decimal.Decimal `json:"price"`
	PriceKnown bool            `json:"price_known"`
	Title      string          `json:"title,omitempty"`
	CheckedAt  time.Time       `json:"checked_at"`
	Unchanged  int             `json:"unchanged"`
	Errors     int             `json:"errors"`
}

// Same reports whether two snapshots are identical for change-detection
// purposes. Title, timestamps and counters are excluded: only status and
// price make a transition.
func (s Snapshot) Same(o Snapshot) bool {
	if s.Status != o.Status {
		return false
	}
	if s.PriceKnown != o.PriceKnown {
		return false
	}
	if s.PriceKnown && !s.Price.Equal(o.Price) {
		return false
	}
	return true
}

// ChangeKind classifies what moved between two snapshots.
type ChangeKind string

const (
	ChangeStock ChangeKind = "stock"
	ChangePrice ChangeKind = "price"
	ChangeBoth  ChangeKind = "both"
)

// ChangeEvent is an immutable fact: one observed transition for one target.
type ChangeEvent struct {
	ID         string           `json:"id"`
	TargetID   string           `json:"target_id"`
	Kind       ChangeKind       `json:"kind"`
	PrevStatus StockStatus      `json:"prev_status"`
	NewStatus  StockStatus      `json:"new_status"`
	PrevPrice  *decimal.Decimal `json:"prev_price,omitempty"`
	NewPrice   *decimal.Decimal `json:"new_price,omitempty"`
	PriceDelta *decimal.Decimal `json:"price_delta,omitempty"`
	Title      string           `json:"title,omitempty"`
	At         time.Time        `json:"at"`
	Notifiable bool             `json:"notifiable"`
}
