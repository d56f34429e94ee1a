package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockwatch/internal/watch"
)

// TaskFromEvent renders a change event into a deliverable task. The payload
// is plain text; senders add their own markup and mention formatting.
func TaskFromEvent(t watch.Target, ev watch.ChangeEvent) Task {
	text, prio := renderEvent(t, ev)
	if t.Priority > 0 && t.Priority < prio {
		prio = t.Priority
	}
	return Task{
		ID:          uuid.NewString(),
		TargetID:    t.ID,
		Destination: t.Destination,
		Payload:     text,
		Mentions:    append([]string(nil), t.Mentions...),
		Priority:    normalizePriority(prio),
		Kind:        string(ev.Kind),
		State:       TaskQueued,
		EnqueuedAt:  time.Now(),
	}
}

func normalizePriority(p int) int {
	if p < PriorityStock {
		return PriorityStock
	}
	if p > PriorityRoutine {
		return PriorityRoutine
	}
	return p
}

func renderEvent(t watch.Target, ev watch.ChangeEvent) (string, int) {
	title := strings.TrimSpace(ev.Title)
	if title == "" {
		title = t.URL
	}

	var b strings.Builder
	prio := PriorityRoutine

	switch {
	case ev.PrevStatus == watch.StatusOutOfStock && ev.NewStatus == watch.StatusInStock:
		prio = PriorityStock
		fmt.Fprintf(&b, "🔥 Back in stock: %s", title)
		if ev.NewPrice != nil {
			fmt.Fprintf(&b, "\nPrice: %s", ev.NewPrice.String())
		}
	case ev.NewStatus == watch.StatusPreOrder && ev.PrevStatus != watch.StatusPreOrder:
		prio = PriorityStock
		fmt.Fprintf(&b, "🛎 Pre-order open: %s", title)
		if ev.NewPrice != nil {
			fmt.Fprintf(&b, "\nPrice: %s", ev.NewPrice.String())
		}
	case priceDropped(ev):
		prio = PriorityPrice
		fmt.Fprintf(&b, "💰 Price drop: %s\n%s → %s%s",
			title, ev.PrevPrice.String(), ev.NewPrice.String(), dropPercent(ev))
	default:
		fmt.Fprintf(&b, "ℹ️ %s: %s → %s", title, statusLabel(ev.PrevStatus), statusLabel(ev.NewStatus))
		if ev.Kind == watch.ChangePrice || ev.Kind == watch.ChangeBoth {
			if ev.PrevPrice != nil && ev.NewPrice != nil {
				fmt.Fprintf(&b, "\n%s → %s", ev.PrevPrice.String(), ev.NewPrice.String())
			}
		}
	}

	fmt.Fprintf(&b, "\n%s", t.URL)
	return b.String(), prio
}

func priceDropped(ev watch.ChangeEvent) bool {
	if ev.PrevPrice == nil || ev.NewPrice == nil {
		return false
	}
	return ev.NewPrice.LessThan(*ev.PrevPrice)
}

// dropPercent renders " (-12.5%)" for a price decrease, empty otherwise.
func dropPercent(ev watch.ChangeEvent) string {
	if ev.PrevPrice == nil || ev.NewPrice == nil || ev.PrevPrice.IsZero() {
		return ""
	}
	pct := ev.NewPrice.Sub(*ev.PrevPrice).
		Div(*ev.PrevPrice).
		Mul(decimal.NewFromInt(100)).
		Round(1)
	if !pct.IsNegative() {
		return ""
	}
	return fmt.Sprintf(" (%s%%)", pct.String())
}

func statusLabel(s watch.StockStatus) string {
	switch s {
	case watch.StatusInStock:
		return "in stock"
	case watch.StatusOutOfStock:
		return "out of stock"
	case watch.StatusPreOrder:
		return "pre-order"
	default:
		return "unknown"
	}
}
