package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stockwatch/internal/dispatch"
	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

const (
	digestWindow   = 24 * time.Hour
	digestMaxLines = 12
	// ListEvents returns newest first; read enough to cover a busy day.
	digestFetchLimit = 500
)

// runDigest summarizes the last day of change events into one routine-
// priority notice. A day without changes sends nothing.
func (s *Service) runDigest(ctx context.Context, dest string) error {
	events, err := s.deps.Store.ListEvents(ctx, digestFetchLimit)
	if err != nil {
		return fmt.Errorf("digest: list events: %w", err)
	}

	cutoff := s.now().Add(-digestWindow)
	recent := events[:0]
	for _, ev := range events {
		if ev.At.After(cutoff) {
			recent = append(recent, ev)
		}
	}
	if len(recent) == 0 {
		s.log.Debug("digest: no changes in window, skipping")
		return nil
	}

	text := renderDigest(recent)
	err = s.deps.Queue.Enqueue(dispatch.Task{
		ID:          uuid.NewString(),
		Destination: dest,
		Payload:     text,
		Priority:    dispatch.PriorityRoutine,
		Kind:        "digest",
		State:       dispatch.TaskQueued,
		EnqueuedAt:  s.now(),
	})
	if err != nil {
		return fmt.Errorf("digest: enqueue: %w", err)
	}
	s.log.Debug("digest queued", logx.String("dest", dest), logx.Int("events", len(recent)))
	return nil
}

// renderDigest builds the plain-text digest body. Events arrive newest
// first; the line list keeps that order so the freshest changes lead.
func renderDigest(events []watch.ChangeEvent) string {
	var restocks, drops, other int
	for _, ev := range events {
		switch {
		case ev.PrevStatus == watch.StatusOutOfStock && ev.NewStatus == watch.StatusInStock:
			restocks++
		case ev.PriceDelta != nil && ev.PriceDelta.IsNegative():
			drops++
		default:
			other++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📰 Daily digest: %d change(s)\n", len(events))
	fmt.Fprintf(&b, "Restocks: %d · Price drops: %d · Other: %d\n", restocks, drops, other)

	n := len(events)
	if n > digestMaxLines {
		n = digestMaxLines
	}
	for _, ev := range events[:n] {
		b.WriteString(digestLine(ev))
		b.WriteByte('\n')
	}
	if len(events) > n {
		fmt.Fprintf(&b, "… and %d more", len(events)-n)
	}
	return strings.TrimRight(b.String(), "\n")
}

func digestLine(ev watch.ChangeEvent) string {
	name := strings.TrimSpace(ev.Title)
	if name == "" {
		name = ev.TargetID
	}
	when := ev.At.Format("15:04")

	switch ev.Kind {
	case watch.ChangePrice:
		if ev.PrevPrice != nil && ev.NewPrice != nil {
			return fmt.Sprintf("• %s %s: %s → %s", when, name, ev.PrevPrice.String(), ev.NewPrice.String())
		}
	case watch.ChangeBoth:
		if ev.NewPrice != nil {
			return fmt.Sprintf("• %s %s: %s → %s @ %s",
				when, name, statusWord(ev.PrevStatus), statusWord(ev.NewStatus), ev.NewPrice.String())
		}
	}
	return fmt.Sprintf("• %s %s: %s → %s", when, name, statusWord(ev.PrevStatus), statusWord(ev.NewStatus))
}

func statusWord(s watch.StockStatus) string {
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
