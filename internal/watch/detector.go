package watch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"stockwatch/internal/eventbus"
	logx "stockwatch/pkg/logx"
)

// Detector turns raw fetch fields into snapshot replacements and change
// events. One instance serves all targets; the scheduler guarantees at most
// one in-flight fetch per target, so evaluations for one target never race.
type Detector struct {
	mu    sync.Mutex
	pol   Policy
	store *Store
	log   logx.Logger
	bus   eventbus.Bus
}

func NewDetector(pol Policy, store *Store, log logx.Logger, bus eventbus.Bus) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{pol: pol, store: store, log: log, bus: bus}
}

// Apply swaps the notification policy (hot-reload).
func (d *Detector) Apply(pol Policy) {
	d.mu.Lock()
	d.pol = pol
	d.mu.Unlock()
}

func (d *Detector) policy() Policy {
	d.mu.Lock()
	p := d.pol
	d.mu.Unlock()
	return p
}

// Evaluate compares fresh fields against the stored snapshot, replaces the
// snapshot atomically regardless of the outcome, and returns a ChangeEvent
// when status or price actually moved (nil otherwise). The notifiable flag
// follows the policy table plus the per-target cooldown.
func (d *Detector) Evaluate(ctx context.Context, targetID string, f Fields) *ChangeEvent {
	now := time.Now()
	pol := d.policy()

	prev, had := d.store.Get(targetID)
	if !had {
		prev = Snapshot{TargetID: targetID, Status: StatusUnknown}
	}

	next := Snapshot{
		TargetID:   targetID,
		Status:     f.Status,
		Price:      f.Price,
		PriceKnown: f.PriceKnown,
		Title:      f.Title,
		CheckedAt:  now,
	}
	if next.Status == "" {
		next.Status = StatusUnknown
	}
	if next.Title == "" {
		next.Title = prev.Title
	}

	if prev.Same(next) {
		next.Unchanged = prev.Unchanged + 1
		d.store.Replace(ctx, next)
		return nil
	}

	// A real transition: counters restart.
	d.store.Replace(ctx, next)

	statusMoved := prev.Status != next.Status
	priceMoved := prev.PriceKnown != next.PriceKnown ||
		(prev.PriceKnown && next.PriceKnown && !prev.Price.Equal(next.Price))

	kind := ChangeStock
	switch {
	case statusMoved && priceMoved:
		kind = ChangeBoth
	case priceMoved:
		kind = ChangePrice
	}

	ev := ChangeEvent{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Kind:       kind,
		PrevStatus: prev.Status,
		NewStatus:  next.Status,
		Title:      next.Title,
		At:         now,
	}
	if prev.PriceKnown {
		p := prev.Price
		ev.PrevPrice = &p
	}
	if next.PriceKnown {
		p := next.Price
		ev.NewPrice = &p
	}
	if prev.PriceKnown && next.PriceKnown && !prev.Price.Equal(next.Price) {
		delta := next.Price.Sub(prev.Price)
		ev.PriceDelta = &delta
	}

	notifiable := pol.stockNotifiable(prev.Status, next.Status)
	if !notifiable && prev.PriceKnown && next.PriceKnown {
		notifiable = pol.priceNotifiable(prev.Price, next.Price)
	}

	if notifiable && pol.Cooldown > 0 {
		if last, ok := d.store.lastNotified(targetID); ok && now.Sub(last) < pol.Cooldown {
			d.log.Info("alert suppressed by cooldown",
				logx.String("target", targetID),
				logx.Duration("since_last", now.Sub(last)),
				logx.Duration("cooldown", pol.Cooldown))
			notifiable = false
		}
	}
	if notifiable {
		d.store.markNotified(targetID, now)
	}
	ev.Notifiable = notifiable

	d.store.RecordEvent(ctx, ev)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: "watch.change", Data: ev})
	}
	d.log.Debug("change detected",
		logx.String("target", targetID),
		logx.String("kind", string(kind)),
		logx.String("from", string(prev.Status)),
		logx.String("to", string(next.Status)),
		logx.Bool("notifiable", ev.Notifiable))

	return &ev
}
