package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	logx "stockwatch/pkg/logx"
)

type memMirror struct {
	mu     sync.Mutex
	snaps  map[string]Snapshot
	events []ChangeEvent
	fail   bool
}

func newMemMirror() *memMirror { return &memMirror{snaps: map[string]Snapshot{}} }

func (m *memMirror) LoadSnapshots(context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("mirror down")
	}
	out := make([]Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	return out, nil
}

func (m *memMirror) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mirror down")
	}
	m.snaps[snap.TargetID] = snap
	return nil
}

func (m *memMirror) RecordEvent(_ context.Context, ev ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mirror down")
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memMirror) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func price(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return v
}

func TestEvaluateRestockWithDrop(t *testing.T) {
	t.Parallel()

	store := NewStore(logx.Nop(), nil)
	det := NewDetector(DefaultPolicy(), store, logx.Nop(), nil)
	ctx := context.Background()

	// Seed: out of stock at 50.
	det.Evaluate(ctx, "t1", Fields{Status: StatusOutOfStock, Price: price(t, "50"), PriceKnown: true})

	ev := det.Evaluate(ctx, "t1", Fields{Status: StatusInStock, Price: price(t, "45"), PriceKnown: true})
	if ev == nil {
		t.Fatal("expected a change event")
	}
	if !ev.Notifiable {
		t.Fatal("restock with price drop must be notifiable")
	}
	if ev.Kind != ChangeBoth {
		t.Fatalf("kind = %s, want %s", ev.Kind, ChangeBoth)
	}
	if ev.PriceDelta == nil || ev.PriceDelta.Cmp(price(t, "-5")) != 0 {
		t.Fatalf("price delta = %v, want -5", ev.PriceDelta)
	}
	if ev.PrevStatus != StatusOutOfStock || ev.NewStatus != StatusInStock {
		t.Fatalf("transition = %s->%s", ev.PrevStatus, ev.NewStatus)
	}
}

func TestEvaluateIdempotence(t *testing.T) {
	t.Parallel()

	store := NewStore(logx.Nop(), nil)
	det := NewDetector(DefaultPolicy(), store, logx.Nop(), nil)
	ctx := context.Background()
	f := Fields{Status: StatusInStock, Price: price(t, "19.99"), PriceKnown: true}

	if ev := det.Evaluate(ctx, "t1", f); ev == nil {
		t.Fatal("first observation should produce an event (unknown -> in_stock)")
	} else if ev.Notifiable {
		t.Fatal("first observation must not be notifiable")
	}

	for i := 1; i <= 3; i++ {
		if ev := det.Evaluate(ctx, "t1", f); ev != nil {
			t.Fatalf("identical fields produced an event on pass %d: %+v", i, ev)
		}
		snap, ok := store.Get("t1")
		if !ok {
			t.Fatal("snapshot missing")
		}
		if snap.Unchanged != i {
			t.Fatalf("unchanged counter = %d after pass %d, want %d", snap.Unchanged, i, i)
		}
	}
}

func TestEvaluateStockoutNotNotifiable(t *testing.T) {
	t.Parallel()

	store := NewStore(logx.Nop(), nil)
	det := NewDetector(DefaultPolicy(), store, logx.Nop(), nil)
	ctx := context.Background()

	det.Evaluate(ctx, "t1", Fields{Status: StatusInStock, Price: price(t, "30"), PriceKnown: true})
	ev := det.Evaluate(ctx, "t1", Fields{Status: StatusOutOfStock, Price: price(t, "30"), PriceKnown: true})
	if ev == nil {
		t.Fatal("stockout must still produce an event")
	}
	if ev.Notifiable {
		t.Fatal("stockout must not be notifiable under the default policy")
	}
	if ev.Kind != ChangeStock {
		t.Fatalf("kind = %s, want %s", ev.Kind, ChangeStock)
	}
	if ev.PriceDelta != nil {
		t.Fatalf("no price movement expected, got delta %v", ev.PriceDelta)
	}
}

func TestEvaluatePriceDropThreshold(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"below threshold", "100", "99", false},
		{"at threshold", "100", "95", true},
		{"above threshold", "100", "80", true},
		{"increase", "100", "120", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := NewStore(logx.Nop(), nil)
			det := NewDetector(DefaultPolicy(), store, logx.Nop(), nil)
			ctx := context.Background()

			det.Evaluate(ctx, "t1", Fields{Status: StatusInStock, Price: price(t, tc.from), PriceKnown: true})
			ev := det.Evaluate(ctx, "t1", Fields{Status: StatusInStock, Price: price(t, tc.to), PriceKnown: true})
			if ev == nil {
				t.Fatal("price movement must produce an event")
			}
			if ev.Notifiable != tc.want {
				t.Fatalf("notifiable = %v, want %v", ev.Notifiable, tc.want)
			}
		})
	}
}

func TestEvaluateCooldownDemotes(t *testing.T) {
	t.Parallel()

	pol := DefaultPolicy()
	pol.Cooldown = time.Hour
	store := NewStore(logx.Nop(), nil)
	det := NewDetector(pol, store, logx.Nop(), nil)
	ctx := context.Background()

	det.Evaluate(ctx, "t1", Fields{Status: StatusOutOfStock})
	first := det.Evaluate(ctx, "t1", Fields{Status: StatusInStock})
	if first == nil || !first.Notifiable {
		t.Fatalf("first restock should notify, got %+v", first)
	}

	// Flap back and forth inside the window: second restock demoted.
	det.Evaluate(ctx, "t1", Fields{Status: StatusOutOfStock})
	second := det.Evaluate(ctx, "t1", Fields{Status: StatusInStock})
	if second == nil {
		t.Fatal("second restock should still produce an event")
	}
	if second.Notifiable {
		t.Fatal("second restock inside the cooldown must be demoted")
	}
}

func TestEvaluateMirrorFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	mir := newMemMirror()
	mir.fail = true
	store := NewStore(logx.Nop(), mir)
	det := NewDetector(DefaultPolicy(), store, logx.Nop(), nil)
	ctx := context.Background()

	det.Evaluate(ctx, "t1", Fields{Status: StatusOutOfStock})
	ev := det.Evaluate(ctx, "t1", Fields{Status: StatusInStock})
	if ev == nil || !ev.Notifiable {
		t.Fatalf("detection must continue when the mirror is down, got %+v", ev)
	}
	if snap, ok := store.Get("t1"); !ok || snap.Status != StatusInStock {
		t.Fatalf("in-memory snapshot must stay authoritative, got %+v ok=%v", snap, ok)
	}
}

func TestStoreHydrate(t *testing.T) {
	t.Parallel()

	mir := newMemMirror()
	seed := Snapshot{TargetID: "t1", Status: StatusOutOfStock, CheckedAt: time.Now()}
	if err := mir.SaveSnapshot(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store := NewStore(logx.Nop(), mir)
	store.Hydrate(context.Background())
	if got, ok := store.Get("t1"); !ok || got.Status != StatusOutOfStock {
		t.Fatalf("hydrated snapshot = %+v ok=%v", got, ok)
	}

	// A restock against the hydrated state must notify.
	det := NewDetector(DefaultPolicy(), store, logx.Nop(), nil)
	ev := det.Evaluate(context.Background(), "t1", Fields{Status: StatusInStock})
	if ev == nil || !ev.Notifiable {
		t.Fatalf("restock against hydrated snapshot should notify, got %+v", ev)
	}
	if mir.eventCount() != 1 {
		t.Fatalf("event mirror count = %d, want 1", mir.eventCount())
	}
}

func TestStoreNoteError(t *testing.T) {
	t.Parallel()

	store := NewStore(logx.Nop(), nil)
	if n := store.NoteError("t1"); n != 1 {
		t.Fatalf("first error count = %d, want 1", n)
	}
	if n := store.NoteError("t1"); n != 2 {
		t.Fatalf("second error count = %d, want 2", n)
	}

	// A successful evaluation resets the streak.
	det := NewDetector(DefaultPolicy(), store, logx.Nop(), nil)
	det.Evaluate(context.Background(), "t1", Fields{Status: StatusInStock})
	if snap, _ := store.Get("t1"); snap.Errors != 0 {
		t.Fatalf("errors after success = %d, want 0", snap.Errors)
	}
}

func TestHostKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"https://shop.example.com/p/123", "shop.example.com"},
		{"https://Shop.Example.COM:8443/p", "shop.example.com"},
		{"not a url", "not a url"},
	}
	for _, tc := range cases {
		if got := HostKey(tc.in); got != tc.want {
			t.Fatalf("HostKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
