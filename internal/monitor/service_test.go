package monitor

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stockwatch/internal/hostgate"
	"stockwatch/internal/retry"
	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fetcherFunc func(ctx context.Context, t watch.Target) (watch.Fields, error)

func (f fetcherFunc) Fetch(ctx context.Context, t watch.Target) (watch.Fields, error) {
	return f(ctx, t)
}

type countingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFetcher) Fetch(context.Context, watch.Target) (watch.Fields, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return watch.Fields{Status: watch.StatusOutOfStock}, nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordNotifier struct {
	mu     sync.Mutex
	events []watch.ChangeEvent
}

func (n *recordNotifier) Notify(_ watch.Target, ev watch.ChangeEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestService(t *testing.T, fetch Fetcher, gateCfg hostgate.Config) (*Service, *watch.Store, *recordNotifier, *fakeClock) {
	t.Helper()
	log := logx.Nop()
	store := watch.NewStore(log, nil)
	det := watch.NewDetector(watch.DefaultPolicy(), store, log, nil)
	gate := hostgate.New(gateCfg, log, nil)
	ctrl := retry.NewController(retry.DefaultConfig())
	n := &recordNotifier{}

	s := New(Config{}, Deps{
		Fetcher:  fetch,
		Gate:     gate,
		Retry:    ctrl,
		Detector: det,
		Store:    store,
		Notify:   n,
	}, log, nil)
	clk := newFakeClock()
	s.now = clk.Now
	return s, store, n, clk
}

func openGate() hostgate.Config {
	return hostgate.Config{FillRate: 1000, Burst: 1000, MaxInFlight: -1, TripFailures: 1000}
}

func target(id, rawURL string) watch.Target {
	return watch.Target{ID: id, URL: rawURL, Destination: "ops-room", Active: true}
}

func (s *Service) entryOf(t *testing.T, id string) *entry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		t.Fatalf("no entry for %s", id)
	}
	return e
}

func TestDispatchMarksInFlightOnce(t *testing.T) {
	f := &countingFetcher{}
	s, _, _, _ := newTestService(t, f, openGate())
	ctx := context.Background()

	s.Schedule(target("t1", "https://shop.example.com/item"))
	s.ForceCheck("t1")

	s.dispatchDue(ctx)
	s.fetchWG.Wait()
	if got := f.count(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}

	snap := s.Snapshot()
	if snap.InFlight != 1 || snap.Queued != 0 {
		t.Fatalf("in_flight = %d queued = %d, want 1/0", snap.InFlight, snap.Queued)
	}

	// The in-flight target is never re-popped.
	s.dispatchDue(ctx)
	s.fetchWG.Wait()
	if got := f.count(); got != 1 {
		t.Fatalf("fetch calls after re-dispatch = %d, want 1", got)
	}
}

func TestCompletionAppliesSnapshotAndRequeues(t *testing.T) {
	f := &countingFetcher{}
	s, store, n, clk := newTestService(t, f, openGate())
	ctx := context.Background()

	s.Schedule(target("t1", "https://shop.example.com/item"))
	s.ForceCheck("t1")
	s.dispatchDue(ctx)
	s.fetchWG.Wait()

	e := s.entryOf(t, "t1")
	s.handleCompletion(ctx, completion{
		e:       e,
		fields:  watch.Fields{Status: watch.StatusOutOfStock},
		attempt: 1,
	})

	snap, ok := store.Get("t1")
	if !ok || snap.Status != watch.StatusOutOfStock {
		t.Fatalf("stored snapshot = %+v ok = %v", snap, ok)
	}
	if n.count() != 0 {
		t.Fatalf("out-of-stock transition should not notify")
	}

	// Transition was a change, so the target is requeued hot.
	if e.attempts != 0 {
		t.Fatalf("attempts = %d, want 0", e.attempts)
	}
	if got := e.due.Sub(clk.Now()); got != 30*time.Second {
		t.Fatalf("next due in %v, want 30s", got)
	}
	if s.Snapshot().InFlight != 0 {
		t.Fatalf("in_flight not released")
	}
}

func TestRestockNotifies(t *testing.T) {
	f := &countingFetcher{}
	s, _, n, clk := newTestService(t, f, openGate())
	ctx := context.Background()

	s.Schedule(target("t1", "https://shop.example.com/item"))
	s.ForceCheck("t1")
	s.dispatchDue(ctx)
	s.fetchWG.Wait()
	s.handleCompletion(ctx, completion{
		e:       s.entryOf(t, "t1"),
		fields:  watch.Fields{Status: watch.StatusOutOfStock},
		attempt: 1,
	})

	clk.Advance(31 * time.Second)
	s.dispatchDue(ctx)
	s.fetchWG.Wait()
	s.handleCompletion(ctx, completion{
		e:       s.entryOf(t, "t1"),
		fields:  watch.Fields{Status: watch.StatusInStock},
		attempt: 1,
	})

	if n.count() != 1 {
		t.Fatalf("notifications = %d, want 1", n.count())
	}
	n.mu.Lock()
	ev := n.events[0]
	n.mu.Unlock()
	if ev.PrevStatus != watch.StatusOutOfStock || ev.NewStatus != watch.StatusInStock {
		t.Fatalf("event transition = %s -> %s", ev.PrevStatus, ev.NewStatus)
	}
	if !ev.Notifiable {
		t.Fatalf("restock event not notifiable")
	}
}

func TestFailureFollowsRetrySchedule(t *testing.T) {
	f := &countingFetcher{}
	s, store, _, clk := newTestService(t, f, openGate())
	ctx := context.Background()
	boom := retry.Tag(errors.New("connection reset"), retry.KindTransientNetwork)

	s.Schedule(target("t1", "https://shop.example.com/item"))
	s.ForceCheck("t1")
	s.dispatchDue(ctx)
	s.fetchWG.Wait()

	e := s.entryOf(t, "t1")
	s.handleCompletion(ctx, completion{e: e, err: boom, attempt: 1})
	if e.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", e.attempts)
	}
	d := e.due.Sub(clk.Now())
	if d < 900*time.Millisecond || d > 1100*time.Millisecond {
		t.Fatalf("first retry in %v, want ~1s", d)
	}

	clk.Advance(2 * time.Second)
	s.dispatchDue(ctx)
	s.fetchWG.Wait()
	s.handleCompletion(ctx, completion{e: e, err: boom, attempt: 2})
	d = e.due.Sub(clk.Now())
	if d < 1800*time.Millisecond || d > 2200*time.Millisecond {
		t.Fatalf("second retry in %v, want ~2s", d)
	}

	if snap, _ := store.Get("t1"); snap.Errors != 2 {
		t.Fatalf("error streak = %d, want 2", snap.Errors)
	}
}

func TestTerminalFailureFallsBackToCadence(t *testing.T) {
	f := &countingFetcher{}
	s, _, _, clk := newTestService(t, f, openGate())
	ctx := context.Background()
	boom := retry.Tag(errors.New("connection reset"), retry.KindTransientNetwork)

	s.Schedule(target("t1", "https://shop.example.com/item"))
	s.ForceCheck("t1")
	s.dispatchDue(ctx)
	s.fetchWG.Wait()

	e := s.entryOf(t, "t1")
	interval := e.interval
	// Attempt 4 exhausts the transient-network budget.
	s.handleCompletion(ctx, completion{e: e, err: boom, attempt: 4})

	if e.attempts != 0 {
		t.Fatalf("attempts = %d, want reset to 0", e.attempts)
	}
	if got := e.due.Sub(clk.Now()); got != interval {
		t.Fatalf("next due in %v, want regular cadence %v", got, interval)
	}
}

func TestParseFailureTerminalImmediately(t *testing.T) {
	f := &countingFetcher{}
	s, _, _, clk := newTestService(t, f, openGate())
	ctx := context.Background()

	s.Schedule(target("t1", "https://shop.example.com/item"))
	s.ForceCheck("t1")
	s.dispatchDue(ctx)
	s.fetchWG.Wait()

	e := s.entryOf(t, "t1")
	interval := e.interval
	s.handleCompletion(ctx, completion{
		e:       e,
		err:     retry.Tag(errors.New("price node missing"), retry.KindParseFailure),
		attempt: 1,
	})

	if e.attempts != 0 {
		t.Fatalf("attempts = %d, want 0 (no retry for parse failures)", e.attempts)
	}
	if got := e.due.Sub(clk.Now()); got != interval {
		t.Fatalf("next due in %v, want regular cadence %v", got, interval)
	}
}

func TestGovernorDenialCarriesNoPenalty(t *testing.T) {
	f := &countingFetcher{}
	// Burst 1 and a near-zero refill: the second same-host fetch is denied.
	s, store, _, clk := newTestService(t, f, hostgate.Config{
		FillRate: 0.0001, Burst: 1, MaxInFlight: -1, TripFailures: 1000,
	})
	ctx := context.Background()

	s.Schedule(target("t-a", "https://shop.example.com/a"))
	s.Schedule(target("t-b", "https://shop.example.com/b"))
	s.ForceCheck("t-a")
	s.ForceCheck("t-b")

	s.dispatchDue(ctx)
	s.fetchWG.Wait()
	if got := f.count(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1 (second denied)", got)
	}

	e := s.entryOf(t, "t-b")
	if e.inflight {
		t.Fatalf("denied target should not be in flight")
	}
	if e.attempts != 0 {
		t.Fatalf("denial must not count as a retry attempt, got %d", e.attempts)
	}
	if got := e.due.Sub(clk.Now()); got != 5*time.Second {
		t.Fatalf("governor requeue in %v, want 5s", got)
	}
	if store.Len() != 0 {
		t.Fatalf("denial should not touch the error counters")
	}
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	f := &countingFetcher{}
	s, store, n, _ := newTestService(t, f, openGate())
	ctx := context.Background()

	s.Schedule(target("t1", "https://shop.example.com/item"))
	s.ForceCheck("t1")
	s.dispatchDue(ctx)
	s.fetchWG.Wait()

	e := s.entryOf(t, "t1")
	if !s.Cancel("t1") {
		t.Fatalf("cancel returned false")
	}

	s.handleCompletion(ctx, completion{
		e:       e,
		fields:  watch.Fields{Status: watch.StatusInStock},
		attempt: 1,
	})

	if store.Len() != 0 {
		t.Fatalf("discarded result still wrote a snapshot")
	}
	if n.count() != 0 {
		t.Fatalf("discarded result still notified")
	}
	snap := s.Snapshot()
	if snap.Targets != 0 || snap.InFlight != 0 {
		t.Fatalf("targets = %d in_flight = %d, want 0/0", snap.Targets, snap.InFlight)
	}
}

func TestCancelQueuedTarget(t *testing.T) {
	f := &countingFetcher{}
	s, _, _, _ := newTestService(t, f, openGate())
	ctx := context.Background()

	s.Schedule(target("t1", "https://shop.example.com/item"))
	if !s.Cancel("t1") {
		t.Fatalf("cancel returned false")
	}
	if s.Cancel("t1") {
		t.Fatalf("double cancel returned true")
	}

	s.ForceCheck("t1")
	s.dispatchDue(ctx)
	s.fetchWG.Wait()
	if f.count() != 0 {
		t.Fatalf("cancelled target was fetched")
	}
}

func TestSyncTargetsReconciles(t *testing.T) {
	f := &countingFetcher{}
	s, _, _, _ := newTestService(t, f, openGate())

	s.SyncTargets([]watch.Target{
		target("t1", "https://shop.example.com/a"),
		target("t2", "https://shop.example.com/b"),
	})
	if got := s.Snapshot().Targets; got != 2 {
		t.Fatalf("targets = %d, want 2", got)
	}

	inactive := target("t2", "https://shop.example.com/b")
	inactive.Active = false
	s.SyncTargets([]watch.Target{
		target("t1", "https://shop.example.com/a"),
		inactive,
		target("t3", "https://shop.example.com/c"),
	})

	snap := s.Snapshot()
	if snap.Targets != 2 {
		t.Fatalf("targets after sync = %d, want 2", snap.Targets)
	}
	ids := map[string]bool{}
	for _, it := range snap.Items {
		ids[it.ID] = true
	}
	if !ids["t1"] || !ids["t3"] || ids["t2"] {
		t.Fatalf("unexpected target set: %v", ids)
	}
}

func TestScheduleSpreadsInitialDue(t *testing.T) {
	f := &countingFetcher{}
	s, _, _, clk := newTestService(t, f, openGate())

	s.Schedule(target("t-nvidia-fe", "https://shop.example.com/a"))
	s.Schedule(target("t-ps5-disc", "https://shop.example.com/b"))

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		d := e.due.Sub(clk.Now())
		if d < 0 || d >= 30*time.Second {
			t.Fatalf("%s initial due in %v, want within [0, 30s)", id, d)
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := &countingFetcher{}
	s, _, _, _ := newTestService(t, f, openGate())

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	s.Stop(stopCtx)

	s.Start(ctx)
	s.Stop(stopCtx)
}

func TestDueHeapOrdering(t *testing.T) {
	base := time.Unix(1700000000, 0)
	var q dueHeap
	heap.Init(&q)

	mk := func(id string, offset time.Duration) *entry {
		e := &entry{target: watch.Target{ID: id}, index: -1}
		q.push(e, base.Add(offset))
		return e
	}
	mk("c", 3*time.Second)
	mk("a", time.Second)
	b := mk("b", time.Second)

	if got := q[0].target.ID; got != "a" {
		t.Fatalf("head = %s, want a (tie broken by id)", got)
	}

	q.reschedule(b, base)
	if got := q[0].target.ID; got != "b" {
		t.Fatalf("head after reschedule = %s, want b", got)
	}

	q.remove(b)
	order := []string{}
	for q.Len() > 0 {
		e := heap.Pop(&q).(*entry)
		order = append(order, e.target.ID)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "c" {
		t.Fatalf("pop order = %v, want [a c]", order)
	}
}
