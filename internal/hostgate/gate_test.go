package hostgate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"stockwatch/internal/retry"
	logx "stockwatch/pkg/logx"
)

// fakeClock drives the gate and its buckets deterministically.
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

func newTestGate(cfg Config) (*Gate, *fakeClock) {
	g := New(cfg, logx.Nop(), nil)
	clk := newFakeClock()
	g.now = clk.Now
	return g, clk
}

func TestBucketDeniesWhenEmptyAndRefills(t *testing.T) {
	g, clk := newTestGate(Config{
		FillRate:     1,
		Burst:        2,
		MaxInFlight:  -1,
		TripFailures: 100,
	})

	for i := 0; i < 2; i++ {
		if d := g.TryAcquire("shop.example.com"); !d.Granted {
			t.Fatalf("acquire %d denied: %s", i, d.Reason)
		}
	}
	d := g.TryAcquire("shop.example.com")
	if d.Granted || d.Reason != DenyBucketEmpty {
		t.Fatalf("expected bucket_empty denial, got %+v", d)
	}

	// One refill period later at least one acquisition succeeds again.
	clk.Advance(time.Second)
	if d := g.TryAcquire("shop.example.com"); !d.Granted {
		t.Fatalf("post-refill acquire denied: %s", d.Reason)
	}
}

func TestBucketsAreIndependentPerHost(t *testing.T) {
	g, _ := newTestGate(Config{FillRate: 1, Burst: 1, MaxInFlight: -1, TripFailures: 100})

	if d := g.TryAcquire("a.example.com"); !d.Granted {
		t.Fatalf("first host denied: %s", d.Reason)
	}
	if d := g.TryAcquire("a.example.com"); d.Granted {
		t.Fatalf("first host bucket should be empty")
	}
	if d := g.TryAcquire("b.example.com"); !d.Granted {
		t.Fatalf("second host denied: %s", d.Reason)
	}
}

func TestInFlightCap(t *testing.T) {
	g, _ := newTestGate(Config{FillRate: 1000, Burst: 1000, MaxInFlight: 2, TripFailures: 100})

	host := "shop.example.com"
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("acquire 1 denied: %s", d.Reason)
	}
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("acquire 2 denied: %s", d.Reason)
	}
	if d := g.TryAcquire(host); d.Granted || d.Reason != DenyTooManyActive {
		t.Fatalf("expected in-flight denial, got %+v", d)
	}
	g.Release(host)
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("post-release acquire denied: %s", d.Reason)
	}
}

func failHost(g *Gate, host string, err error, n int) {
	for i := 0; i < n; i++ {
		if d := g.TryAcquire(host); d.Granted {
			g.Release(host)
		}
		g.ReportOutcome(host, err)
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	g, clk := newTestGate(Config{
		FillRate:       1000,
		Burst:          1000,
		MaxInFlight:    -1,
		TripFailures:   5,
		BaseCooldown:   10 * time.Second,
		CooldownFactor: 2,
		MaxCooldown:    time.Minute,
		ResetAfter:     time.Hour,
	})
	host := "shop.example.com"
	boom := errors.New("boom")

	failHost(g, host, boom, 4)
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("below threshold should still grant, got %+v", d)
	}
	g.Release(host)

	g.ReportOutcome(host, boom) // fifth consecutive failure
	d := g.TryAcquire(host)
	if d.Granted || d.Reason != DenyBreakerOpen {
		t.Fatalf("expected breaker_open denial, got %+v", d)
	}
	if want := clk.Now().Add(10 * time.Second); !d.RetryAt.Equal(want) {
		t.Fatalf("RetryAt = %v, want %v", d.RetryAt, want)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	g, clk := newTestGate(Config{
		FillRate:       1000,
		Burst:          1000,
		MaxInFlight:    -1,
		TripFailures:   2,
		BaseCooldown:   10 * time.Second,
		CooldownFactor: 2,
		MaxCooldown:    time.Minute,
		ResetAfter:     time.Hour,
	})
	host := "shop.example.com"
	boom := errors.New("boom")

	failHost(g, host, boom, 2)
	if d := g.TryAcquire(host); d.Granted {
		t.Fatalf("breaker should be open")
	}

	clk.Advance(11 * time.Second)
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("probe denied: %s", d.Reason)
	}
	// Exactly one probe until its outcome lands.
	if d := g.TryAcquire(host); d.Granted || d.Reason != DenyProbePending {
		t.Fatalf("expected probe_pending denial, got %+v", d)
	}

	g.Release(host)
	g.ReportOutcome(host, nil)
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("closed breaker denied: %s", d.Reason)
	}
}

func TestBreakerReopenGrowsCooldown(t *testing.T) {
	g, clk := newTestGate(Config{
		FillRate:       1000,
		Burst:          1000,
		MaxInFlight:    -1,
		TripFailures:   2,
		BaseCooldown:   10 * time.Second,
		CooldownFactor: 2,
		MaxCooldown:    25 * time.Second,
		ResetAfter:     time.Hour,
	})
	host := "shop.example.com"
	boom := errors.New("boom")

	failHost(g, host, boom, 2)

	// First reopen: probe fails, cooldown doubles to 20s.
	clk.Advance(11 * time.Second)
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("probe denied: %s", d.Reason)
	}
	g.Release(host)
	g.ReportOutcome(host, boom)
	d := g.TryAcquire(host)
	if d.Granted {
		t.Fatalf("breaker should have reopened")
	}
	if want := clk.Now().Add(20 * time.Second); !d.RetryAt.Equal(want) {
		t.Fatalf("first reopen RetryAt = %v, want %v", d.RetryAt, want)
	}

	// Second reopen hits the cap (40s would exceed 25s).
	clk.Advance(21 * time.Second)
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("second probe denied: %s", d.Reason)
	}
	g.Release(host)
	g.ReportOutcome(host, boom)
	d = g.TryAcquire(host)
	if want := clk.Now().Add(25 * time.Second); !d.RetryAt.Equal(want) {
		t.Fatalf("capped reopen RetryAt = %v, want %v", d.RetryAt, want)
	}
}

func TestBlockedFailuresWeighDouble(t *testing.T) {
	g, _ := newTestGate(Config{
		FillRate:     1000,
		Burst:        1000,
		MaxInFlight:  -1,
		TripFailures: 4,
		BaseCooldown: 10 * time.Second,
		ResetAfter:   time.Hour,
	})
	host := "shop.example.com"
	blocked := retry.Tag(errors.New("captcha wall"), retry.KindBlocked)

	failHost(g, host, blocked, 1)
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("one blocked failure should not trip, got %+v", d)
	}
	g.Release(host)

	g.ReportOutcome(host, blocked) // weighted 2+2 >= 4
	if d := g.TryAcquire(host); d.Granted || d.Reason != DenyBreakerOpen {
		t.Fatalf("expected breaker_open after two blocked failures, got %+v", d)
	}
}

func TestQuietPeriodForgivesStreak(t *testing.T) {
	g, clk := newTestGate(Config{
		FillRate:     1000,
		Burst:        1000,
		MaxInFlight:  -1,
		TripFailures: 2,
		BaseCooldown: 10 * time.Second,
		ResetAfter:   time.Minute,
	})
	host := "shop.example.com"
	boom := errors.New("boom")

	failHost(g, host, boom, 1)
	clk.Advance(2 * time.Minute)
	g.ReportOutcome(host, boom) // stale streak was forgiven, count restarts at 1
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("breaker tripped across quiet period, got %+v", d)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	g, _ := newTestGate(Config{
		FillRate:     1000,
		Burst:        1000,
		MaxInFlight:  -1,
		TripFailures: 3,
		BaseCooldown: 10 * time.Second,
		ResetAfter:   time.Hour,
	})
	host := "shop.example.com"
	boom := errors.New("boom")

	failHost(g, host, boom, 2)
	g.ReportOutcome(host, nil)
	failHost(g, host, boom, 2)
	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("streak should have been reset by success, got %+v", d)
	}
}

func TestSnapshotSortedWithState(t *testing.T) {
	g, _ := newTestGate(Config{
		FillRate:     1000,
		Burst:        1000,
		MaxInFlight:  -1,
		TripFailures: 1,
		BaseCooldown: 10 * time.Second,
		ResetAfter:   time.Hour,
	})
	g.TryAcquire("b.example.com")
	g.TryAcquire("a.example.com")
	g.ReportOutcome("b.example.com", errors.New("boom"))

	snap := g.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Host != "a.example.com" || snap[1].Host != "b.example.com" {
		t.Fatalf("snapshot not sorted: %+v", snap)
	}
	if snap[0].State != StateClosed {
		t.Fatalf("a state = %s, want closed", snap[0].State)
	}
	if snap[1].State != StateOpen || snap[1].OpenUntil.IsZero() {
		t.Fatalf("b state = %s openUntil = %v, want open with deadline", snap[1].State, snap[1].OpenUntil)
	}
	if snap[1].InFlight != 1 {
		t.Fatalf("b in_flight = %d, want 1", snap[1].InFlight)
	}
}

func TestApplyRetunesBuckets(t *testing.T) {
	g, clk := newTestGate(Config{FillRate: 1, Burst: 1, MaxInFlight: -1, TripFailures: 100})
	host := "shop.example.com"

	if d := g.TryAcquire(host); !d.Granted {
		t.Fatalf("initial acquire denied: %s", d.Reason)
	}
	if d := g.TryAcquire(host); d.Granted {
		t.Fatalf("burst 1 should be exhausted")
	}

	g.Apply(Config{FillRate: 100, Burst: 10, MaxInFlight: -1, TripFailures: 100})
	clk.Advance(time.Second)
	for i := 0; i < 5; i++ {
		if d := g.TryAcquire(host); !d.Granted {
			t.Fatalf("retuned acquire %d denied: %s", i, d.Reason)
		}
	}
}

func TestEmptyHostAlwaysGranted(t *testing.T) {
	g, _ := newTestGate(DefaultConfig())
	if d := g.TryAcquire(""); !d.Granted {
		t.Fatalf("empty host denied: %+v", d)
	}
	g.Release("")
	g.ReportOutcome("", errors.New("boom"))
	if len(g.Snapshot()) != 0 {
		t.Fatalf("empty host leaked into snapshot")
	}
}
