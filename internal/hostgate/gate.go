// Package hostgate rations outbound fetches per host.
//
// Every fetch asks the gate first. Two layers answer:
//   - a token bucket (golang.org/x/time/rate) that paces request volume, and
//   - a consecutive-failure circuit breaker that stops hammering a host
//     that keeps failing, with an exponentially growing cooldown and a
//     single half-open probe after each cooldown.
//
// Denial is advisory pacing, not an error: the scheduler simply re-queues
// the target a little later without charging a retry attempt.
package hostgate

import (
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/retry"
	logx "stockwatch/pkg/logx"
)

// BreakerState is the per-host breaker position.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// Deny reasons reported in Decision and counted in Snapshot.
const (
	DenyBucketEmpty   = "bucket_empty"
	DenyBreakerOpen   = "breaker_open"
	DenyProbePending  = "probe_pending"
	DenyTooManyActive = "too_many_in_flight"
)

// Decision is the answer to TryAcquire.
type Decision struct {
	Granted bool
	// Reason is one of the Deny* constants when not granted.
	Reason string
	// RetryAt hints when acquiring might succeed again (breaker denials
	// carry the open-until time; bucket denials are left zero because the
	// bucket refills continuously).
	RetryAt time.Time
}

// Config tunes the gate. Zero values fall back to defaults.
type Config struct {
	// FillRate is tokens per second added to each host bucket.
	FillRate float64 `json:"fill_rate"`
	// Burst is the bucket capacity.
	Burst int `json:"burst"`
	// MaxInFlight caps concurrent fetches per host. Zero means 3,
	// negative disables the cap.
	MaxInFlight int `json:"max_in_flight"`
	// TripFailures is the consecutive-failure count that opens the
	// breaker. Zero means 5, negative disables the breaker entirely.
	TripFailures int `json:"trip_failures"`
	// BaseCooldown is the first open period; each reopen multiplies it by
	// CooldownFactor up to MaxCooldown.
	BaseCooldown   time.Duration `json:"base_cooldown"`
	MaxCooldown    time.Duration `json:"max_cooldown"`
	CooldownFactor float64       `json:"cooldown_factor"`
	// ResetAfter forgives stale failure streaks: if a host has been quiet
	// for this long its counter starts over.
	ResetAfter time.Duration `json:"reset_after"`
}

// DefaultConfig paces politely: 2 requests/second with small bursts, and a
// breaker that waits 30s after five straight failures.
func DefaultConfig() Config {
	return Config{
		FillRate:       2,
		Burst:          5,
		MaxInFlight:    3,
		TripFailures:   5,
		BaseCooldown:   30 * time.Second,
		MaxCooldown:    10 * time.Minute,
		CooldownFactor: 2,
		ResetAfter:     5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FillRate <= 0 {
		c.FillRate = d.FillRate
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.TripFailures == 0 {
		c.TripFailures = d.TripFailures
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = d.BaseCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	if c.CooldownFactor < 1 {
		c.CooldownFactor = d.CooldownFactor
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = d.ResetAfter
	}
	return c
}

// hostState carries one host's bucket and breaker position.
type hostState struct {
	limiter  *rate.Limiter
	inflight int

	fails       int // weighted consecutive failures (blocked counts double)
	state       BreakerState
	openUntil   time.Time
	lastFailure time.Time
	reopens     int  // consecutive reopens without a success, grows cooldown
	probing     bool // half-open probe handed out, result pending

	granted uint64
	denied  uint64
}

// Gate is safe for concurrent use. The zero value is not usable; call New.
type Gate struct {
	mu    sync.Mutex
	cfg   Config
	hosts map[string]*hostState
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

// New builds a gate. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{
		cfg:   cfg.withDefaults(),
		hosts: make(map[string]*hostState),
		log:   log.With(logx.String("comp", "hostgate")),
		bus:   bus,
		now:   time.Now,
	}
}

// Apply swaps the configuration live. Buckets restart full under the new
// rate; breaker positions are kept.
func (g *Gate) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	for _, st := range g.hosts {
		st.limiter = rate.NewLimiter(rate.Limit(cfg.FillRate), cfg.Burst)
	}
}

func (g *Gate) get(host string) *hostState {
	st := g.hosts[host]
	if st == nil {
		st = &hostState{
			limiter: rate.NewLimiter(rate.Limit(g.cfg.FillRate), g.cfg.Burst),
			state:   StateClosed,
		}
		g.hosts[host] = st
	}
	return st
}

func normalize(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// TryAcquire asks permission for one fetch against host. Granted
// acquisitions must be paired with Release and ReportOutcome.
func (g *Gate) TryAcquire(host string) Decision {
	host = normalize(host)
	if host == "" {
		return Decision{Granted: true}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.get(host)
	g.resetIfQuiet(st, now)

	if g.cfg.TripFailures > 0 {
		switch st.state {
		case StateOpen:
			if now.Before(st.openUntil) {
				st.denied++
				return Decision{Reason: DenyBreakerOpen, RetryAt: st.openUntil}
			}
			// Cooldown elapsed: move to half-open, the next grant is the probe.
			st.state = StateHalfOpen
			st.probing = false
		case StateHalfOpen:
			if st.probing {
				st.denied++
				return Decision{Reason: DenyProbePending}
			}
		}
	}

	if g.cfg.MaxInFlight > 0 && st.inflight >= g.cfg.MaxInFlight {
		st.denied++
		return Decision{Reason: DenyTooManyActive}
	}
	if !st.limiter.AllowN(now, 1) {
		st.denied++
		return Decision{Reason: DenyBucketEmpty}
	}

	if st.state == StateHalfOpen {
		st.probing = true
	}
	st.inflight++
	st.granted++
	return Decision{Granted: true}
}

// Release returns the in-flight slot taken by a granted TryAcquire.
func (g *Gate) Release(host string) {
	host = normalize(host)
	if host == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if st := g.hosts[host]; st != nil && st.inflight > 0 {
		st.inflight--
	}
}

// ReportOutcome records how a granted fetch went. err == nil is success.
// Blocked failures weigh double toward the trip threshold.
func (g *Gate) ReportOutcome(host string, err error) {
	host = normalize(host)
	if host == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.get(host)
	g.resetIfQuiet(st, now)

	if g.cfg.TripFailures <= 0 {
		if err != nil {
			st.lastFailure = now
		}
		return
	}

	if err == nil {
		wasProbe := st.state == StateHalfOpen
		st.fails = 0
		st.lastFailure = time.Time{}
		if wasProbe {
			st.state = StateClosed
			st.probing = false
			st.openUntil = time.Time{}
			st.reopens = 0
			g.log.Info("breaker closed", logx.String("host", host))
			g.publish("hostgate.breaker_close", map[string]any{"host": host})
		}
		// A late success while open clears the streak but the breaker
		// still waits for its half-open probe.
		return
	}

	weight := 1
	if retry.Classify(err) == retry.KindBlocked {
		weight = 2
	}
	st.fails += weight
	st.lastFailure = now

	switch st.state {
	case StateHalfOpen:
		if st.probing {
			st.probing = false
			st.reopens++
			g.open(st, host, now)
		}
	case StateClosed:
		if st.fails >= g.cfg.TripFailures {
			st.reopens = 0
			g.open(st, host, now)
		}
	}
}

// open moves st to open with a cooldown grown by the reopen count.
func (g *Gate) open(st *hostState, host string, now time.Time) {
	d := g.cfg.BaseCooldown
	for i := 0; i < st.reopens; i++ {
		d = time.Duration(float64(d) * g.cfg.CooldownFactor)
		if d >= g.cfg.MaxCooldown {
			d = g.cfg.MaxCooldown
			break
		}
	}
	if d > g.cfg.MaxCooldown {
		d = g.cfg.MaxCooldown
	}
	st.state = StateOpen
	st.openUntil = now.Add(d)
	g.log.Warn("breaker open",
		logx.String("host", host),
		logx.Int("fails", st.fails),
		logx.Duration("cooldown", d))
	g.publish("hostgate.breaker_open", map[string]any{
		"host":     host,
		"fails":    st.fails,
		"cooldown": d.String(),
	})
}

func (g *Gate) resetIfQuiet(st *hostState, now time.Time) {
	if st.lastFailure.IsZero() || g.cfg.ResetAfter <= 0 {
		return
	}
	if now.Sub(st.lastFailure) <= g.cfg.ResetAfter {
		return
	}
	st.fails = 0
	st.lastFailure = time.Time{}
	if st.state == StateOpen && !now.Before(st.openUntil) {
		// Quiet host with an expired cooldown and no traffic: next acquire
		// still goes through the half-open probe path.
		st.openUntil = now
	}
}

func (g *Gate) publish(typ string, data any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// HostSnapshot is one host's diagnostics view.
type HostSnapshot struct {
	Host      string       `json:"host"`
	Tokens    float64      `json:"tokens"`
	InFlight  int          `json:"in_flight"`
	Fails     int          `json:"fails"`
	State     BreakerState `json:"state"`
	OpenUntil time.Time    `json:"open_until,omitempty"`
	Granted   uint64       `json:"granted"`
	Denied    uint64       `json:"denied"`
}

// Snapshot lists per-host state sorted by host for stable output.
func (g *Gate) Snapshot() []HostSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := make([]HostSnapshot, 0, len(g.hosts))
	for host, st := range g.hosts {
		hs := HostSnapshot{
			Host:     host,
			Tokens:   st.limiter.TokensAt(now),
			InFlight: st.inflight,
			Fails:    st.fails,
			State:    st.state,
			Granted:  st.granted,
			Denied:   st.denied,
		}
		if st.state == StateOpen {
			hs.OpenUntil = st.openUntil
		}
		out = append(out, hs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
