// Package monitor drives the fetch schedule: a due-time heap of watched
// targets, a bounded pool of in-flight fetches, and the adaptive cadence
// that speeds hot targets up and slows stable ones down.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/hostgate"
	"stockwatch/internal/retry"
	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"

	rtsup "stockwatch/internal/runtime/supervisor"
)

// Fetcher is the outbound capability: resolve one target's page into raw
// fields. Implementations tag errors with retry kinds and honor ctx.
type Fetcher interface {
	Fetch(ctx context.Context, t watch.Target) (watch.Fields, error)
}

// Notifier receives notifiable change events. Implementations must not
// block; the dispatcher's bounded queue satisfies this.
type Notifier interface {
	Notify(t watch.Target, ev watch.ChangeEvent)
}

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	// MaxConcurrent bounds simultaneously in-flight fetches.
	MaxConcurrent int `json:"max_concurrent"`
	// DefaultInterval seeds targets that carry no interval of their own.
	DefaultInterval time.Duration `json:"default_interval"`
	// MinInterval is the global floor no target may check faster than.
	MinInterval time.Duration `json:"min_interval"`
	// MaxInterval caps how far the damping may stretch a quiet target.
	MaxInterval time.Duration `json:"max_interval"`
	// FetchTimeout converts a stalled fetch into a transient failure.
	FetchTimeout time.Duration `json:"fetch_timeout"`
	// Damping multiplies the interval once a target has been unchanged for
	// ColdAfter consecutive checks.
	Damping   float64 `json:"damping"`
	ColdAfter int     `json:"cold_after"`
	// GovernorRetryMax caps the requeue delay after a gate denial.
	GovernorRetryMax time.Duration `json:"governor_retry_max"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    10,
		DefaultInterval:  time.Minute,
		MinInterval:      30 * time.Second,
		MaxInterval:      15 * time.Minute,
		FetchTimeout:     30 * time.Second,
		Damping:          1.5,
		ColdAfter:        10,
		GovernorRetryMax: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = d.DefaultInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = d.MaxInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.Damping <= 1 {
		c.Damping = d.Damping
	}
	if c.ColdAfter <= 0 {
		c.ColdAfter = d.ColdAfter
	}
	if c.GovernorRetryMax <= 0 {
		c.GovernorRetryMax = d.GovernorRetryMax
	}
	return c
}

// Deps are the collaborators the scheduler drives.
type Deps struct {
	Fetcher  Fetcher
	Gate     *hostgate.Gate
	Retry    *retry.Controller
	Detector *watch.Detector
	Store    *watch.Store
	Notify   Notifier
}

// completion is the result handoff from a fetch goroutine to the loop.
type completion struct {
	e       *entry
	fields  watch.Fields
	err     error
	latency time.Duration
	attempt int
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus

	entries  map[string]*entry
	queue    dueHeap
	inFlight int

	wake   chan struct{}
	compCh chan completion

	fetchWG sync.WaitGroup

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	now func() time.Time
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		log:     log.With(logx.String("comp", "monitor")),
		bus:     bus,
		entries: map[string]*entry{},
		wake:    make(chan struct{}, 1),
		compCh:  make(chan completion, 64),
		now:     time.Now,
	}
}

// Apply swaps tunables live. Queued targets keep their position; new limits
// take effect from the next dispatch.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	s.kick()
}

// Schedule registers or updates a target. New targets get a deterministic
// spread across the minimum interval so bulk adds do not burst-fetch.
func (s *Service) Schedule(t watch.Target) {
	s.mu.Lock()
	cfg := s.cfg
	t = normalizeTarget(t, cfg)
	now := s.now()

	if e, ok := s.entries[t.ID]; ok {
		e.target = t
		e.interval = clampInterval(e.interval, t.MinInterval, t.MaxInterval)
		if !e.inflight {
			s.queue.reschedule(e, minTime(e.due, now.Add(e.interval)))
		}
		s.mu.Unlock()
		s.kick()
		return
	}

	e := &entry{target: t, interval: t.Interval, index: -1}
	s.entries[t.ID] = e
	s.queue.push(e, now.Add(spreadDelay(t.ID, t.MinInterval)))
	s.mu.Unlock()

	s.log.Info("target scheduled",
		logx.String("target", t.ID),
		logx.String("host", t.Host),
		logx.Duration("interval", t.Interval))
	s.kick()
}

// Cancel removes a target from the schedule. An in-flight fetch keeps
// running but its result is discarded on arrival.
func (s *Service) Cancel(targetID string) bool {
	s.mu.Lock()
	e, ok := s.entries[targetID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, targetID)
	if e.inflight {
		e.discard = true
	} else {
		s.queue.remove(e)
	}
	s.mu.Unlock()

	s.log.Info("target cancelled", logx.String("target", targetID), logx.Bool("in_flight", e.inflight))
	return true
}

// SyncTargets reconciles the schedule against the full desired set:
// schedules active targets, cancels anything missing or inactive.
func (s *Service) SyncTargets(targets []watch.Target) {
	want := make(map[string]bool, len(targets))
	added, updated := 0, 0
	for _, t := range targets {
		if !t.Active {
			continue
		}
		want[t.ID] = true
		s.mu.Lock()
		_, known := s.entries[t.ID]
		s.mu.Unlock()
		if known {
			updated++
		} else {
			added++
		}
		s.Schedule(t)
	}

	s.mu.Lock()
	var gone []string
	for id := range s.entries {
		if !want[id] {
			gone = append(gone, id)
		}
	}
	s.mu.Unlock()
	for _, id := range gone {
		s.Cancel(id)
	}

	s.log.Info("targets synced",
		logx.Int("active", len(want)),
		logx.Int("added", added),
		logx.Int("updated", updated),
		logx.Int("removed", len(gone)))
}

// ForceCheck pulls a target to the front of the queue.
func (s *Service) ForceCheck(targetID string) bool {
	s.mu.Lock()
	e, ok := s.entries[targetID]
	if ok && !e.inflight {
		s.queue.reschedule(e, s.now())
	}
	s.mu.Unlock()
	if ok {
		s.kick()
	}
	return ok
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func normalizeTarget(t watch.Target, cfg Config) watch.Target {
	if t.Host == "" {
		t.Host = watch.HostKey(t.URL)
	}
	if t.Interval <= 0 {
		t.Interval = cfg.DefaultInterval
	}
	if t.MinInterval <= 0 {
		t.MinInterval = cfg.MinInterval
	}
	if t.MinInterval < cfg.MinInterval {
		t.MinInterval = cfg.MinInterval
	}
	if t.MaxInterval <= 0 {
		t.MaxInterval = cfg.MaxInterval
	}
	if t.MaxInterval < t.MinInterval {
		t.MaxInterval = t.MinInterval
	}
	if t.Interval < t.MinInterval {
		t.Interval = t.MinInterval
	}
	if t.Interval > t.MaxInterval {
		t.Interval = t.MaxInterval
	}
	if t.Priority <= 0 {
		t.Priority = 3
	}
	return t
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// TargetSnapshot is one scheduled target's diagnostics view.
type TargetSnapshot struct {
	ID       string        `json:"id"`
	URL      string        `json:"url"`
	Host     string        `json:"host"`
	Priority int           `json:"priority"`
	Interval time.Duration `json:"interval"`
	NextDue  time.Time     `json:"next_due"`
	InFlight bool          `json:"in_flight"`
	Attempts int           `json:"attempts"`
}

type Snapshot struct {
	Targets       int              `json:"targets"`
	Queued        int              `json:"queued"`
	InFlight      int              `json:"in_flight"`
	MaxConcurrent int              `json:"max_concurrent"`
	Items         []TargetSnapshot `json:"items"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]TargetSnapshot, 0, len(s.entries))
	for _, e := range s.entries {
		ts := TargetSnapshot{
			ID:       e.target.ID,
			URL:      e.target.URL,
			Host:     e.target.Host,
			Priority: e.target.Priority,
			Interval: e.interval,
			InFlight: e.inflight,
			Attempts: e.attempts,
		}
		if !e.inflight {
			ts.NextDue = e.due
		}
		items = append(items, ts)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return Snapshot{
		Targets:       len(s.entries),
		Queued:        s.queue.Len(),
		InFlight:      s.inFlight,
		MaxConcurrent: s.cfg.MaxConcurrent,
		Items:         items,
	}
}

// Start launches the scheduling loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			s.Start(ctx)
		}
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// A scheduler wobble must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	targets := len(s.entries)
	s.mu.Unlock()

	sup.GoRestart("loop", func(c context.Context) error {
		s.run(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("monitor loop exited unexpectedly")
	})

	s.log.Info("monitor started", logx.Int("targets", targets))
}

// Stop halts the loop and waits for in-flight fetches to land (results are
// dropped once stopCh closes).
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.fetchWG.Wait()
		// Drop any completions buffered during shutdown.
		for {
			select {
			case <-s.compCh:
				continue
			default:
			}
			break
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.inFlight = 0
		for _, e := range s.entries {
			if e.inflight {
				e.inflight = false
				s.queue.push(e, s.now().Add(e.interval))
			}
		}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("monitor stopped")
	case <-ctx.Done():
		s.log.Warn("monitor stop timed out", logx.Err(ctx.Err()))
	}
}
