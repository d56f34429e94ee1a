package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/retry"
	rtsup "stockwatch/internal/runtime/supervisor"
	"stockwatch/internal/storage"
	"stockwatch/internal/transport"
	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

var (
	ErrDisabled  = errors.New("dispatch disabled")
	ErrStopped   = errors.New("dispatch stopped")
	ErrQueueFull = errors.New("dispatch queue full")
)

// Sender delivers one message to a named destination. *transport.Registry
// implements it.
type Sender interface {
	Send(ctx context.Context, destination string, m transport.Message) error
}

const (
	historyCap = 300
	idleWait   = time.Hour
)

type dedupWrite struct {
	key   string
	until time.Time
}

// Service implements the outbound pipeline: bounded priority queue + worker
// pool + per-destination pacing + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	// mu guards cfg, limiters and lifecycle fields. Lock order: qmu may be
	// taken before mu, never the reverse while held.
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	retry  *retry.Controller
	bus    eventbus.Bus
	store  storage.Store

	cfg      Config
	limiters map[string]*rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	// qmu guards the priority queues and the in-flight count.
	qmu      sync.Mutex
	queues   [priorityClasses][]*Task
	inFlight int
	wake     chan struct{}

	sent    uint64
	failed  uint64
	dropped uint64
	deduped uint64

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Optional persistent dedup writes (best-effort).
	persistCh chan dedupWrite

	// In-memory history (for /status).
	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, sender Sender, rc *retry.Controller, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if rc == nil {
		rc = retry.NewController(retry.Config{})
	}
	s := &Service{
		log:    log.With(logx.String("comp", "dispatch")),
		sender: sender,
		retry:  rc,
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the dispatcher's internal supervisor (nil if not
// started). Used for operational visibility.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.RatePerDest <= 0 {
		cfg.RatePerDest = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Buckets restart full under the new rate.
	s.limiters = make(map[string]*rate.Limiter)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.accepting = true
	workers := s.cfg.Workers

	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// Delivery failures should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	pch := s.persistCh
	st := s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("dispatch persist loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, idx)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("dispatch worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop blocks new intake and cancels workers after their current send.
// Tasks still queued are reported, not drained: a watcher that is shutting
// down should not keep hammering destinations.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup := s.sup
	pch := s.persistCh
	if sup == nil {
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
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without
	// leaking state.
	go func() {
		defer close(done)
		sup.Cancel()
		_ = sup.Wait(context.Background())
		// Wait for in-flight enqueues before tearing down the persist channel.
		s.sendWG.Wait()
		if pch != nil {
			func() {
				defer func() { _ = recover() }()
				close(pch)
			}()
		}

		s.qmu.Lock()
		remaining := s.queuedLocked()
		s.qmu.Unlock()
		if remaining > 0 {
			s.log.Warn("stopping with undelivered notifications", logx.Int("queued", remaining))
		}

		s.mu.Lock()
		s.sup = nil
		s.persistCh = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Notify renders and enqueues a change event. It implements the monitor's
// notifier contract: it never blocks, queue pressure is resolved by eviction
// rather than backpressure.
func (s *Service) Notify(t watch.Target, ev watch.ChangeEvent) {
	if t.Destination == "" {
		s.log.Debug("change event without destination", logx.String("target", t.ID))
		return
	}
	if err := s.Enqueue(TaskFromEvent(t, ev)); err != nil && !errors.Is(err, ErrQueueFull) {
		// Queue-full already logs the drop; anything else is worth a line.
		s.log.Warn("notification not queued", logx.Err(err), logx.String("target", t.ID), logx.String("dest", t.Destination))
	}
}

// Enqueue adds a task to its priority class. When the queue is at capacity
// the oldest task of the least important class gives way; if the newcomer
// itself is the least important, it is the one dropped. Exactly one drop is
// logged either way.
func (s *Service) Enqueue(t Task) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg := s.cfg
	st := s.store
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	t.Priority = normalizePriority(t.Priority)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = TaskQueued
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = s.now()
	}
	t.dedupKey = taskKey(t)

	if cfg.DedupWindow > 0 && t.dedupKey != "" {
		if !s.dedupAllow(t.dedupKey, cfg.DedupWindow, cfg.DedupMaxEntries, cfg.PersistDedup, st, pch) {
			atomic.AddUint64(&s.deduped, 1)
			s.publish("dispatch.deduped", &t, 0, nil)
			s.log.Debug("notification suppressed by dedup",
				logx.String("dest", t.Destination), logx.String("key", t.dedupKey))
			return nil
		}
	}

	s.qmu.Lock()
	evicted, rejected := s.insertLocked(&t, cfg.Capacity)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.qmu.Unlock()

	if rejected {
		atomic.AddUint64(&s.dropped, 1)
		s.publish("dispatch.dropped", &t, 0, ErrQueueFull)
		s.log.Warn("queue full, dropping new low-priority notification",
			logx.String("dest", t.Destination), logx.Int("priority", t.Priority))
		return ErrQueueFull
	}

	s.publish("dispatch.queued", &t, 0, nil)
	if evicted != nil {
		atomic.AddUint64(&s.dropped, 1)
		s.publish("dispatch.dropped", evicted, 0, ErrQueueFull)
		s.log.Warn("queue full, dropped oldest low-priority notification",
			logx.String("dest", evicted.Destination), logx.Int("priority", evicted.Priority))
	}
	return nil
}

// insertLocked appends t to its class, evicting from the back classes when
// the total is at capacity. A newcomer less important than everything queued
// is rejected instead.
func (s *Service) insertLocked(t *Task, capacity int) (evicted *Task, rejected bool) {
	total := s.queuedLocked()
	if total >= capacity {
		vc := -1
		for c := priorityClasses - 1; c >= 0; c-- {
			if len(s.queues[c]) > 0 {
				vc = c
				break
			}
		}
		ic := t.Priority - 1
		if vc < ic {
			return nil, true
		}
		evicted = s.queues[vc][0]
		s.queues[vc] = s.queues[vc][1:]
	}
	s.queues[t.Priority-1] = append(s.queues[t.Priority-1], t)
	return evicted, false
}

// requeueLocked puts a retrying task back at the front of its class so age
// order and per-destination FIFO survive retries.
func (s *Service) requeueLocked(t *Task) {
	c := t.Priority - 1
	s.queues[c] = append([]*Task{t}, s.queues[c]...)
}

func (s *Service) queuedLocked() int {
	n := 0
	for i := range s.queues {
		n += len(s.queues[i])
	}
	return n
}

func (s *Service) workerLoop(ctx context.Context, idx int) {
	_ = idx // kept for future per-worker metrics
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, wait := s.pick()
		if t != nil {
			s.sendOne(ctx, t)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// pick pops the first sendable task, scanning classes in priority order and
// each class in FIFO order. A destination skipped once (backoff or pacing)
// stays skipped for the rest of the scan so its younger tasks cannot jump
// the line. Returns how long to wait when nothing is sendable.
func (s *Service) pick() (*Task, time.Duration) {
	now := s.now()

	s.qmu.Lock()
	defer s.qmu.Unlock()

	wait := idleWait
	skip := map[string]bool{}
	for class := 0; class < priorityClasses; class++ {
		q := s.queues[class]
		for i := 0; i < len(q); i++ {
			t := q[i]
			if skip[t.Destination] {
				continue
			}
			if t.NextEligible.After(now) {
				if d := t.NextEligible.Sub(now); d < wait {
					wait = d
				}
				skip[t.Destination] = true
				continue
			}
			r := s.limiterFor(t.Destination).ReserveN(now, 1)
			if d := r.DelayFrom(now); d > 0 {
				r.CancelAt(now)
				if d < wait {
					wait = d
				}
				skip[t.Destination] = true
				continue
			}

			s.queues[class] = append(q[:i], q[i+1:]...)
			t.State = TaskInFlight
			s.inFlight++
			if s.queuedLocked() > 0 {
				// Rouse a sibling; there may be more sendable work.
				select {
				case s.wake <- struct{}{}:
				default:
				}
			}
			return t, 0
		}
	}
	return nil, wait
}

func (s *Service) limiterFor(dest string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[dest]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RatePerDest), s.cfg.Burst)
		s.limiters[dest] = lim
	}
	return lim
}

func (s *Service) sendOne(ctx context.Context, t *Task) {
	s.mu.Lock()
	cfg := s.cfg
	sender := s.sender
	rc := s.retry
	s.mu.Unlock()

	defer func() {
		s.qmu.Lock()
		s.inFlight--
		s.qmu.Unlock()
	}()

	if sender == nil {
		t.State = TaskFailedTerminal
		atomic.AddUint64(&s.failed, 1)
		s.log.Error("no sender configured, dropping notification", logx.String("dest", t.Destination))
		return
	}

	t.Attempts++
	msg := transport.Message{
		Text:     t.Payload,
		Mentions: t.Mentions,
		Priority: t.Priority,
		TargetID: t.TargetID,
		Kind:     t.Kind,
		At:       s.now(),
	}

	callCtx := ctx
	if callCtx == nil {
		callCtx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(callCtx, cfg.SendTimeout)
	err := sender.Send(callCtx, t.Destination, msg)
	cancel()

	if err == nil {
		t.State = TaskDelivered
		atomic.AddUint64(&s.sent, 1)
		s.appendHistory(t)
		s.publish("dispatch.sent", t, t.Attempts, nil)
		s.log.Debug("notification delivered",
			logx.String("dest", t.Destination), logx.Int("priority", t.Priority), logx.Int("attempt", t.Attempts))
		return
	}

	k, tagged := retry.KindOf(err)
	if !tagged {
		// Senders tag what they understand; the rest reads as a busy
		// destination, not a network blip.
		k = retry.KindDestinationBusy
	}

	if retry.IsNoRetry(err) || k == retry.KindDestinationUnreachable || rc.IsTerminal(k, t.Attempts) {
		t.State = TaskFailedTerminal
		atomic.AddUint64(&s.failed, 1)
		s.publish("dispatch.failed", t, t.Attempts, err)
		s.log.Error("delivery failed, giving up",
			logx.Err(err), logx.String("dest", t.Destination), logx.String("kind", k.String()), logx.Int("attempts", t.Attempts))
		return
	}

	derr := err
	if !tagged {
		derr = retry.Tag(err, k)
	}
	delay := rc.DelayFor(derr, t.Attempts)
	t.State = TaskQueued
	t.NextEligible = s.now().Add(delay)

	s.qmu.Lock()
	s.requeueLocked(t)
	s.qmu.Unlock()

	s.log.Warn("delivery failed, retrying",
		logx.Err(err), logx.String("dest", t.Destination), logx.Int("attempt", t.Attempts), logx.Duration("delay", delay))
}

func (s *Service) publish(typ string, t *Task, attempt int, err error) {
	if s.bus == nil {
		return
	}
	now := s.now()
	ev := TaskEvent{
		TaskID:      t.ID,
		TargetID:    t.TargetID,
		Destination: t.Destination,
		Priority:    t.Priority,
		Kind:        t.Kind,
		Key:         t.dedupKey,
		Attempt:     attempt,
		At:          now,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) appendHistory(t *Task) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		At:          s.now(),
		Destination: t.Destination,
		Priority:    t.Priority,
		Text:        t.Payload,
	})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

// Snapshot is the dispatcher's diagnostics view for /status.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	s.qmu.Lock()
	var q [priorityClasses]int
	for i := range s.queues {
		q[i] = len(s.queues[i])
	}
	inf := s.inFlight
	s.qmu.Unlock()

	s.hmu.Lock()
	hist := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:  enabled,
		Queued:   q,
		InFlight: inf,
		Sent:     atomic.LoadUint64(&s.sent),
		Failed:   atomic.LoadUint64(&s.failed),
		Dropped:  atomic.LoadUint64(&s.dropped),
		Deduped:  atomic.LoadUint64(&s.deduped),
		History:  hist,
	}
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

// taskKey builds the dedup key: same destination, target, change kind and
// payload within the window means the same alert.
func taskKey(t Task) string {
	if t.Destination == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(t.Destination))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(t.TargetID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(t.Kind))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(t.Payload))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := s.now()

	// 1) In-memory check.
	s.dmu.Lock()
	if s.dedup == nil {
		s.dedup = map[string]time.Time{}
	}
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// 2) Persistent check (best-effort) for cross-restart dedup.
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	// 3) Allow and set new window.
	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until

	// Prune expired and cap.
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	if max > 0 && len(s.dedup) > max {
		// Remove entries with earliest expiry until within cap.
		for len(s.dedup) > max {
			var (
				minKey string
				minT   time.Time
				set    bool
			)
			for k, u := range s.dedup {
				if !set || u.Before(minT) {
					minKey, minT, set = k, u, true
				}
			}
			if minKey == "" {
				break
			}
			delete(s.dedup, minKey)
		}
	}
	s.dmu.Unlock()

	// 4) Persist new suppress-until asynchronously (best-effort).
	if persist && st != nil && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}
