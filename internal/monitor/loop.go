package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/retry"
	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

// idleWait parks the loop when nothing is scheduled; Schedule/Apply kick it
// awake early. budgetWait re-arms the timer while the concurrency budget is
// exhausted (completions wake the loop sooner anyway).
const (
	idleWait   = time.Hour
	budgetWait = time.Second
)

// FetchEvent is the telemetry payload published as "monitor.fetch".
type FetchEvent struct {
	TargetID   string        `json:"target_id"`
	Host       string        `json:"host"`
	OK         bool          `json:"ok"`
	Kind       string        `json:"kind,omitempty"`
	Attempt    int           `json:"attempt"`
	Latency    time.Duration `json:"latency"`
	NextIn     time.Duration `json:"next_in"`
	QueueDepth int           `json:"queue_depth"`
	Error      string        `json:"error,omitempty"`
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		s.dispatchDue(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWait())

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.wake:
		case c := <-s.compCh:
			s.handleCompletion(ctx, c)
			// Drain whatever else already landed before re-dispatching.
			for {
				select {
				case c := <-s.compCh:
					s.handleCompletion(ctx, c)
					continue
				default:
				}
				break
			}
		case <-timer.C:
		}
	}
}

// nextWait computes how long the loop may sleep.
func (s *Service) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return idleWait
	}
	d := time.Until(s.queue[0].due)
	if d <= 0 {
		// Due work we could not dispatch (budget or governor); completions
		// or the fallback tick will resume it.
		return budgetWait
	}
	return d
}

// dispatchDue pops every due target the budget allows and hands each to a
// fetch goroutine, asking the host gate first.
func (s *Service) dispatchDue(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for s.queue.Len() > 0 && s.inFlight < s.cfg.MaxConcurrent {
		head := s.queue[0]
		if head.due.After(now) {
			return
		}

		dec := s.deps.Gate.TryAcquire(head.target.Host)
		if !dec.Granted {
			// Pacing, not failure: requeue shortly with no retry penalty.
			due := now.Add(governorDelay(head.target.MinInterval, s.cfg.GovernorRetryMax))
			if dec.RetryAt.After(due) {
				due = dec.RetryAt
			}
			s.queue.reschedule(head, due)
			s.log.Debug("fetch deferred by gate",
				logx.String("target", head.target.ID),
				logx.String("host", head.target.Host),
				logx.String("reason", dec.Reason),
				logx.Time("retry_at", due))
			continue
		}

		s.queue.remove(head)
		head.inflight = true
		s.inFlight++

		t := head.target
		attempt := head.attempts + 1
		s.fetchWG.Add(1)
		go s.runFetch(ctx, head, t, attempt)
	}
}

// runFetch performs one fetch off-loop and reports back via compCh. The
// gate slot is always released and the outcome always reported, even on a
// fetcher panic.
func (s *Service) runFetch(ctx context.Context, e *entry, t watch.Target, attempt int) {
	defer s.fetchWG.Done()

	s.mu.Lock()
	timeout := s.cfg.FetchTimeout
	stopCh := s.stopCh
	s.mu.Unlock()

	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, timeout)
	fields, err := s.safeFetch(fctx, t)
	cancel()
	latency := time.Since(start)

	s.deps.Gate.Release(t.Host)
	s.deps.Gate.ReportOutcome(t.Host, err)

	c := completion{e: e, fields: fields, err: err, latency: latency, attempt: attempt}
	if stopCh == nil {
		return
	}
	select {
	case s.compCh <- c:
	case <-stopCh:
	}
}

func (s *Service) safeFetch(ctx context.Context, t watch.Target) (f watch.Fields, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Tag(fmt.Errorf("fetcher panic: %v", r), retry.KindTransientNetwork)
			s.log.Error("fetcher panicked",
				logx.String("target", t.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return s.deps.Fetcher.Fetch(ctx, t)
}

// handleCompletion applies one fetch result: change detection and adaptive
// cadence on success, retry schedule on failure, silence for cancelled or
// stale entries.
func (s *Service) handleCompletion(ctx context.Context, c completion) {
	s.mu.Lock()
	e := c.e
	if !e.inflight {
		// Stale result from a previous run; the entry was already requeued.
		s.mu.Unlock()
		return
	}
	e.inflight = false
	if s.inFlight > 0 {
		s.inFlight--
	}
	cfg := s.cfg
	tgt := e.target
	cur := e.interval
	discard := e.discard || s.entries[tgt.ID] != e
	s.mu.Unlock()

	if discard {
		s.log.Debug("fetch result discarded", logx.String("target", tgt.ID))
		return
	}

	now := s.now()

	if c.err == nil {
		ev := s.deps.Detector.Evaluate(ctx, tgt.ID, c.fields)
		changed := ev != nil
		unchanged := 0
		if snap, ok := s.deps.Store.Get(tgt.ID); ok {
			unchanged = snap.Unchanged
		}
		next := adaptInterval(cur, tgt.MinInterval, tgt.MaxInterval,
			cfg.Damping, unchanged, cfg.ColdAfter, changed)

		if changed && ev.Notifiable && s.deps.Notify != nil {
			s.deps.Notify.Notify(tgt, *ev)
		}

		depth := s.requeue(e, tgt.ID, 0, next, now.Add(next))

		s.publishFetch(FetchEvent{
			TargetID:   tgt.ID,
			Host:       tgt.Host,
			OK:         true,
			Attempt:    c.attempt,
			Latency:    c.latency,
			NextIn:     next,
			QueueDepth: depth,
		})
		return
	}

	kind := retry.Classify(c.err)
	errStreak := s.deps.Store.NoteError(tgt.ID)

	if s.deps.Retry.TerminalFor(c.err, c.attempt) {
		// Out of budget for this streak: fall back to the regular cadence
		// and let the next scheduled check start a fresh streak.
		s.log.Error("fetch failed, giving up on streak",
			logx.String("target", tgt.ID),
			logx.String("host", tgt.Host),
			logx.String("kind", kind.String()),
			logx.Int("attempt", c.attempt),
			logx.Int("error_streak", errStreak),
			logx.Err(c.err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "monitor.giveup", Data: FetchEvent{
				TargetID: tgt.ID,
				Host:     tgt.Host,
				Kind:     kind.String(),
				Attempt:  c.attempt,
				Latency:  c.latency,
				Error:    c.err.Error(),
			}})
		}
		s.requeue(e, tgt.ID, 0, cur, now.Add(cur))
		return
	}

	delay := s.deps.Retry.DelayFor(c.err, c.attempt)
	s.log.Warn("fetch failed, retrying",
		logx.String("target", tgt.ID),
		logx.String("host", tgt.Host),
		logx.String("kind", kind.String()),
		logx.Int("attempt", c.attempt),
		logx.Duration("retry_in", delay),
		logx.Err(c.err))

	depth := s.requeue(e, tgt.ID, c.attempt, cur, now.Add(delay))

	s.publishFetch(FetchEvent{
		TargetID:   tgt.ID,
		Host:       tgt.Host,
		Kind:       kind.String(),
		Attempt:    c.attempt,
		Latency:    c.latency,
		NextIn:     delay,
		QueueDepth: depth,
		Error:      c.err.Error(),
	})
}

// requeue puts a completed entry back on the heap unless it was cancelled
// or replaced while the result was being applied. Returns queue depth.
func (s *Service) requeue(e *entry, targetID string, attempts int, interval time.Duration, due time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.attempts = attempts
	e.interval = interval
	if s.entries[targetID] == e && !e.discard {
		s.queue.push(e, due)
	}
	return s.queue.Len()
}

func (s *Service) publishFetch(ev FetchEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: "monitor.fetch", Data: ev})
}
