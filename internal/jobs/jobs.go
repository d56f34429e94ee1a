// Package jobs runs scheduled maintenance work: storage compaction, the
// daily change digest, and the link-quality probe. Schedules are cron specs
// (robfig/cron, seconds field optional); an empty spec disables that job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"stockwatch/internal/dispatch"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

// Config selects the schedules. Timezone names an IANA location for cron
// evaluation; empty means local time.
type Config struct {
	Enabled  bool
	Timezone string

	Compact string
	Digest  string
	// DigestDestination receives the digest notice. An empty destination
	// disables the digest even when a schedule is set.
	DigestDestination string
	Probe             string
}

// Enqueuer queues a routine notification. *dispatch.Service implements it.
type Enqueuer interface {
	Enqueue(t dispatch.Task) error
}

// Prober runs one link-quality measurement end to end (probe, publish,
// notify). *netprobe.Service implements it.
type Prober interface {
	Run(ctx context.Context) error
}

// Deps are the collaborators jobs act on. Any of them may be nil; a job
// whose dependency is missing logs once at Start and is skipped.
type Deps struct {
	Store  storage.Store
	Queue  Enqueuer
	Prober Prober
}

// JobEvent is published on the bus as "jobs.run" after every run.
type JobEvent struct {
	Name  string    `json:"name"`
	At    time.Time `json:"at"`
	Took  string    `json:"took"`
	Error string    `json:"error,omitempty"`
}

// RunInfo describes one job's last outcome for /status.
type RunInfo struct {
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_error,omitempty"`
	NextRun  time.Time `json:"next_run"`
}

// Snapshot is the job runner's diagnostics view.
type Snapshot struct {
	Enabled  bool               `json:"enabled"`
	Timezone string             `json:"timezone"`
	Jobs     map[string]RunInfo `json:"jobs"`
}

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	fn      func(ctx context.Context) error
}

// Service owns the cron runner. Safe for concurrent use.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location

	baseCtx context.Context
	cancel  context.CancelFunc

	entries map[string]cron.EntryID
	lastRun map[string]time.Time
	lastErr map[string]string

	now func() time.Time
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		deps: deps,
		log:  log.With(logx.String("comp", "jobs")),
		bus:  bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]cron.EntryID{},
		lastRun: map[string]time.Time{},
		lastErr: map[string]string{},
		now:     time.Now,
	}
}

// Apply replaces the config. Schedule or timezone changes restart the cron
// runner; a no-op change leaves running entries alone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	same := s.cfg == cfg
	s.cfg = cfg
	if same || s.c == nil {
		return
	}
	s.restartLocked()
}

// Start registers the configured jobs and starts cron. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Debug("disabled")
		return
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.entries = map[string]cron.EntryID{}

	registered := 0
	for _, def := range s.defsLocked() {
		if strings.TrimSpace(def.spec) == "" {
			continue
		}
		if def.fn == nil {
			s.log.Warn("job scheduled but its dependency is not configured, skipping",
				logx.String("job", def.name), logx.String("spec", def.spec))
			continue
		}
		def := def
		id, err := s.c.AddFunc(def.spec, func() { s.runJob(def) })
		if err != nil {
			s.log.Warn("invalid job schedule",
				logx.String("job", def.name), logx.String("spec", def.spec), logx.Err(err))
			continue
		}
		s.entries[def.name] = id
		registered++
	}

	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", registered))
}

// restartLocked rebuilds cron under the current config. Used on Apply when
// schedules or the timezone change.
func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if !s.cfg.Enabled {
		s.log.Info("disabled on reload")
		return
	}
	s.startLocked()
}

// Stop halts cron and cancels any in-flight run.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	if cancel != nil {
		cancel()
	}
	if c != nil {
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}
}

// RunJob triggers one job by name outside its schedule ("compact", "digest",
// "probe"). Used by the status API.
func (s *Service) RunJob(ctx context.Context, name string) error {
	var def *jobDef
	s.mu.Lock()
	for _, d := range s.defsLocked() {
		if d.name == name {
			d := d
			def = &d
			break
		}
	}
	s.mu.Unlock()

	if def == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	if def.fn == nil {
		return fmt.Errorf("job %q has no configured dependency", name)
	}

	rctx, cancel := context.WithTimeout(ctx, def.timeout)
	defer cancel()
	err := def.fn(rctx)
	s.record(def.name, err)
	return err
}

// defsLocked assembles the job table from config and available deps. A job
// whose dependency is missing keeps a nil fn so registration can warn.
func (s *Service) defsLocked() []jobDef {
	defs := make([]jobDef, 0, 3)

	var compactFn func(ctx context.Context) error
	if comp, ok := s.deps.Store.(storage.Compactor); ok && comp != nil {
		compactFn = func(ctx context.Context) error { return s.runCompact(ctx, comp) }
	}
	defs = append(defs, jobDef{name: "compact", spec: s.cfg.Compact, timeout: 2 * time.Minute, fn: compactFn})

	var digestFn func(ctx context.Context) error
	if s.deps.Store != nil && s.deps.Queue != nil && strings.TrimSpace(s.cfg.DigestDestination) != "" {
		dest := strings.TrimSpace(s.cfg.DigestDestination)
		digestFn = func(ctx context.Context) error { return s.runDigest(ctx, dest) }
	}
	defs = append(defs, jobDef{name: "digest", spec: s.cfg.Digest, timeout: 30 * time.Second, fn: digestFn})

	var probeFn func(ctx context.Context) error
	if s.deps.Prober != nil {
		probeFn = s.deps.Prober.Run
	}
	defs = append(defs, jobDef{name: "probe", spec: s.cfg.Probe, timeout: 15 * time.Minute, fn: probeFn})

	return defs
}

// runJob is the cron entry point: bounded context, panic recovery, outcome
// bookkeeping.
func (s *Service) runJob(def jobDef) {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		return
	}

	ctx, cancel := context.WithTimeout(base, def.timeout)
	defer cancel()

	start := s.now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panic: %v", r)
			}
		}()
		err = def.fn(ctx)
	}()
	took := time.Since(start)

	s.record(def.name, err)
	s.audit(def.name, took, err)
	s.publish(def.name, took, err)

	if err != nil {
		s.log.Warn("job failed", logx.String("job", def.name), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Info("job finished", logx.String("job", def.name), logx.Duration("took", took))
}

func (s *Service) record(name string, err error) {
	s.mu.Lock()
	s.lastRun[name] = s.now()
	if err != nil {
		s.lastErr[name] = err.Error()
	} else {
		delete(s.lastErr, name)
	}
	s.mu.Unlock()
}

func (s *Service) audit(name string, took time.Duration, err error) {
	st := s.deps.Store
	if st == nil {
		return
	}
	e := storage.AuditEntry{
		At:     s.now(),
		Actor:  "cron",
		Action: "jobs." + name,
		TookMS: took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = st.AppendAudit(ctx, e)
}

func (s *Service) publish(name string, took time.Duration, err error) {
	if s.bus == nil {
		return
	}
	ev := JobEvent{Name: name, At: s.now(), Took: took.Round(time.Millisecond).String()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: "jobs.run", Time: ev.At, Data: ev})
}

func (s *Service) runCompact(ctx context.Context, comp storage.Compactor) error {
	if err := comp.Compact(ctx); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	return nil
}

// Snapshot reports schedules and last outcomes.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tz := "Local"
	if s.loc != nil {
		tz = s.loc.String()
	}
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: tz, Jobs: map[string]RunInfo{}}
	for _, def := range s.defsLocked() {
		if strings.TrimSpace(def.spec) == "" {
			continue
		}
		info := RunInfo{
			Schedule: def.spec,
			LastRun:  s.lastRun[def.name],
			LastErr:  s.lastErr[def.name],
		}
		if s.c != nil {
			if id, ok := s.entries[def.name]; ok {
				info.NextRun = s.c.Entry(id).Next
			}
		}
		snap.Jobs[def.name] = info
	}
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// ValidateSpec checks a cron spec without registering it. The config
// validator uses it so a typo is rejected before commit.
func (s *Service) ValidateSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return errors.New("invalid cron spec: " + err.Error())
	}
	return nil
}
