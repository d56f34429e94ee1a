// Package netprobe measures link quality against nearby speedtest servers:
// latency across the closest candidates and optional packet loss against the
// best one. A degraded link explains fetch failure bursts before anyone
// blames the shops.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	st "github.com/showwin/speedtest-go/speedtest"

	"stockwatch/internal/dispatch"
	"stockwatch/internal/eventbus"
	logx "stockwatch/pkg/logx"
)

var errProbeRunning = errors.New("probe already running")

// Config tunes one probe run.
type Config struct {
	Enabled bool
	// Servers is how many of the nearest servers to ping.
	Servers         int
	PingConcurrency int
	// Timeout bounds the whole run.
	Timeout time.Duration
	// LatencyWarn marks the run degraded when the best latency exceeds it.
	// Zero disables the latency check.
	LatencyWarn time.Duration
	// PacketLoss enables the loss analyzer against the best server.
	PacketLoss bool
	// Destination receives a routine-priority notice on degradation; empty
	// publishes bus events only.
	Destination string
}

func (c Config) withDefaults() Config {
	if c.Servers <= 0 {
		c.Servers = 5
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

// Report is one probe outcome.
type Report struct {
	At            time.Time     `json:"at"`
	BestLatency   time.Duration `json:"best_latency_ms"`
	MedianLatency time.Duration `json:"median_latency_ms"`
	Pinged        int           `json:"pinged"`
	Candidates    int           `json:"candidates"`
	LossPercent   float64       `json:"loss_percent"`
	ISP           string        `json:"isp,omitempty"`
	ServerName    string        `json:"server_name,omitempty"`
	ServerCountry string        `json:"server_country,omitempty"`
	Degraded      bool          `json:"degraded"`
	Reasons       []string      `json:"reasons,omitempty"`
	Took          string        `json:"took"`
}

// Enqueuer queues the degradation notice. *dispatch.Service implements it.
type Enqueuer interface {
	Enqueue(t dispatch.Task) error
}

// Service runs probes on demand (the jobs runner calls Run on its schedule).
// Safe for concurrent use; overlapping runs are rejected.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	queue   Enqueuer
	running bool
	last    *Report

	probeFn func(ctx context.Context, cfg Config) (*Report, error)
	now     func() time.Time
}

func New(cfg Config, queue Enqueuer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "netprobe")),
		bus:   bus,
		queue: queue,
		now:   time.Now,
	}
	s.probeFn = s.probe
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Last returns the most recent report, nil before the first run.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// Run executes one probe. It implements the jobs runner's Prober contract.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Debug("disabled, skipping run")
		return nil
	}
	if s.running {
		s.mu.Unlock()
		return errProbeRunning
	}
	s.running = true
	cfg := s.cfg.withDefaults()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	rep, err := s.probeFn(ctx, cfg)
	if err != nil {
		s.publishEvent("probe.failed", map[string]string{"error": err.Error()})
		return err
	}

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	s.publishEvent("probe.result", rep)
	if rep.Degraded {
		s.publishEvent("probe.degraded", rep)
		s.notify(cfg.Destination, rep)
		s.log.Warn("link degraded",
			logx.Duration("best_latency", rep.BestLatency),
			logx.Float64("loss_percent", rep.LossPercent),
			logx.String("reasons", strings.Join(rep.Reasons, "; ")))
		return nil
	}

	s.log.Info("link healthy",
		logx.Duration("best_latency", rep.BestLatency),
		logx.Duration("median_latency", rep.MedianLatency),
		logx.Float64("loss_percent", rep.LossPercent))
	return nil
}

// probe pings the nearest candidates and, when enabled, measures packet loss
// against the best of them.
func (s *Service) probe(ctx context.Context, cfg Config) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := s.now()

	// Package-level speedtest helpers keep global state between runs; a
	// fresh client per run stays clean. SavingMode keeps the ping-only run
	// light on memory.
	stc := st.New(st.WithUserConfig(&st.UserConfig{SavingMode: true}))
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}

	// Nearest candidates first; distance is cheap, pings are not.
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	n := cfg.Servers
	if n > len(servers) {
		n = len(servers)
	}
	candidates := servers[:n]

	pinged := pingCandidates(ctx, candidates, cfg.PingConcurrency)
	if len(pinged) == 0 {
		return nil, errors.New("all latency tests failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	best := pinged[0]

	rep := &Report{
		At:            s.now(),
		BestLatency:   best.Latency,
		MedianLatency: pinged[len(pinged)/2].Latency,
		Pinged:        len(pinged),
		Candidates:    n,
		ISP:           user.Isp,
		ServerName:    best.Sponsor,
		ServerCountry: best.Country,
	}

	if cfg.PacketLoss {
		host := best.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		rep.LossPercent = packetLoss(ctx, host)
	}

	if cfg.LatencyWarn > 0 && rep.BestLatency > cfg.LatencyWarn {
		rep.Degraded = true
		rep.Reasons = append(rep.Reasons,
			fmt.Sprintf("latency %s above %s", rep.BestLatency.Round(time.Millisecond), cfg.LatencyWarn))
	}
	if rep.LossPercent > 0 {
		rep.Degraded = true
		rep.Reasons = append(rep.Reasons, fmt.Sprintf("packet loss %.1f%%", rep.LossPercent))
	}

	rep.Took = time.Since(start).Round(time.Millisecond).String()
	return rep, nil
}

func pingCandidates(ctx context.Context, servers []*st.Server, maxConcurrent int) []*st.Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	sem := make(chan struct{}, maxConcurrent)
	out := make(chan *st.Server, len(servers))
	var wg sync.WaitGroup

	for _, srv := range servers {
		srv := srv
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			// PingTestContext sets srv.Latency.
			if err := srv.PingTestContext(ctx, nil); err != nil {
				return
			}
			out <- srv
		}()
	}

	wg.Wait()
	close(out)

	pinged := make([]*st.Server, 0, len(servers))
	for srv := range out {
		if srv.Latency <= 0 {
			continue
		}
		pinged = append(pinged, srv)
	}
	return pinged
}

func packetLoss(ctx context.Context, host string) float64 {
	if host == "" {
		return 0
	}
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	// LossPercent is already in 0..100.
	return pl.LossPercent()
}

func (s *Service) notify(dest string, rep *Report) {
	if dest == "" || s.queue == nil {
		return
	}
	err := s.queue.Enqueue(dispatch.Task{
		ID:          uuid.NewString(),
		Destination: dest,
		Payload:     renderDegraded(rep),
		Priority:    dispatch.PriorityRoutine,
		Kind:        "probe",
		State:       dispatch.TaskQueued,
		EnqueuedAt:  s.now(),
	})
	if err != nil {
		s.log.Warn("degradation notice not queued", logx.Err(err), logx.String("dest", dest))
	}
}

func renderDegraded(rep *Report) string {
	var b strings.Builder
	b.WriteString("⚠️ Link degraded: ")
	b.WriteString(strings.Join(rep.Reasons, "; "))
	fmt.Fprintf(&b, "\nBest ping %s (median %s, %d/%d servers)",
		rep.BestLatency.Round(time.Millisecond), rep.MedianLatency.Round(time.Millisecond),
		rep.Pinged, rep.Candidates)
	if rep.ServerName != "" {
		fmt.Fprintf(&b, "\nvia %s (%s)", rep.ServerName, rep.ServerCountry)
	}
	return b.String()
}

func (s *Service) publishEvent(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
