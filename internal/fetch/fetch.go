package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

// Backend names accepted by Config.Backend.
const (
	BackendHTTP    = "http"
	BackendBrowser = "browser"
)

// Config drives both backends; browser-only fields are ignored by the HTTP
// client and vice versa.
type Config struct {
	// Backend selects the implementation: "http" (default) or "browser".
	Backend string `json:"backend"`
	// Timeout bounds one page load including the body read.
	Timeout time.Duration `json:"timeout"`
	// MinDelay/MaxDelay is the randomized pause taken before every request so
	// checks don't tick like a metronome.
	MinDelay time.Duration `json:"min_delay"`
	MaxDelay time.Duration `json:"max_delay"`
	// CacheBust appends a millisecond timestamp query param so intermediaries
	// can't serve a stale copy.
	CacheBust bool `json:"cache_bust"`
	// UserAgents is the rotation pool; empty means the built-in set.
	UserAgents []string `json:"user_agents"`
	// MaxBodyBytes caps how much of a page is read for extraction.
	MaxBodyBytes int64 `json:"max_body_bytes"`
	// Rules are per-host extraction patterns; a rule with an empty host
	// replaces the built-in fallback.
	Rules []Rule `json:"rules"`
}

func DefaultConfig() Config {
	return Config{
		Backend:      BackendHTTP,
		Timeout:      30 * time.Second,
		MinDelay:     100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		CacheBust:    true,
		MaxBodyBytes: 2 << 20,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = def.Backend
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = defaultUserAgents
	}
}

// Fetcher is what a backend provides. Close releases pooled connections or
// the browser process; it is safe to call once fetches have stopped.
type Fetcher interface {
	Fetch(ctx context.Context, t watch.Target) (watch.Fields, error)
	Close() error
}

// New builds the configured backend.
func New(cfg Config, log logx.Logger) (Fetcher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendHTTP:
		return NewClient(cfg, log)
	case BackendBrowser, "chrome", "chromedp":
		return NewBrowser(cfg, log)
	default:
		return nil, fmt.Errorf("unknown fetch backend %q", cfg.Backend)
	}
}

// defaultUserAgents is a small pool of current desktop and mobile browsers.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
}

// cacheBust appends `_=<unix millis>` to the query string. Unparseable URLs
// pass through untouched; the request will fail on its own terms.
func cacheBust(rawURL string, now time.Time) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("_", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// pause sleeps for d unless the context ends first.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pacer owns the randomness the backends share: the pre-request pause and
// the user-agent pick. rand.Rand is not goroutine-safe, hence the lock.
type pacer struct {
	mu       sync.Mutex
	rng      *rand.Rand
	min, max time.Duration
}

func newPacer(min, max time.Duration) *pacer {
	return &pacer{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		min: min,
		max: max,
	}
}

func (p *pacer) delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	span := p.max - p.min
	if span <= 0 {
		return p.min
	}
	return p.min + time.Duration(p.rng.Int63n(int64(span)))
}

func (p *pacer) pick(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return pool[p.rng.Intn(len(pool))]
}

// hostOf resolves the rule-lookup key for a target.
func hostOf(t watch.Target) string {
	if t.Host != "" {
		return t.Host
	}
	return watch.HostKey(t.URL)
}

// errListingGone marks 404/410 responses: nothing transient about them, the
// next scheduled check will look again anyway.
var errListingGone = errors.New("listing gone")
