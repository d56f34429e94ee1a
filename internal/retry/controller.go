package retry

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Policy is the backoff schedule for a single failure kind.
type Policy struct {
	// MaxAttempts is the total attempt budget including the first try.
	// Attempts at or beyond this count are terminal. Zero or negative means
	// "never retry".
	MaxAttempts int `json:"max_attempts"`
	// Base is the delay before the first retry.
	Base time.Duration `json:"base"`
	// Factor multiplies the delay per retry. Values below 1 are treated as 2.
	Factor float64 `json:"factor"`
	// Max caps the computed delay (and any retry-after hint).
	Max time.Duration `json:"max"`
	// Jitter is the symmetric fractional band applied to the final delay,
	// e.g. 0.1 yields delays in [0.9d, 1.1d].
	Jitter float64 `json:"jitter"`
}

// Config carries one policy per failure kind. Kinds without an entry fall
// back to the transient-network policy.
type Config struct {
	Policies map[Kind]Policy `json:"policies"`
}

// DefaultConfig returns the stock schedule: short exponential for network
// trouble, hint-friendly pacing for rate limits, a long steep ladder for bot
// blocks, and single-shot budgets for the kinds retrying cannot fix.
func DefaultConfig() Config {
	return Config{Policies: map[Kind]Policy{
		KindTransientNetwork: {MaxAttempts: 4, Base: time.Second, Factor: 2, Max: 30 * time.Second, Jitter: 0.1},
		KindRateLimited:      {MaxAttempts: 4, Base: 2 * time.Second, Factor: 2, Max: time.Minute, Jitter: 0.1},
		KindBlocked:          {MaxAttempts: 3, Base: 30 * time.Second, Factor: 3, Max: 15 * time.Minute, Jitter: 0.1},
		KindParseFailure:     {MaxAttempts: 1},
		KindDestinationBusy:  {MaxAttempts: 4, Base: 5 * time.Second, Factor: 2, Max: time.Minute, Jitter: 0.2},

		KindDestinationUnreachable: {MaxAttempts: 1},
		KindStoreUnavailable:       {MaxAttempts: 1},
	}}
}

func (c Config) policy(k Kind) Policy {
	if p, ok := c.Policies[k]; ok {
		return p
	}
	if p, ok := c.Policies[KindTransientNetwork]; ok {
		return p
	}
	return DefaultConfig().Policies[KindTransientNetwork]
}

// Controller turns (kind, attempt) pairs into delays and terminality
// decisions. Safe for concurrent use; Apply swaps the schedule live.
type Controller struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

// NewController builds a controller over cfg. A nil Policies map gets the
// defaults.
func NewController(cfg Config) *Controller {
	if cfg.Policies == nil {
		cfg = DefaultConfig()
	}
	return &Controller{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply replaces the schedule. In-flight decisions keep the old one.
func (c *Controller) Apply(cfg Config) {
	if cfg.Policies == nil {
		cfg = DefaultConfig()
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Policy returns the effective schedule for a kind.
func (c *Controller) Policy(k Kind) Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.policy(k)
}

// IsTerminal reports whether attempt (1-based, counting the first try)
// exhausted the kind's budget.
func (c *Controller) IsTerminal(k Kind, attempt int) bool {
	p := c.Policy(k)
	if p.MaxAttempts <= 0 {
		return true
	}
	return attempt >= p.MaxAttempts
}

// NextDelay computes the jittered delay before retry number attempt
// (attempt 1 is the first retry). Terminal kinds yield zero.
func (c *Controller) NextDelay(k Kind, attempt int) time.Duration {
	p := c.Policy(k)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Delay(p, attempt, c.rng)
}

// DelayFor is the error-aware variant: explicit retry-after hints override
// the schedule (bounded by the kind's cap, still jittered), everything else
// goes through Classify + NextDelay.
func (c *Controller) DelayFor(err error, attempt int) time.Duration {
	k := Classify(err)
	p := c.Policy(k)

	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		maxD := p.Max
		if maxD <= 0 {
			maxD = time.Minute
		}
		if d > maxD {
			d = maxD
		}
		// Jitter on top of the hint to avoid thundering herds.
		c.mu.Lock()
		defer c.mu.Unlock()
		if p.Jitter > 0 && d > 0 {
			r := (c.rng.Float64()*2 - 1) * p.Jitter
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d > maxD {
			d = maxD
		}
		return d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Delay(p, attempt, c.rng)
}

// TerminalFor reports whether err at the given attempt should stop retrying:
// either the error is marked NoRetry or the classified kind ran out of
// budget.
func (c *Controller) TerminalFor(err error, attempt int) bool {
	if IsNoRetry(err) {
		return true
	}
	return c.IsTerminal(Classify(err), attempt)
}

// Delay is the pure schedule: base * factor^(retry-1), capped, then
// jittered inside the symmetric band. rng may be nil to skip jitter.
func Delay(p Policy, retry int, rng *rand.Rand) time.Duration {
	if p.MaxAttempts <= 1 || p.Base <= 0 {
		return 0
	}
	base := p.Base
	maxD := p.Max
	if maxD <= 0 {
		maxD = 30 * time.Second
	}
	f := p.Factor
	if f < 1 {
		f = 2
	}

	d := base
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * f)
		if d > maxD {
			d = maxD
			break
		}
	}
	if d > maxD {
		d = maxD
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
