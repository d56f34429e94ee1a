package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"stockwatch/internal/retry"
	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

// Client is the plain-HTTP backend. Safe for concurrent use; the scheduler
// runs many fetches against one Client.
type Client struct {
	cfg   Config
	log   logx.Logger
	rules *RuleSet
	hc    *http.Client
	pace  *pacer

	now func() time.Time
}

// NewClient compiles the extraction rules and builds the pooled transport.
func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	rules, err := CompileRules(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("fetch rules: %w", err)
	}

	connect := cfg.Timeout / 2
	if connect > 10*time.Second {
		connect = 10 * time.Second
	}
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "fetch")),
		rules: rules,
		hc:    &http.Client{Transport: tr, Timeout: cfg.Timeout},
		pace:  newPacer(cfg.MinDelay, cfg.MaxDelay),
		now:   time.Now,
	}, nil
}

// Fetch loads one target page and extracts its fields. Every error is tagged
// with a retry kind.
func (c *Client) Fetch(ctx context.Context, t watch.Target) (watch.Fields, error) {
	if err := pause(ctx, c.pace.delay()); err != nil {
		return watch.Fields{}, retry.Tag(err, retry.KindTransientNetwork)
	}

	reqURL := t.URL
	if c.cfg.CacheBust {
		reqURL = cacheBust(reqURL, c.now())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return watch.Fields{}, retry.NoRetry(retry.Tag(fmt.Errorf("build request: %w", err), retry.KindParseFailure))
	}
	c.setHeaders(req)

	start := c.now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return watch.Fields{}, retry.Tag(fmt.Errorf("fetch %s: %w", t.URL, err), retry.KindTransientNetwork)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		c.log.Debug("fetch rejected",
			logx.String("target", t.ID),
			logx.String("host", hostOf(t)),
			logx.Int("status", resp.StatusCode))
		return watch.Fields{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return watch.Fields{}, retry.Tag(fmt.Errorf("read body: %w", err), retry.KindTransientNetwork)
	}

	fields, err := c.rules.Extract(hostOf(t), string(body))
	if err != nil {
		return watch.Fields{}, fmt.Errorf("extract %s: %w", t.URL, err)
	}

	c.log.Debug("fetched",
		logx.String("target", t.ID),
		logx.String("host", hostOf(t)),
		logx.String("status", string(fields.Status)),
		logx.Bool("price_known", fields.PriceKnown),
		logx.Int("bytes", len(body)),
		logx.Duration("took", c.now().Sub(start)))
	return fields, nil
}

// Close releases pooled connections.
func (c *Client) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.pace.pick(c.cfg.UserAgents))
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "nl-NL,nl;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

// classifyStatus maps an HTTP response onto the failure taxonomy. nil means
// the body is worth extracting.
func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		err := retry.Tag(fmt.Errorf("rate limited: %s", resp.Status), retry.KindRateLimited)
		if d, ok := retryAfterHint(resp); ok {
			err = retry.RetryAfter(err, d)
		}
		return err
	case code == http.StatusForbidden:
		return retry.Tag(fmt.Errorf("access forbidden: %s", resp.Status), retry.KindBlocked)
	case code == http.StatusNotFound || code == http.StatusGone:
		return retry.Tag(fmt.Errorf("%w: %s", errListingGone, resp.Status), retry.KindParseFailure)
	case code == http.StatusRequestTimeout:
		return retry.Tag(fmt.Errorf("server timeout: %s", resp.Status), retry.KindTransientNetwork)
	case code >= 500:
		return retry.Tag(fmt.Errorf("server error: %s", resp.Status), retry.KindTransientNetwork)
	default:
		// Remaining 4xx: the request itself is wrong for this page; retrying
		// inside one streak won't change the answer.
		return retry.Tag(fmt.Errorf("unexpected status: %s", resp.Status), retry.KindParseFailure)
	}
}

// retryAfterHint parses a Retry-After header, either delta-seconds or an
// HTTP date.
func retryAfterHint(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
