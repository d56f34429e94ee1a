package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"stockwatch/internal/retry"
	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

// renderSettle gives client-side availability widgets a beat to paint after
// the DOM reports ready.
const renderSettle = 200 * time.Millisecond

// Browser drives headless Chrome for pages that only render availability
// client-side. One browser process serves all fetches; every fetch gets a
// fresh tab. The process starts lazily on the first Run.
type Browser struct {
	cfg   Config
	log   logx.Logger
	rules *RuleSet
	pace  *pacer

	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewBrowser compiles the rules and prepares the Chrome allocator. The
// session keeps one user agent for its whole life: rotating the agent under
// a live browser fingerprint stands out more than keeping it.
func NewBrowser(cfg Config, log logx.Logger) (*Browser, error) {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	rules, err := CompileRules(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("fetch rules: %w", err)
	}

	pace := newPacer(cfg.MinDelay, cfg.MaxDelay)
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(pace.pick(cfg.UserAgents)),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "fetch")),
		rules:       rules,
		pace:        pace,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Fetch renders one target page in a fresh tab and extracts its fields.
func (b *Browser) Fetch(ctx context.Context, t watch.Target) (watch.Fields, error) {
	if err := pause(ctx, b.pace.delay()); err != nil {
		return watch.Fields{}, retry.Tag(err, retry.KindTransientNetwork)
	}

	reqURL := t.URL
	if b.cfg.CacheBust {
		reqURL = cacheBust(reqURL, time.Now())
	}

	tabCtx, cancelTab := chromedp.NewContext(b.allocCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.cfg.Timeout)
	defer cancelTimeout()

	// The tab descends from the allocator, not from the caller; mirror the
	// caller's cancellation onto it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cancelTimeout()
		case <-done:
		}
	}()

	start := time.Now()
	var body, title string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(reqURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(renderSettle),
		chromedp.OuterHTML("html", &body, chromedp.ByQuery),
		chromedp.Title(&title),
	)
	if err != nil {
		return watch.Fields{}, retry.Tag(fmt.Errorf("render %s: %w", t.URL, err), retry.KindTransientNetwork)
	}

	fields, err := b.rules.Extract(hostOf(t), body)
	if err != nil {
		return watch.Fields{}, fmt.Errorf("extract %s: %w", t.URL, err)
	}
	if fields.Title == "" {
		fields.Title = strings.TrimSpace(title)
	}

	b.log.Debug("rendered",
		logx.String("target", t.ID),
		logx.String("host", hostOf(t)),
		logx.String("status", string(fields.Status)),
		logx.Bool("price_known", fields.PriceKnown),
		logx.Duration("took", time.Since(start)))
	return fields, nil
}

// Close shuts the browser process down.
func (b *Browser) Close() error {
	b.allocCancel()
	return nil
}
