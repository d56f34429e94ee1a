package app

import (
	"fmt"
	"strings"

	"stockwatch/internal/config"
	"stockwatch/internal/fetch"
)

// mapFetchConfig converts the fetch section and compiles the extraction
// rules so a broken regex is rejected at validation instead of surfacing as
// parse failures at runtime.
func mapFetchConfig(cfg *config.Config) (fetch.Config, error) {
	out := fetch.DefaultConfig()
	if cfg == nil {
		return out, nil
	}
	fc := cfg.Fetch

	backend := strings.ToLower(strings.TrimSpace(fc.Backend))
	switch backend {
	case "":
		// keep default
	case fetch.BackendHTTP, fetch.BackendBrowser, "chrome", "chromedp":
		out.Backend = backend
	default:
		return out, fmt.Errorf("fetch.backend: unknown %q (want http or browser)", fc.Backend)
	}

	var err error
	if out.Timeout, err = parseDurationOrDefault("fetch.timeout", fc.Timeout, out.Timeout); err != nil {
		return out, err
	}
	if out.MinDelay, err = parseDurationOrDefault("fetch.min_delay", fc.MinDelay, out.MinDelay); err != nil {
		return out, err
	}
	if out.MaxDelay, err = parseDurationOrDefault("fetch.max_delay", fc.MaxDelay, out.MaxDelay); err != nil {
		return out, err
	}
	if out.MinDelay > out.MaxDelay {
		return out, fmt.Errorf("fetch.min_delay %s exceeds fetch.max_delay %s", out.MinDelay, out.MaxDelay)
	}

	if fc.CacheBust != nil {
		out.CacheBust = *fc.CacheBust
	}
	if len(fc.UserAgents) > 0 {
		out.UserAgents = fc.UserAgents
	}
	if fc.MaxBodyBytes < 0 {
		return out, fmt.Errorf("fetch.max_body_bytes must be >= 0")
	}
	if fc.MaxBodyBytes > 0 {
		out.MaxBodyBytes = fc.MaxBodyBytes
	}

	if len(fc.Rules) > 0 {
		rules := make([]fetch.Rule, 0, len(fc.Rules))
		for _, rc := range fc.Rules {
			rules = append(rules, fetch.Rule{
				Host:         strings.TrimSpace(rc.Host),
				InStock:      rc.InStock,
				OutOfStock:   rc.OutOfStock,
				PreOrder:     rc.PreOrder,
				Blocked:      rc.Blocked,
				PricePattern: rc.PricePattern,
				TitlePattern: rc.TitlePattern,
			})
		}
		if _, err := fetch.CompileRules(rules); err != nil {
			return out, fmt.Errorf("fetch.rules: %w", err)
		}
		out.Rules = rules
	}
	return out, nil
}
