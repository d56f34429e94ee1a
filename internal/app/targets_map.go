package app

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/watch"
)

// mapTargets converts and validates the watch list. Disabled entries are
// kept with Active=false so the scheduler cancels them on reload instead of
// treating them as brand new when re-enabled.
func mapTargets(cfg *config.Config, now time.Time) ([]watch.Target, error) {
	if cfg == nil {
		return nil, nil
	}
	dests := destinationSet(cfg)

	seen := make(map[string]bool, len(cfg.Targets))
	out := make([]watch.Target, 0, len(cfg.Targets))
	for i, tc := range cfg.Targets {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			return nil, fmt.Errorf("targets[%d]: id is required", i)
		}
		key := strings.ToLower(id)
		if seen[key] {
			return nil, fmt.Errorf("targets: duplicate id %q", id)
		}
		seen[key] = true

		rawURL := strings.TrimSpace(tc.URL)
		u, err := url.Parse(rawURL)
		if err != nil || u.Hostname() == "" {
			return nil, fmt.Errorf("targets[%s]: invalid url %q", id, tc.URL)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
		default:
			return nil, fmt.Errorf("targets[%s]: url scheme must be http or https", id)
		}

		dest := strings.ToLower(strings.TrimSpace(tc.Destination))
		if dest == "" {
			return nil, fmt.Errorf("targets[%s]: destination is required", id)
		}
		if !dests[dest] {
			return nil, fmt.Errorf("targets[%s]: unknown destination %q", id, tc.Destination)
		}

		prio := tc.Priority
		if prio == 0 {
			prio = 3
		}
		if prio < 1 || prio > 3 {
			return nil, fmt.Errorf("targets[%s]: priority must be 1..3", id)
		}

		interval, err := parseDurationField(fmt.Sprintf("targets[%s].interval", id), tc.Interval)
		if err != nil {
			return nil, err
		}
		minIv, err := parseDurationField(fmt.Sprintf("targets[%s].min_interval", id), tc.MinInterval)
		if err != nil {
			return nil, err
		}
		maxIv, err := parseDurationField(fmt.Sprintf("targets[%s].max_interval", id), tc.MaxInterval)
		if err != nil {
			return nil, err
		}
		if minIv > 0 && maxIv > 0 && minIv > maxIv {
			return nil, fmt.Errorf("targets[%s]: min_interval %s exceeds max_interval %s", id, minIv, maxIv)
		}

		out = append(out, watch.Target{
			ID:          id,
			URL:         rawURL,
			Host:        watch.HostKey(rawURL),
			Destination: dest,
			Priority:    prio,
			Interval:    interval,
			MinInterval: minIv,
			MaxInterval: maxIv,
			Mentions:    tc.Mentions,
			Active:      !tc.Disabled,
			CreatedAt:   now,
		})
	}
	return out, nil
}
