package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stockwatch/internal/config"
	"stockwatch/internal/dispatch"
	"stockwatch/internal/hostgate"
	"stockwatch/internal/jobs"
	"stockwatch/internal/monitor"
	"stockwatch/internal/netprobe"
	"stockwatch/internal/retry"
	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// mapLoggingConfig converts the logging section. The alert sink only arms
// when a destination is named; Enabled without one would queue lines nobody
// delivers.
func mapLoggingConfig(cfg *config.Config) logx.Config {
	var out logx.Config
	if cfg == nil {
		return out
	}
	lc := cfg.Logging

	out.Level = lc.Level
	out.Console = lc.Console
	out.File = logx.FileConfig{
		Enabled: lc.File.Enabled,
		Path:    lc.File.Path,
	}
	out.Alert = logx.AlertConfig{
		Enabled:    lc.Alert.Enabled && strings.TrimSpace(lc.Alert.Destination) != "",
		MinLevel:   lc.Alert.MinLevel,
		RatePerSec: lc.Alert.RatePerSec,
	}
	return out
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	out := monitor.DefaultConfig()
	if cfg == nil {
		return out, nil
	}
	mc := cfg.Monitor

	if mc.MaxConcurrent < 0 {
		return out, fmt.Errorf("monitor.max_concurrent must be >= 0")
	}
	if mc.MaxConcurrent > 0 {
		out.MaxConcurrent = mc.MaxConcurrent
	}
	if mc.Damping < 0 {
		return out, fmt.Errorf("monitor.damping must be >= 0")
	}
	if mc.Damping > 0 {
		out.Damping = mc.Damping
	}
	if mc.ColdAfter < 0 {
		return out, fmt.Errorf("monitor.cold_after must be >= 0")
	}
	if mc.ColdAfter > 0 {
		out.ColdAfter = mc.ColdAfter
	}

	var err error
	if out.DefaultInterval, err = parseDurationOrDefault("monitor.default_interval", mc.DefaultInterval, out.DefaultInterval); err != nil {
		return out, err
	}
	if out.MinInterval, err = parseDurationOrDefault("monitor.min_interval", mc.MinInterval, out.MinInterval); err != nil {
		return out, err
	}
	if out.MaxInterval, err = parseDurationOrDefault("monitor.max_interval", mc.MaxInterval, out.MaxInterval); err != nil {
		return out, err
	}
	if out.FetchTimeout, err = parseDurationOrDefault("monitor.fetch_timeout", mc.FetchTimeout, out.FetchTimeout); err != nil {
		return out, err
	}
	if out.GovernorRetryMax, err = parseDurationOrDefault("monitor.governor_retry_max", mc.GovernorRetryMax, out.GovernorRetryMax); err != nil {
		return out, err
	}

	if out.MinInterval > out.MaxInterval {
		return out, fmt.Errorf("monitor.min_interval %s exceeds monitor.max_interval %s", out.MinInterval, out.MaxInterval)
	}
	return out, nil
}

// mapHostGateConfig converts the pacing section. MaxInFlight and TripFailures
// pass negatives through: -1 disables that mechanism, only zero means
// "default".
func mapHostGateConfig(cfg *config.Config) (hostgate.Config, error) {
	out := hostgate.DefaultConfig()
	if cfg == nil {
		return out, nil
	}
	hc := cfg.HostGate

	if hc.FillRate < 0 {
		return out, fmt.Errorf("host_gate.fill_rate must be >= 0")
	}
	if hc.FillRate > 0 {
		out.FillRate = hc.FillRate
	}
	if hc.Burst > 0 {
		out.Burst = hc.Burst
	}
	if hc.MaxInFlight != 0 {
		out.MaxInFlight = hc.MaxInFlight
	}
	if hc.TripFailures != 0 {
		out.TripFailures = hc.TripFailures
	}
	if hc.CooldownFactor >= 1 {
		out.CooldownFactor = hc.CooldownFactor
	}

	var err error
	if out.BaseCooldown, err = parseDurationOrDefault("host_gate.base_cooldown", hc.BaseCooldown, out.BaseCooldown); err != nil {
		return out, err
	}
	if out.MaxCooldown, err = parseDurationOrDefault("host_gate.max_cooldown", hc.MaxCooldown, out.MaxCooldown); err != nil {
		return out, err
	}
	if out.ResetAfter, err = parseDurationOrDefault("host_gate.reset_after", hc.ResetAfter, out.ResetAfter); err != nil {
		return out, err
	}
	return out, nil
}

var retryKindNames = map[string]retry.Kind{
	"transient_network":       retry.KindTransientNetwork,
	"rate_limited":            retry.KindRateLimited,
	"blocked":                 retry.KindBlocked,
	"parse_failure":           retry.KindParseFailure,
	"destination_busy":        retry.KindDestinationBusy,
	"destination_unreachable": retry.KindDestinationUnreachable,
	"store_unavailable":       retry.KindStoreUnavailable,
}

// mapRetryConfig overlays config entries onto the default schedule. An entry
// replaces MaxAttempts outright (zero means "never retry"); Base, Max, Factor
// and Jitter only override when set so a partial entry keeps the rest of the
// kind's defaults.
func mapRetryConfig(cfg *config.Config) (retry.Config, error) {
	out := retry.DefaultConfig()
	if cfg == nil || cfg.Retry == nil {
		return out, nil
	}

	for name, pc := range cfg.Retry.Kinds {
		kind, ok := retryKindNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return out, fmt.Errorf("retry.kinds: unknown kind %q", name)
		}
		pol := out.Policies[kind]
		pol.MaxAttempts = pc.MaxAttempts

		if strings.TrimSpace(pc.Base) != "" {
			d, err := parseDurationField("retry.kinds."+name+".base", pc.Base)
			if err != nil {
				return out, err
			}
			pol.Base = d
		}
		if strings.TrimSpace(pc.Max) != "" {
			d, err := parseDurationField("retry.kinds."+name+".max", pc.Max)
			if err != nil {
				return out, err
			}
			pol.Max = d
		}
		if pc.Factor < 0 {
			return out, fmt.Errorf("retry.kinds.%s.factor must be >= 0", name)
		}
		if pc.Factor > 0 {
			pol.Factor = pc.Factor
		}
		if pc.Jitter < 0 || pc.Jitter > 1 {
			return out, fmt.Errorf("retry.kinds.%s.jitter must be in [0,1]", name)
		}
		if pc.Jitter > 0 {
			pol.Jitter = pc.Jitter
		}
		out.Policies[kind] = pol
	}
	return out, nil
}

var policyRuleNames = map[string]watch.Rule{
	"restock":        watch.RuleRestock,
	"price_drop":     watch.RulePriceDrop,
	"out_of_stock":   watch.RuleOutOfStock,
	"price_increase": watch.RulePriceIncrease,
	"preorder_open":  watch.RulePreorderOpen,
}

// mapPolicyConfig converts the notification policy. Empty threshold strings
// keep the defaults; an explicit "0" disables that axis.
func mapPolicyConfig(cfg *config.Config) (watch.Policy, error) {
	out := watch.DefaultPolicy()
	if cfg == nil {
		return out, nil
	}
	pc := cfg.Policy

	if len(pc.NotifyOn) > 0 {
		rules := make(map[watch.Rule]bool, len(pc.NotifyOn))
		for _, name := range pc.NotifyOn {
			r, ok := policyRuleNames[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return out, fmt.Errorf("policy.notify_on: unknown rule %q", name)
			}
			rules[r] = true
		}
		out.Rules = rules
	}

	if s := strings.TrimSpace(pc.PriceDropAbsolute); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return out, fmt.Errorf("policy.price_drop_absolute: invalid decimal %q: %w", s, err)
		}
		if d.Sign() < 0 {
			return out, fmt.Errorf("policy.price_drop_absolute must be >= 0")
		}
		out.DropAbsolute = d
	}
	if s := strings.TrimSpace(pc.PriceDropPercent); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return out, fmt.Errorf("policy.price_drop_percent: invalid decimal %q: %w", s, err)
		}
		if d.Sign() < 0 {
			return out, fmt.Errorf("policy.price_drop_percent must be >= 0")
		}
		out.DropPercent = d
	}

	var err error
	if out.Cooldown, err = parseDurationOrDefault("policy.cooldown", pc.Cooldown, out.Cooldown); err != nil {
		return out, err
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	out := dispatch.DefaultConfig()
	if cfg == nil {
		return out, nil
	}
	dc := cfg.Dispatch

	if dc.Enabled != nil {
		out.Enabled = *dc.Enabled
	}
	if dc.Workers < 0 {
		return out, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if dc.Workers > 0 {
		out.Workers = dc.Workers
	}
	if dc.Capacity < 0 {
		return out, fmt.Errorf("dispatch.capacity must be >= 0")
	}
	if dc.Capacity > 0 {
		out.Capacity = dc.Capacity
	}
	if dc.RatePerDest < 0 {
		return out, fmt.Errorf("dispatch.rate_per_dest must be >= 0")
	}
	if dc.RatePerDest > 0 {
		out.RatePerDest = dc.RatePerDest
	}
	if dc.Burst > 0 {
		out.Burst = dc.Burst
	}
	if dc.DedupMaxEntries > 0 {
		out.DedupMaxEntries = dc.DedupMaxEntries
	}
	if dc.PersistDedup != nil {
		out.PersistDedup = *dc.PersistDedup
	}

	var err error
	if out.SendTimeout, err = parseDurationOrDefault("dispatch.send_timeout", dc.SendTimeout, out.SendTimeout); err != nil {
		return out, err
	}
	// An explicit zero window disables dedup, so only an omitted field keeps
	// the default.
	if strings.TrimSpace(dc.DedupWindow) != "" {
		d, err := parseDurationField("dispatch.dedup_window", dc.DedupWindow)
		if err != nil {
			return out, err
		}
		out.DedupWindow = d
	}
	return out, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	var out jobs.Config
	if cfg == nil {
		return out, nil
	}
	jc := cfg.Jobs

	out.Enabled = jc.Enabled
	out.Timezone = strings.TrimSpace(jc.Timezone)
	out.Compact = strings.TrimSpace(jc.Compact)
	out.Digest = strings.TrimSpace(jc.Digest)
	out.DigestDestination = strings.TrimSpace(jc.DigestDestination)
	out.Probe = strings.TrimSpace(jc.Probe)

	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return out, fmt.Errorf("jobs.timezone: invalid %q: %w", out.Timezone, err)
		}
	}
	return out, nil
}

func mapProbeConfig(cfg *config.Config) (netprobe.Config, error) {
	var out netprobe.Config
	if cfg == nil {
		return out, nil
	}
	pc := cfg.Probe

	if pc.Servers < 0 {
		return out, fmt.Errorf("probe.servers must be >= 0")
	}
	if pc.PingConcurrency < 0 {
		return out, fmt.Errorf("probe.ping_concurrency must be >= 0")
	}

	out.Enabled = pc.Enabled
	out.Servers = pc.Servers
	out.PingConcurrency = pc.PingConcurrency
	out.PacketLoss = pc.PacketLoss
	out.Destination = strings.TrimSpace(pc.Destination)

	var err error
	if out.Timeout, err = parseDurationField("probe.timeout", pc.Timeout); err != nil {
		return out, err
	}
	if out.LatencyWarn, err = parseDurationField("probe.latency_warn", pc.LatencyWarn); err != nil {
		return out, err
	}
	return out, nil
}
