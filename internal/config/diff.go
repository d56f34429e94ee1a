package config

import (
	"reflect"
	"sort"
	"strings"

	logx "stockwatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or passwords), and (3) the IDs of targets that were added, removed or
// modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	// Monitor (schedule shape)
	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Int("monitor.max_concurrent", newCfg.Monitor.MaxConcurrent),
			logx.String("monitor.default_interval", strings.TrimSpace(newCfg.Monitor.DefaultInterval)),
			logx.String("monitor.min_interval", strings.TrimSpace(newCfg.Monitor.MinInterval)),
			logx.String("monitor.max_interval", strings.TrimSpace(newCfg.Monitor.MaxInterval)),
		)
	}

	// Host gate (pacing + breaker)
	if !reflect.DeepEqual(oldCfg.HostGate, newCfg.HostGate) {
		changed = append(changed, "host_gate")
		attrs = append(attrs,
			logx.Float64("host_gate.fill_rate", newCfg.HostGate.FillRate),
			logx.Int("host_gate.burst", newCfg.HostGate.Burst),
			logx.Int("host_gate.trip_failures", newCfg.HostGate.TripFailures),
		)
	}

	// Retry schedules. Section may be nil (defaults).
	oRetry := derefRetry(oldCfg.Retry)
	nRetry := derefRetry(newCfg.Retry)
	if !reflect.DeepEqual(oRetry, nRetry) {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Bool("retry.present", newCfg.Retry != nil),
			logx.Int("retry.kind_count", len(nRetry.Kinds)),
		)
	}

	// Policy
	if !reflect.DeepEqual(oldCfg.Policy, newCfg.Policy) {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.Int("policy.notify_on_count", len(newCfg.Policy.NotifyOn)),
			logx.String("policy.price_drop_percent", strings.TrimSpace(newCfg.Policy.PriceDropPercent)),
			logx.String("policy.cooldown", strings.TrimSpace(newCfg.Policy.Cooldown)),
		)
	}

	// Fetch
	if !reflect.DeepEqual(oldCfg.Fetch, newCfg.Fetch) {
		changed = append(changed, "fetch")
		attrs = append(attrs,
			logx.String("fetch.backend", strings.TrimSpace(newCfg.Fetch.Backend)),
			logx.Int("fetch.rule_count", len(newCfg.Fetch.Rules)),
			logx.Int("fetch.user_agent_count", len(newCfg.Fetch.UserAgents)),
		)
	}

	// Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled == nil || *newCfg.Dispatch.Enabled),
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.capacity", newCfg.Dispatch.Capacity),
		)
	}

	// Transport (never log telegram token)
	if transportChanged(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.Bool("transport.telegram_set", newCfg.Transport.Telegram != nil),
			logx.Bool("transport.kafka_set", newCfg.Transport.Kafka != nil),
			logx.Int("transport.destination_count", len(newCfg.Transport.Destinations)),
		)
	}

	// Targets (summarize only; per-target detail is the third return value)
	targetChanged := diffTargets(oldCfg.Targets, newCfg.Targets)
	if len(targetChanged) > 0 {
		changed = append(changed, "targets")
		attrs = append(attrs,
			logx.Int("targets.changed_count", len(targetChanged)),
			logx.Int("targets.total", len(newCfg.Targets)),
			logx.Int("targets.enabled", countEnabledTargets(newCfg.Targets)),
		)
	}

	// Storage (never log password)
	if storageChanged(oldCfg.Storage, newCfg.Storage) {
		var nDriver string
		var nPathSet bool
		if newCfg.Storage != nil {
			nDriver = strings.TrimSpace(newCfg.Storage.Driver)
			nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		}
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	// API (never log token)
	if apiChanged(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.allow_insecure", newCfg.API.AllowInsecure),
		)
	}

	// Pprof (never log token)
	if pprofChanged(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Jobs
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Bool("jobs.enabled", newCfg.Jobs.Enabled),
			logx.Bool("jobs.compact_set", strings.TrimSpace(newCfg.Jobs.Compact) != ""),
			logx.Bool("jobs.digest_set", strings.TrimSpace(newCfg.Jobs.Digest) != ""),
			logx.Bool("jobs.probe_set", strings.TrimSpace(newCfg.Jobs.Probe) != ""),
		)
	}

	// Probe
	if !reflect.DeepEqual(oldCfg.Probe, newCfg.Probe) {
		changed = append(changed, "probe")
		attrs = append(attrs,
			logx.Bool("probe.enabled", newCfg.Probe.Enabled),
			logx.Int("probe.servers", newCfg.Probe.Servers),
			logx.Bool("probe.packet_loss", newCfg.Probe.PacketLoss),
		)
	}

	sort.Strings(changed)
	return changed, attrs, targetChanged
}

func derefRetry(r *RetryConfig) RetryConfig {
	if r == nil {
		return RetryConfig{}
	}
	return *r
}

// transportChanged treats tokens as set/unset so a token rotation still
// registers without the value ever reaching the diff output.
func transportChanged(o, n TransportConfig) bool {
	if (o.Telegram != nil) != (n.Telegram != nil) {
		return true
	}
	if o.Telegram != nil && n.Telegram != nil {
		if (strings.TrimSpace(o.Telegram.Token) != "") != (strings.TrimSpace(n.Telegram.Token) != "") ||
			strings.TrimSpace(o.Telegram.Token) != strings.TrimSpace(n.Telegram.Token) ||
			o.Telegram.ParseMode != n.Telegram.ParseMode ||
			o.Telegram.DisablePreview != n.Telegram.DisablePreview {
			return true
		}
	}
	if (o.Kafka != nil) != (n.Kafka != nil) {
		return true
	}
	if o.Kafka != nil && n.Kafka != nil && !reflect.DeepEqual(*o.Kafka, *n.Kafka) {
		return true
	}
	return !reflect.DeepEqual(o.Destinations, n.Destinations)
}

func storageChanged(o, n *StorageConfig) bool {
	if (o != nil) != (n != nil) {
		return true
	}
	if o == nil {
		return false
	}
	return !reflect.DeepEqual(*o, *n)
}

func apiChanged(o, n APIConfig) bool {
	// Compare token presence separately so the summary stays secret-free
	// while DeepEqual on the rest still catches everything.
	oc, nc := o, n
	oc.Token, nc.Token = "", ""
	if !reflect.DeepEqual(oc, nc) {
		return true
	}
	return strings.TrimSpace(o.Token) != strings.TrimSpace(n.Token)
}

func pprofChanged(o, n PprofConfig) bool {
	oc, nc := o, n
	oc.Token, nc.Token = "", ""
	if !reflect.DeepEqual(oc, nc) {
		return true
	}
	return strings.TrimSpace(o.Token) != strings.TrimSpace(n.Token)
}

func countEnabledTargets(ts []TargetConfig) int {
	n := 0
	for _, t := range ts {
		if !t.Disabled {
			n++
		}
	}
	return n
}

// diffTargets returns the IDs of targets that were added, removed or whose
// fields changed, sorted.
func diffTargets(oldT, newT []TargetConfig) []string {
	oldM := make(map[string]TargetConfig, len(oldT))
	for _, t := range oldT {
		oldM[t.ID] = t
	}
	newM := make(map[string]TargetConfig, len(newT))
	for _, t := range newT {
		newM[t.ID] = t
	}

	set := map[string]struct{}{}
	for id := range oldM {
		set[id] = struct{}{}
	}
	for id := range newM {
		set[id] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK {
			out = append(out, id)
			continue
		}
		if !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
