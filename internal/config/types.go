package config

// Config is the full watcher configuration.
//
// All duration fields are Go duration strings (e.g. "500ms", "30s", "5m");
// the app layer parses and validates them before handing typed configs to
// the components. Unknown keys are rejected on load so typos surface at
// startup or reload instead of silently meaning "default".
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Monitor drives the fetch schedule (concurrency, cadence bounds,
	// adaptive damping).
	Monitor MonitorConfig `json:"monitor"`

	// HostGate paces outbound fetches per host and trips the breaker on
	// failure streaks. Omitted fields keep the built-in polite defaults.
	HostGate HostGateConfig `json:"host_gate,omitempty"`

	// Retry overrides the per-failure-kind backoff schedules. Kinds without
	// an entry keep their defaults.
	Retry *RetryConfig `json:"retry,omitempty"`

	// Policy decides which transitions alert subscribers.
	Policy PolicyConfig `json:"policy,omitempty"`

	// Fetch selects the page fetcher backend and its extraction rules.
	Fetch FetchConfig `json:"fetch,omitempty"`

	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Transport TransportConfig `json:"transport"`

	// Targets is the watch list. Removing an entry cancels its schedule on
	// reload; in-flight fetch results for removed targets are discarded.
	Targets []TargetConfig `json:"targets"`

	// Storage is optional; nil or driver "none" runs memory-only.
	Storage *StorageConfig `json:"storage,omitempty"`

	API   APIConfig   `json:"api,omitempty"`
	Pprof PprofConfig `json:"pprof,omitempty"`
	Jobs  JobsConfig  `json:"jobs,omitempty"`
	Probe ProbeConfig `json:"probe,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log records at MinLevel and above to a notification
// destination, rate-limited. Destination names a transport destination; empty
// disables forwarding even when Enabled is true.
type LoggingAlert struct {
	Enabled     bool   `json:"enabled"`
	Destination string `json:"destination,omitempty"`
	MinLevel    string `json:"min_level,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type MonitorConfig struct {
	// MaxConcurrent bounds simultaneously in-flight fetches across all hosts.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// DefaultInterval seeds targets that set no interval of their own.
	DefaultInterval string `json:"default_interval,omitempty"`
	// MinInterval is the global floor; no target checks faster than this.
	MinInterval string `json:"min_interval,omitempty"`
	// MaxInterval caps how far damping may stretch a quiet target.
	MaxInterval string `json:"max_interval,omitempty"`
	// FetchTimeout converts a stalled fetch into a transient failure.
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	// Damping multiplies the interval once a target has been unchanged for
	// ColdAfter consecutive checks.
	Damping   float64 `json:"damping,omitempty"`
	ColdAfter int     `json:"cold_after,omitempty"`
	// GovernorRetryMax caps the requeue delay after a host-gate denial.
	GovernorRetryMax string `json:"governor_retry_max,omitempty"`
}

type HostGateConfig struct {
	// FillRate is tokens per second added to each host bucket; Burst is the
	// bucket capacity.
	FillRate float64 `json:"fill_rate,omitempty"`
	Burst    int     `json:"burst,omitempty"`
	// MaxInFlight caps concurrent fetches per host (-1 disables the cap).
	MaxInFlight int `json:"max_in_flight,omitempty"`
	// TripFailures opens the breaker after that many consecutive failures
	// (-1 disables the breaker).
	TripFailures   int     `json:"trip_failures,omitempty"`
	BaseCooldown   string  `json:"base_cooldown,omitempty"`
	MaxCooldown    string  `json:"max_cooldown,omitempty"`
	CooldownFactor float64 `json:"cooldown_factor,omitempty"`
	// ResetAfter forgives a failure streak once the host has been quiet
	// for this long.
	ResetAfter string `json:"reset_after,omitempty"`
}

// RetryConfig overrides backoff schedules per failure kind. Keys are the
// retry taxonomy names: transient_network, rate_limited, blocked,
// parse_failure, destination_busy, destination_unreachable.
type RetryConfig struct {
	Kinds map[string]RetryPolicyConfig `json:"kinds"`
}

type RetryPolicyConfig struct {
	// MaxAttempts is the total budget including the first try; 0 or negative
	// means "never retry".
	MaxAttempts int `json:"max_attempts"`
	// Base is the delay before the first retry; Factor multiplies it per
	// retry; Max caps the result; Jitter is the symmetric fractional band
	// (0.1 yields delays in [0.9d, 1.1d]).
	Base   string  `json:"base,omitempty"`
	Factor float64 `json:"factor,omitempty"`
	Max    string  `json:"max,omitempty"`
	Jitter float64 `json:"jitter,omitempty"`
}

// PolicyConfig tunes the notification policy table.
//
// NotifyOn lists enabled rules: "restock", "price_drop", "out_of_stock",
// "price_increase", "preorder_open". Empty keeps the default pair
// (restock + price_drop). Thresholds are decimal strings; a price move
// notifies when either axis is met, zero disables that axis.
type PolicyConfig struct {
	NotifyOn          []string `json:"notify_on,omitempty"`
	PriceDropAbsolute string   `json:"price_drop_absolute,omitempty"`
	PriceDropPercent  string   `json:"price_drop_percent,omitempty"`
	// Cooldown demotes repeat alerts for the same target inside the window.
	Cooldown string `json:"cooldown,omitempty"`
}

type FetchConfig struct {
	// Backend selects the fetcher: "http" (default) or "browser" (chromedp).
	Backend string `json:"backend,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// MinDelay/MaxDelay bound the randomized pre-request pause.
	MinDelay string `json:"min_delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
	// CacheBust defaults to true; pointer so an explicit false survives.
	CacheBust *bool `json:"cache_bust,omitempty"`
	// UserAgents overrides the built-in rotation pool.
	UserAgents   []string `json:"user_agents,omitempty"`
	MaxBodyBytes int64    `json:"max_body_bytes,omitempty"`
	// Rules are per-host extraction patterns; an entry with an empty host
	// replaces the built-in fallback rule.
	Rules []FetchRuleConfig `json:"rules,omitempty"`
}

type FetchRuleConfig struct {
	Host         string   `json:"host,omitempty"`
	InStock      []string `json:"in_stock,omitempty"`
	OutOfStock   []string `json:"out_of_stock,omitempty"`
	PreOrder     []string `json:"pre_order,omitempty"`
	Blocked      []string `json:"blocked,omitempty"`
	PricePattern string   `json:"price_pattern,omitempty"`
	TitlePattern string   `json:"title_pattern,omitempty"`
}

// DispatchConfig controls the outbound notification pipeline. Enabled and
// PersistDedup are pointers so "omitted" (default true) differs from an
// explicit false.
type DispatchConfig struct {
	Enabled         *bool   `json:"enabled,omitempty"`
	Workers         int     `json:"workers,omitempty"`
	Capacity        int     `json:"capacity,omitempty"`
	RatePerDest     float64 `json:"rate_per_dest,omitempty"`
	Burst           int     `json:"burst,omitempty"`
	SendTimeout     string  `json:"send_timeout,omitempty"`
	DedupWindow     string  `json:"dedup_window,omitempty"`
	DedupMaxEntries int     `json:"dedup_max_entries,omitempty"`
	PersistDedup    *bool   `json:"persist_dedup,omitempty"`
}

// TransportConfig wires destinations to delivery drivers. A driver section
// left nil is not constructed; destinations referencing it are rejected at
// validation.
type TransportConfig struct {
	Telegram     *TelegramTransport  `json:"telegram,omitempty"`
	Kafka        *KafkaTransport     `json:"kafka,omitempty"`
	Destinations []DestinationConfig `json:"destinations"`
}

type TelegramTransport struct {
	Token string `json:"token"`
	// ParseMode defaults to HTML; empty string keeps the default, "none"
	// sends payload text verbatim.
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

type KafkaTransport struct {
	Brokers []string `json:"brokers"`
	// Topic is the default for destinations without their own.
	Topic        string `json:"topic,omitempty"`
	BatchTimeout string `json:"batch_timeout,omitempty"`
}

// DestinationConfig binds a destination name (referenced by targets) to one
// driver endpoint.
type DestinationConfig struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`

	// Telegram endpoint.
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`

	// Kafka topic override.
	Topic string `json:"topic,omitempty"`
}

type TargetConfig struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Destination string `json:"destination"`
	// Priority 1..3; 1 outranks. Defaults to 3.
	Priority    int      `json:"priority,omitempty"`
	Interval    string   `json:"interval,omitempty"`
	MinInterval string   `json:"min_interval,omitempty"`
	MaxInterval string   `json:"max_interval,omitempty"`
	Mentions    []string `json:"mentions,omitempty"`
	// Disabled keeps the entry in config but out of the schedule.
	Disabled bool `json:"disabled,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Driver is "file", "sqlite", "redis" or "none".
type StorageConfig struct {
	Driver string `json:"driver"`
	// Path is the file prefix (file driver) or database file (sqlite).
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	Addr      string `json:"addr,omitempty"`     // redis host:port
	Password  string `json:"password,omitempty"` // redis
	DB        int    `json:"db,omitempty"`       // redis
	KeyPrefix string `json:"key_prefix,omitempty"`

	// EventHistory caps how many change events compaction retains.
	EventHistory int `json:"event_history,omitempty"`
}

// APIConfig controls the status/health HTTP server.
//
// Security follows the pprof rules: bind loopback, or set a token, or
// explicitly allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8844"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// JobsConfig schedules background maintenance. Schedules accept cron specs
// ("0 4 * * *", "@daily", "@every 6h"); an empty schedule disables that job.
type JobsConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// Compact rewrites storage into compact form (drivers that support it).
	Compact string `json:"compact,omitempty"`
	// Digest summarizes the last day of change events to a destination.
	Digest            string `json:"digest,omitempty"`
	DigestDestination string `json:"digest_destination,omitempty"`
	// Probe runs the link-quality probe.
	Probe string `json:"probe,omitempty"`
}

// ProbeConfig tunes the link-quality probe. The probe only runs when both
// this section and a jobs.probe schedule enable it.
type ProbeConfig struct {
	Enabled bool `json:"enabled"`
	// Servers is how many nearby speedtest servers to ping.
	Servers         int    `json:"servers,omitempty"`
	PingConcurrency int    `json:"ping_concurrency,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
	// LatencyWarn marks the run degraded when the best latency exceeds it.
	LatencyWarn string `json:"latency_warn,omitempty"`
	PacketLoss  bool   `json:"packet_loss,omitempty"`
	// Destination receives a routine-priority notice on degradation; empty
	// publishes bus events only.
	Destination string `json:"destination,omitempty"`
}
