package retry

// Kind classifies a failure for retry and breaker decisions.
//
// The fetch side produces the first four kinds; the delivery side produces the
// destination kinds; storage mirrors produce store_unavailable. Everything in
// the pipeline speaks this taxonomy so backoff, terminality and breaker
// pressure stay consistent no matter where an error was born.
type Kind string

const (
	// KindTransientNetwork: timeouts, resets, DNS hiccups. Retryable.
	KindTransientNetwork Kind = "transient_network"
	// KindRateLimited: the remote side asked us to slow down (HTTP 429 and
	// friends). Retryable, honors Retry-After hints.
	KindRateLimited Kind = "rate_limited"
	// KindBlocked: bot-detection signal (403/challenge page). Retryable on a
	// long, steep schedule; counts double toward breaker trips.
	KindBlocked Kind = "blocked"
	// KindParseFailure: the page fetched fine but the fields could not be
	// extracted. Retrying won't fix the extractor; terminal per attempt.
	KindParseFailure Kind = "parse_failure"
	// KindDestinationBusy: delivery target throttled or momentarily down.
	KindDestinationBusy Kind = "destination_busy"
	// KindDestinationUnreachable: delivery target is gone for good
	// (chat deleted, bot kicked, topic closed). Terminal.
	KindDestinationUnreachable Kind = "destination_unreachable"
	// KindStoreUnavailable: durable mirror write/read failed. Logged, never
	// retried; in-memory state stays authoritative.
	KindStoreUnavailable Kind = "store_unavailable"
)

func (k Kind) String() string { return string(k) }

// Retryable reports whether the kind can ever be retried under the default
// policy table. Per-kind ceilings still apply on top.
func (k Kind) Retryable() bool {
	switch k {
	case KindParseFailure, KindDestinationUnreachable, KindStoreUnavailable:
		return false
	default:
		return true
	}
}
