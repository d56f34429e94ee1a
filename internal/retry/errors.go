package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// NoRetry marks an error as non-retryable.
//
// Fetchers and senders can wrap permanent failures with NoRetry so the
// schedulers won't waste attempts on them.
//
// Example:
//
//	return retry.NoRetry(fmt.Errorf("target gone: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying.
//
// This is useful when the remote side returns a Retry-After value
// (e.g., HTTP 429). The computed delay respects the hint (bounded by the
// kind's cap) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Tag attaches a failure kind to an error. Fetchers and senders tag at the
// point where they still know what happened (HTTP status, parse step, bot
// challenge); everything downstream just calls Classify.
func Tag(err error, k Kind) error {
	if err == nil {
		return nil
	}
	return kindError{err: err, kind: k}
}

type kindError struct {
	err  error
	kind Kind
}

func (e kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e kindError) Unwrap() error { return e.err }

// KindOf extracts an explicitly tagged kind.
func KindOf(err error) (Kind, bool) {
	var e kindError
	if errors.As(err, &e) {
		return e.kind, true
	}
	return "", false
}

// Classify maps an arbitrary error onto the failure taxonomy. Explicit tags
// win; timeouts and cancellations read as transient network trouble, which
// is also the fallback for anything unrecognized.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if k, ok := KindOf(err); ok {
		return k
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return KindRateLimited
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransientNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	return KindTransientNetwork
}
