package reliability

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a dispatch failure for the retry loop.
type Kind int

const (
	// KindTransient failures may succeed on retry (timeouts, throttling,
	// temporary sink unavailability).
	KindTransient Kind = iota
	// KindPermanent failures will not succeed on retry and abort the
	// session.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// TransientError tags an error as retryable regardless of its cause chain.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError tags an error as fatal for the session.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Classify maps a sink error to a retry decision. A deadline expiry counts
// as transient per the dispatch timeout rule; unknown errors also default
// to transient so a flaky platform adapter gets the retry budget before
// the session fails.
func Classify(err error) Kind {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return KindPermanent
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes for callers
// that reach the pipeline over an HTTP hop.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration for
// the given zero-based retry attempt.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
