package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/pkg/schema"
)

// IsRetryableError classifies an attempt failure under policy.
// Non-retryable: context cancellation, kinds the policy lists, explicit
// activities.NonRetryable wrappers, activity errors marked non-retryable,
// HTTP 4xx other than 429, and validation or not-found engine errors.
// Everything else is retried and left for the policy to bound.
func IsRetryableError(err error, policy schema.RetryPolicy) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if policy.IsNonRetryableKind(ErrorKind(err)) {
		return false
	}
	if activities.IsNonRetryable(err) {
		return false
	}

	// Attempt timeout, not shutdown.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *activities.HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}

	var actErr *activities.Error
	if errors.As(err, &actErr) {
		return actErr.Retryable
	}

	switch schema.ErrorCode(err) {
	case schema.ErrCodeValidation, schema.ErrCodeNotFound:
		return false
	}
	// Network errors, CIRCUIT_OPEN and unclassified failures.
	return true
}

// ErrorKind names an attempt failure for the log and for policy matching.
func ErrorKind(err error) string {
	if kind := activities.KindOf(err); kind != "" {
		return kind
	}
	if code := schema.ErrorCode(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "network"
	}
	return "error"
}

// ComputeBackoff returns the wait after the given failed attempt (1-based):
// min(initial * coefficient^(attempt-1), maximum).
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	return policy.WithDefaults().Backoff(attempt)
}

// policyBackoff adapts a retry policy to go-retry. attempts points at the
// caller's attempt counter; the backoff stops once the policy is exhausted.
func policyBackoff(policy schema.RetryPolicy, attempts *int) retry.Backoff {
	policy = policy.WithDefaults()
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if policy.Exhausted(*attempts) {
			return 0, true
		}
		return policy.Backoff(*attempts), false
	})
}
