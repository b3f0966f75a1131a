package schema

import (
	"math"
	"slices"
	"time"
)

// RetryPolicy controls how an activity is re-attempted. It is attached when the
// activity is scheduled and recorded in the log, so it cannot change afterwards.
type RetryPolicy struct {
	InitialInterval    time.Duration `json:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaximumInterval    time.Duration `json:"maximum_interval"`
	// MaximumAttempts of 0 means unbounded.
	MaximumAttempts        int      `json:"maximum_attempts"`
	NonRetryableErrorKinds []string `json:"non_retryable_error_kinds,omitempty"`
}

// DefaultRetryPolicy retries forever every 2s, capped at one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 1.0,
		MaximumInterval:    time.Minute,
	}
}

// WithDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = d.BackoffCoefficient
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = max(d.MaximumInterval, p.InitialInterval)
	}
	return p
}

// Backoff returns the wait before re-invoking after the given failed attempt (1-based):
// min(initial * coefficient^(attempt-1), maximum).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if d > float64(p.MaximumInterval) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaximumInterval
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempt may follow the given attempt number.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaximumAttempts > 0 && attempt >= p.MaximumAttempts
}

// IsNonRetryableKind reports whether kind is declared non-retryable by the policy.
func (p RetryPolicy) IsNonRetryableKind(kind string) bool {
	return kind != "" && slices.Contains(p.NonRetryableErrorKinds, kind)
}
