package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	policy := schema.RetryPolicy{NonRetryableErrorKinds: []string{"quota_exceeded"}}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("attempt: %w", context.Canceled), false},
		{"attempt timeout", fmt.Errorf("attempt: %w", context.DeadlineExceeded), true},
		{"http 503", &activities.HTTPStatusError{StatusCode: 503}, true},
		{"http 429", &activities.HTTPStatusError{StatusCode: 429}, true},
		{"http 404", &activities.HTTPStatusError{StatusCode: 404}, false},
		{"explicit non-retryable", activities.NonRetryable(errors.New("bad input")), false},
		{"retryable activity error", &activities.Error{Kind: "flaky", Retryable: true}, true},
		{"non-retryable activity error", &activities.Error{Kind: activities.KindInvalidInput}, false},
		{"policy kind", &activities.Error{Kind: "quota_exceeded", Retryable: true}, false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"not found", schema.NewError(schema.ErrCodeNotFound, "gone"), false},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), true},
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"unclassified", errors.New("something broke"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err, policy))
		})
	}
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "http_503", ErrorKind(&activities.HTTPStatusError{StatusCode: 503}))
	assert.Equal(t, "tool_error", ErrorKind(&activities.Error{Kind: activities.KindToolError}))
	assert.Equal(t, schema.ErrCodeCircuitOpen, ErrorKind(schema.NewError(schema.ErrCodeCircuitOpen, "open")))
	assert.Equal(t, "timeout", ErrorKind(fmt.Errorf("slow: %w", context.DeadlineExceeded)))
	assert.Equal(t, "cancelled", ErrorKind(context.Canceled))
	assert.Equal(t, "network", ErrorKind(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, "error", ErrorKind(errors.New("plain")))
}

func TestComputeBackoff(t *testing.T) {
	policy := schema.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    5 * time.Second,
	}
	assert.Equal(t, time.Second, ComputeBackoff(policy, 1))
	assert.Equal(t, 2*time.Second, ComputeBackoff(policy, 2))
	assert.Equal(t, 4*time.Second, ComputeBackoff(policy, 3))
	assert.Equal(t, 5*time.Second, ComputeBackoff(policy, 4))
	assert.Equal(t, 5*time.Second, ComputeBackoff(policy, 60))
}

func TestComputeBackoff_DefaultPolicy(t *testing.T) {
	assert.Equal(t, 2*time.Second, ComputeBackoff(schema.RetryPolicy{}, 1))
	assert.Equal(t, 2*time.Second, ComputeBackoff(schema.RetryPolicy{}, 10))
}

func TestPolicyBackoff_StopsWhenExhausted(t *testing.T) {
	policy := schema.RetryPolicy{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 1,
		MaximumInterval:    time.Millisecond,
		MaximumAttempts:    3,
	}
	boom := errors.New("boom")

	attempts := 0
	err := retry.Do(context.Background(), policyBackoff(policy, &attempts), func(ctx context.Context) error {
		attempts++
		return retry.RetryableError(boom)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

func TestPolicyBackoff_GrowsWithAttempts(t *testing.T) {
	policy := schema.RetryPolicy{
		InitialInterval:    10 * time.Millisecond,
		BackoffCoefficient: 3,
		MaximumInterval:    50 * time.Millisecond,
	}
	attempts := 1
	b := policyBackoff(policy, &attempts)

	d, stop := b.Next()
	assert.False(t, stop)
	assert.Equal(t, 10*time.Millisecond, d)

	attempts = 2
	d, _ = b.Next()
	assert.Equal(t, 30*time.Millisecond, d)

	attempts = 3
	d, _ = b.Next()
	assert.Equal(t, 50*time.Millisecond, d)
}
