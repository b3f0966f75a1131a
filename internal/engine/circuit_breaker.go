package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rendis/duratool/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting attempts
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the per-activity circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration `yaml:"cooldown"`
	// HalfOpenMax is the number of trial attempts allowed in half-open state.
	HalfOpenMax int `yaml:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = d.HalfOpenMax
	}
	return c
}

// CircuitStats is a diagnostic snapshot of one breaker.
type CircuitStats struct {
	Activity            string `json:"activity"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per activity name. Breakers are
// process-local; nothing about them is recorded in the log.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. Zero config fields take defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config.withDefaults(),
		now:      time.Now,
	}
}

// Allow checks whether an attempt of the activity may run. It returns a
// CIRCUIT_OPEN error while the circuit is open or its half-open trial slots
// are taken.
func (r *CircuitBreakerRegistry) Allow(activity string) error {
	cb := r.get(activity)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.openedAt)
		if elapsed < r.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for activity %q after %d consecutive failures", activity, cb.consecutiveFailures).
				WithDetails(map[string]any{
					"activity":             activity,
					"consecutive_failures": cb.consecutiveFailures,
					"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
				})
		}
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 1
		return nil

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for activity %q: trial attempt in progress", activity)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Record feeds an attempt outcome into the activity's breaker and returns the
// resulting state. Only retryable failures count against the breaker:
// cancellation, CIRCUIT_OPEN rejections and caller faults such as HTTP 4xx or
// invalid input leave the failure count untouched and free any half-open trial
// slot the attempt held.
func (r *CircuitBreakerRegistry) Record(activity string, err error) CircuitState {
	cb := r.get(activity)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil:
		cb.consecutiveFailures = 0
		cb.halfOpenAttempts = 0
		cb.state = CircuitClosed
	case !countsAsFailure(err):
		if cb.state == CircuitHalfOpen && cb.halfOpenAttempts > 0 {
			cb.halfOpenAttempts--
		}
	default:
		cb.consecutiveFailures++
		if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = r.now()
		}
	}
	return cb.state
}

// RetryAfter reports how long to wait before Allow can admit another attempt
// of the activity. It is zero when Allow would admit one now.
func (r *CircuitBreakerRegistry) RetryAfter(activity string) time.Duration {
	cb := r.get(activity)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if remaining := r.config.Cooldown - r.now().Sub(cb.openedAt); remaining > 0 {
			return remaining
		}
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return min(r.config.Cooldown, halfOpenPoll)
		}
	}
	return 0
}

// halfOpenPoll is how often a rejected attempt rechecks a half-open circuit
// whose trial slots are taken.
const halfOpenPoll = 100 * time.Millisecond

func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) || schema.ErrorCode(err) == schema.ErrCodeCircuitOpen {
		return false
	}
	return IsRetryableError(err, schema.RetryPolicy{})
}

// State returns the current state of an activity's circuit.
func (r *CircuitBreakerRegistry) State(activity string) CircuitState {
	cb := r.get(activity)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Stats returns diagnostic information about an activity's circuit.
func (r *CircuitBreakerRegistry) Stats(activity string) CircuitStats {
	state := r.State(activity)
	cb := r.get(activity)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitStats{
		Activity:            activity,
		State:               state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		FailureThreshold:    r.config.FailureThreshold,
		Cooldown:            r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) get(activity string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[activity]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[activity] = cb
	}
	return cb
}
