package activities

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds reported by the built-in activities.
const (
	KindInvalidInput  = "invalid_input"
	KindInvalidOutput = "invalid_output"
	KindToolError     = "tool_error"
	KindEmptyResponse = "empty_response"
)

// Error is an activity failure with an explicit kind and retry hint.
type Error struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatusError reports a non-2xx response from a downstream HTTP service.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Kind is the error kind recorded in the log, e.g. "http_503".
func (e *HTTPStatusError) Kind() string {
	return fmt.Sprintf("http_%d", e.StatusCode)
}

// Temporary reports whether the status is worth retrying: 5xx and 429.
func (e *HTTPStatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so the executor records a failure without retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was wrapped with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// KindOf returns the kind of an activity error, or "" if it carries none.
func KindOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var he *HTTPStatusError
	if errors.As(err, &he) {
		return he.Kind()
	}
	return ""
}
