package provider

import (
	"fmt"
	"time"
)

// APIError is a provider rejection carrying the HTTP status and message.
// The provider was reached, so it counts as a job attempt.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error (status %d): %s", e.Status, e.Message)
}

// RateLimitError signals the provider throttled the account. RetryAfter is
// nil when the provider did not say how long to wait.
type RateLimitError struct {
	RetryAfter *time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("rate limited, retry after %s", *e.RetryAfter)
	}
	return "rate limited"
}

// AuthError covers missing credentials, refresh failures and expired-token
// rejections. These never count as job attempts.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Message, e.Err)
	}
	return "authentication failed: " + e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// InvalidResponseError signals the provider answered with a payload the
// executor could not interpret.
type InvalidResponseError struct {
	Message string
}

func (e *InvalidResponseError) Error() string {
	return "invalid provider response: " + e.Message
}
