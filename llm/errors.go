// ABOUTME: Error hierarchy for the unified LLM client.
// ABOUTME: Defines structured error types for provider, configuration, and parse failures with retryability.

package llm

import (
	"encoding/json"
)

// SDKError is the base error type for all errors in the LLM client.
// All other error types embed SDKError either directly or transitively.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns false for the base SDKError. Subtypes override this.
func (e *SDKError) IsRetryable() bool {
	return false
}

// ConfigurationError indicates a client-side misconfiguration: missing API
// key, unregistered provider, invalid temperature. Never retryable.
type ConfigurationError struct {
	SDKError
}

// ProviderError represents an error returned by an LLM provider's API.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64
	Raw        json.RawMessage
}

func (e *ProviderError) Error() string {
	return e.SDKError.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.SDKError.Unwrap()
}

// IsRetryable returns the Retryable flag set on the provider error.
func (e *ProviderError) IsRetryable() bool {
	return e.Retryable
}

// As enables errors.As to match SDKError from a ProviderError.
func (e *ProviderError) As(target any) bool {
	switch t := target.(type) {
	case **SDKError:
		*t = &e.SDKError
		return true
	default:
		return false
	}
}

// RateLimitError represents a 429 response. Retryable, honoring RetryAfter.
type RateLimitError struct {
	ProviderError
}

func (e *RateLimitError) Error() string     { return e.ProviderError.Error() }
func (e *RateLimitError) Unwrap() error     { return e.ProviderError.Unwrap() }
func (e *RateLimitError) IsRetryable() bool { return true }

// ServerError represents a 5xx response. Retryable.
type ServerError struct {
	ProviderError
}

func (e *ServerError) Error() string     { return e.ProviderError.Error() }
func (e *ServerError) Unwrap() error     { return e.ProviderError.Unwrap() }
func (e *ServerError) IsRetryable() bool { return true }

// InvalidRequestError represents a 4xx response other than auth or rate
// limiting. Not retryable.
type InvalidRequestError struct {
	ProviderError
}

func (e *InvalidRequestError) Error() string     { return e.ProviderError.Error() }
func (e *InvalidRequestError) Unwrap() error     { return e.ProviderError.Unwrap() }
func (e *InvalidRequestError) IsRetryable() bool { return false }

// TimeoutError indicates a single call exceeded its deadline while the
// surrounding operation is still live. Retryable: the next attempt gets a
// fresh deadline.
type TimeoutError struct {
	SDKError
}

func (e *TimeoutError) Error() string     { return e.SDKError.Error() }
func (e *TimeoutError) Unwrap() error     { return e.SDKError.Unwrap() }
func (e *TimeoutError) IsRetryable() bool { return true }

// ParseError indicates a completion arrived but could not be parsed into the
// requested structured shape. Retryable: a re-prompt frequently succeeds.
type ParseError struct {
	SDKError
	RawText string
}

func (e *ParseError) Error() string     { return e.SDKError.Error() }
func (e *ParseError) Unwrap() error     { return e.SDKError.Unwrap() }
func (e *ParseError) IsRetryable() bool { return true }
