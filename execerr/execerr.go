// ABOUTME: Engine-level error taxonomy shared by the navigator, replay, pipeline, and store packages.
// ABOUTME: Provides classified errors carrying machine-readable context and a suggested remediation.

package execerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error. Kinds are stable strings suitable for
// machine consumption (logs, API payloads, history entries).
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindConfiguration      Kind = "configuration_error"
	KindLLM                Kind = "llm_error"
	KindBrowser            Kind = "browser_error"
	KindTaskExecution      Kind = "task_execution_error"
	KindSessionReplay      Kind = "session_replay_error"
	KindCyclicDependency   Kind = "cyclic_dependency"
	KindDependencyConflict Kind = "dependency_conflict"
)

// Context carries machine-readable details about where an error occurred.
// Zero values mean "not applicable".
type Context struct {
	Task      string `json:"task,omitempty"`
	Node      string `json:"node,omitempty"`
	Step      int    `json:"step,omitempty"`
	ActionKey string `json:"action_key,omitempty"`
	LastURL   string `json:"last_url,omitempty"`
}

// Error is a classified engine error. It wraps an optional cause and carries
// enough context for a host to render a useful message without string parsing.
type Error struct {
	Kind       Kind
	Message    string
	Context    Context
	Suggestion string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithContext returns a copy of the error with the given context attached.
func (e *Error) WithContext(ctx Context) *Error {
	clone := *e
	clone.Context = ctx
	return &clone
}

// WithSuggestion returns a copy of the error with a suggested remediation.
func (e *Error) WithSuggestion(s string) *Error {
	clone := *e
	clone.Suggestion = s
	return &clone
}

// KindOf returns the classification of err, or an empty Kind when err is not
// (and does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified with the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
