// Package cerr implements the CursorBot error taxonomy (spec §4.12, §7):
// a fixed set of error kinds, numeric codes grouped by thousand, redaction
// of sensitive fields before logging, and localized user-facing templates.
package cerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one of the fixed error kinds recognized by the core.
type Kind string

const (
	Validation        Kind = "validation"
	Unauthorized      Kind = "unauthorized"
	Forbidden         Kind = "forbidden"
	ElevationRequired Kind = "elevation_required"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	RateLimitExceeded Kind = "rate_limit_exceeded"
	Timeout           Kind = "timeout"
	Unavailable       Kind = "unavailable"
	Internal          Kind = "internal"
	ExecutorFailure   Kind = "executor_failure"
	CommandFailure    Kind = "command_failure"
)

// codeBase maps a Kind to its numeric code group, per §4.12:
// 1xxx internal, 2xxx validation, 3xxx auth/perm, 4xxx resource,
// 5xxx rate-limit, 6xxx external, 7xxx command.
var codeBase = map[Kind]int{
	Internal:          1000,
	Validation:        2000,
	Unauthorized:      3000,
	Forbidden:         3001,
	ElevationRequired: 3002,
	NotFound:          4000,
	Conflict:          4001,
	RateLimitExceeded: 5000,
	Timeout:           6000,
	Unavailable:       6001,
	ExecutorFailure:   6002,
	CommandFailure:    7000,
}

// Context carries optional provenance for an Error: who triggered it, over
// which transport, under which request, and what underlying cause (if any)
// produced it. Context is never logged or serialized without redaction.
type Context struct {
	User      string
	Transport string
	RequestID string
	Cause     error
}

// Error is the structured error type every component returns for the
// conditions named in §7. It carries a numeric code, a human message
// (localization-ready via Code), a details map for structured context, and
// an optional Context.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Details map[string]any
	Ctx     *Context

	// RetryAfter is populated for RateLimitExceeded per §7/§4.2.
	RetryAfter time.Duration
	// Provider is populated for ExecutorFailure per §4.6 LLMError mapping.
	Provider string
	// Command is populated for CommandFailure.
	Command string
}

func (e *Error) Error() string {
	if e.Ctx != nil && e.Ctx.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Ctx.Cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Ctx != nil {
		return e.Ctx.Cause
	}
	return nil
}

// New builds an Error of the given kind with a message and details.
func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{
		Kind:    kind,
		Code:    codeBase[kind],
		Message: message,
		Details: details,
	}
}

// Wrap builds an Error from an existing cause, preserving it for %w chains
// while keeping the cause out of any JSON/log serialization path unless
// explicitly redacted-and-included by the caller.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Code:    codeBase[kind],
		Message: message,
		Ctx:     &Context{Cause: cause},
	}
}

func (e *Error) WithContext(user, transport, requestID string) *Error {
	if e.Ctx == nil {
		e.Ctx = &Context{}
	}
	e.Ctx.User = user
	e.Ctx.Transport = transport
	e.Ctx.RequestID = requestID
	return e
}

func RateLimit(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       RateLimitExceeded,
		Code:       codeBase[RateLimitExceeded],
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
		Details:    map[string]any{"retry_after_seconds": retryAfter.Seconds()},
	}
}

func Executor(provider string, cause error) *Error {
	return &Error{
		Kind:     ExecutorFailure,
		Code:     codeBase[ExecutorFailure],
		Message:  "executor failure",
		Provider: provider,
		Ctx:      &Context{Cause: cause},
	}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As is a thin convenience wrapper over errors.As for *Error.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
