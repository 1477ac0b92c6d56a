package fabric

import (
	"errors"
	"fmt"
)

// ErrorCode is a canonical gateway error kind. These are the only codes
// surfaced to clients.
type ErrorCode string

const (
	ErrBadInput           ErrorCode = "BAD_INPUT"
	ErrAuthDenied         ErrorCode = "AUTH_DENIED"
	ErrAuthInvalid        ErrorCode = "AUTH_INVALID"
	ErrAuthExpired        ErrorCode = "AUTH_EXPIRED"
	ErrAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentOffline       ErrorCode = "AGENT_OFFLINE"
	ErrCapabilityNotFound ErrorCode = "CAPABILITY_NOT_FOUND"
	ErrToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	ErrToolExecution      ErrorCode = "TOOL_EXECUTION_ERROR"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrUpstream           ErrorCode = "UPSTREAM_ERROR"
	ErrBusUnavailable     ErrorCode = "BUS_UNAVAILABLE"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
)

// Error is a domain error carrying a canonical code. Message text is safe
// to surface to clients; upstream error text goes into logs, not here.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E constructs a fabric error.
func E(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsError extracts a *Error from err, wrapping anything else as
// INTERNAL_ERROR with sanitized text.
func AsError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return E(ErrInternal, "internal error")
}

// CodeOf returns the canonical code of err, or INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	return AsError(err).Code
}
