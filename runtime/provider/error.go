package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies provider failures into a small set of categories suitable
// for retry and dispatch decisions.
type Kind string

const (
	// KindAuth indicates authentication/authorization failures.
	KindAuth Kind = "auth"

	// KindInvalidRequest indicates the request is invalid and retrying
	// without changing it will not succeed.
	KindInvalidRequest Kind = "invalid_request"

	// KindRateLimited indicates the provider is throttling requests.
	KindRateLimited Kind = "rate_limited"

	// KindUnavailable indicates a transient provider failure (5xx, network
	// issues) where a retry may succeed.
	KindUnavailable Kind = "unavailable"

	// KindUnknown indicates an unclassified provider failure.
	KindUnknown Kind = "unknown"
)

// ErrRateLimited marks throttled calls. Adapters attach it to every
// rate-limited failure so callers can classify with errors.Is regardless of
// which SDK produced the error.
var ErrRateLimited = errors.New("provider rate limited")

// Error describes a failure returned by a model backend. It crosses package
// boundaries so the pool and rate-limiter can apply policy from stable,
// structured information instead of SDK-specific types.
type Error struct {
	provider  string
	operation string
	http      int
	kind      Kind
	code      string
	message   string
	requestID string
	cause     error
}

// NewError constructs an Error. provider and kind are required. cause may be
// nil but is recommended to preserve the original error chain.
func NewError(provider, operation string, httpStatus int, kind Kind, code, message, requestID string, cause error) *Error {
	if provider == "" {
		panic("provider: provider is required")
	}
	if kind == "" {
		panic("provider: error kind is required")
	}
	return &Error{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		requestID: requestID,
		cause:     cause,
	}
}

// Provider returns the backend identifier (for example, "anthropic").
func (e *Error) Provider() string { return e.provider }

// Operation returns the backend operation name when known.
func (e *Error) Operation() string { return e.operation }

// HTTPStatus returns the backend HTTP status code when available, otherwise 0.
func (e *Error) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained classification.
func (e *Error) Kind() Kind { return e.kind }

// Code returns the backend-specific error code when available.
func (e *Error) Code() string { return e.code }

// Message returns the backend error message when available.
func (e *Error) Message() string { return e.message }

// RequestID returns the backend request identifier when available.
func (e *Error) RequestID() string { return e.requestID }

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *Error) Retryable() bool {
	return e.kind == KindRateLimited || e.kind == KindUnavailable
}

func (e *Error) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

// Unwrap returns the underlying cause to preserve the original error chain.
// Rate-limited errors additionally unwrap to ErrRateLimited.
func (e *Error) Unwrap() error {
	if e.kind == KindRateLimited && e.cause == nil {
		return ErrRateLimited
	}
	return e.cause
}

// Is lets errors.Is(err, ErrRateLimited) match rate-limited Errors whatever
// their cause chain holds.
func (e *Error) Is(target error) bool {
	return target == ErrRateLimited && e.kind == KindRateLimited
}

// AsError returns the first Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRateLimited reports whether err represents backend throttling: the
// ErrRateLimited sentinel, a KindRateLimited Error, an HTTP 429, or a
// throttle-shaped message from an SDK the adapters don't normalize.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if pe, ok := AsError(err); ok {
		return pe.kind == KindRateLimited || pe.http == http.StatusTooManyRequests
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "throttl") ||
		strings.Contains(msg, "429")
}
