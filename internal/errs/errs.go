// Package errs implements the core's error taxonomy (spec §7). Every
// error that crosses the Send/Stream boundary is a *CoreError so the
// front-end can make routing/retry/status-code decisions without
// string-matching error messages.
package errs

import (
	"errors"
	"fmt"
)

// Code is one of the taxonomy entries from spec §7.
type Code string

const (
	InvalidRequest         Code = "InvalidRequest"
	NoCredentialAvailable  Code = "NoCredentialAvailable"
	UpstreamAuth           Code = "UpstreamAuth"
	UpstreamBadRequest     Code = "UpstreamBadRequest"
	UpstreamTransient      Code = "UpstreamTransient"
	UpstreamParseError     Code = "UpstreamParseError"
	ToolCallRepair         Code = "ToolCallRepair"
	Cancelled              Code = "Cancelled"
)

// CoreError carries everything the spec requires propagated errors to
// carry: a code, the upstream HTTP status if any, the request id, and
// a human-readable message, plus the wrapped cause for %w chains.
type CoreError struct {
	Code          Code
	Message       string
	HTTPStatus    int // 0 if not applicable
	RequestID     string
	UpstreamModel string // populated for UpstreamBadRequest (spec §4.6)
	Cause         error
}

func (e *CoreError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.UpstreamModel != "" {
		msg = fmt.Sprintf("%s (upstream model %q)", msg, e.UpstreamModel)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s [request %s]", msg, e.RequestID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *CoreError) Unwrap() error { return e.Cause }

// Retryable reports whether the provider client should retry this
// error on its own (transient 5xx/timeouts); auth retries are handled
// separately since they require rotating credentials, not just resending.
func (e *CoreError) Retryable() bool {
	return e.Code == UpstreamTransient
}

func New(code Code, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Invalid builds an InvalidRequest error — never retried, surfaced
// verbatim (spec §7).
func Invalid(format string, args ...any) *CoreError {
	return New(InvalidRequest, format, args...)
}

// NoCredential builds a NoCredentialAvailable error with the
// human-readable reason spec §7 requires (all disabled / all cooling
// down / refresh-failure lockout).
func NoCredential(reason string) *CoreError {
	return New(NoCredentialAvailable, "no credential available: %s", reason)
}

// Auth builds an UpstreamAuth error for a 401/403 response.
func Auth(httpStatus int, cause error) *CoreError {
	return &CoreError{Code: UpstreamAuth, Message: "upstream authentication failed", HTTPStatus: httpStatus, Cause: cause}
}

// BadRequest builds an UpstreamBadRequest error, embedding the
// upstream model id for diagnosability per spec §4.6/§7.
func BadRequest(upstreamModel string, cause error) *CoreError {
	return &CoreError{
		Code:          UpstreamBadRequest,
		Message:       "upstream rejected the request",
		HTTPStatus:    400,
		UpstreamModel: upstreamModel,
		Cause:         cause,
	}
}

// Transient builds an UpstreamTransient error for timeouts, resets,
// 429s, and 5xxs.
func Transient(httpStatus int, cause error) *CoreError {
	return &CoreError{Code: UpstreamTransient, Message: "transient upstream failure", HTTPStatus: httpStatus, Cause: cause}
}

// ParseError builds an UpstreamParseError for undecodable wire bytes.
func ParseError(cause error) *CoreError {
	return Wrap(UpstreamParseError, cause, "could not decode upstream response")
}

// CancelledErr builds a Cancelled error — never counted as an upstream
// failure by the credential manager (spec §5).
func CancelledErr() *CoreError {
	return New(Cancelled, "request cancelled")
}

// As is a thin convenience wrapper around errors.As for *CoreError,
// since every caller in this module wants the same assertion.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
