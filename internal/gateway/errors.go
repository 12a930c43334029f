package gateway

import (
	"fmt"
	"net/http"
	"strings"
)

// Code classifies a failed dispatch. Codes are stable and surfaced to
// clients; raw upstream messages are not.
type Code string

const (
	CodeBusy              Code = "BUSY"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeTimeout           Code = "TIMEOUT"
	CodeUpstreamError     Code = "UPSTREAM_ERROR"
	CodeContentBlocked    Code = "CONTENT_BLOCKED"
	CodeBillingRestricted Code = "BILLING_RESTRICTED"
	CodeUnknownUpstream   Code = "UNKNOWN_UPSTREAM"
	CodeNoImages          Code = "NO_IMAGES"
)

// maxUpstreamMessage bounds how much of an upstream error ever reaches a
// client.
const maxUpstreamMessage = 100

// Error is the typed failure returned by every dispatcher.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

// Retryable reports whether err is a gateway error worth another attempt.
func Retryable(err error) bool {
	if ge, ok := err.(*Error); ok {
		return ge.Retryable
	}
	return false
}

// ErrorCode extracts the classification code, defaulting to UNKNOWN_UPSTREAM
// for errors that did not come through Classify (transport failures and the
// like).
func ErrorCode(err error) Code {
	if ge, ok := err.(*Error); ok {
		return ge.Code
	}
	return CodeUnknownUpstream
}

// Classify maps an upstream HTTP status and message onto the uniform error
// taxonomy. The mapping is identical for every backend variant.
func Classify(status int, message string) *Error {
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusServiceUnavailable:
		return &Error{Code: CodeBusy, Message: "backend busy", Retryable: true}
	case status == http.StatusTooManyRequests:
		return &Error{Code: CodeRateLimited, Message: "rate limited", Retryable: true}
	case status == http.StatusGatewayTimeout,
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"):
		return &Error{Code: CodeTimeout, Message: "backend timed out", Retryable: true}
	case status >= http.StatusInternalServerError:
		return &Error{Code: CodeUpstreamError, Message: "backend error", Retryable: true}
	case strings.Contains(lower, "safety"), strings.Contains(lower, "blocked"):
		return &Error{Code: CodeContentBlocked, Message: "request blocked by content policy", Retryable: false}
	case status == http.StatusForbidden && strings.Contains(lower, "restricted access"):
		return &Error{Code: CodeBillingRestricted, Message: "backend access restricted", Retryable: false}
	default:
		return &Error{Code: CodeUnknownUpstream, Message: Truncate(message, maxUpstreamMessage), Retryable: false}
	}
}

// Truncate bounds s to max characters.
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
