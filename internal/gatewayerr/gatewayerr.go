// Package gatewayerr defines the gateway's error taxonomy and its mapping
// onto HTTP status codes (spec.md §7).
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a gateway-level failure.
type Kind string

const (
	KindUnauthorized     Kind = "unauthorized"
	KindAccountDisabled  Kind = "account_disabled"
	KindLoopbackOnly     Kind = "loopback_only"
	KindQuotaExhausted   Kind = "quota_exhausted"
	KindTooManyRequests  Kind = "too_many_requests"
	KindUpstreamProtocol Kind = "upstream_protocol"
	KindUpstreamConnect  Kind = "upstream_connect_timeout"
	KindUpstreamIdle     Kind = "upstream_idle_timeout"
	KindInternal         Kind = "internal"
)

// httpStatus maps each Kind to the status code spec.md §7 requires.
var httpStatus = map[Kind]int{
	KindUnauthorized:     http.StatusUnauthorized,
	KindAccountDisabled:  http.StatusForbidden,
	KindLoopbackOnly:     http.StatusForbidden,
	KindQuotaExhausted:   http.StatusPaymentRequired,
	KindTooManyRequests:  http.StatusTooManyRequests,
	KindUpstreamProtocol: http.StatusBadGateway,
	KindUpstreamConnect:  http.StatusGatewayTimeout,
	KindUpstreamIdle:     http.StatusGatewayTimeout,
	KindInternal:         http.StatusInternalServerError,
}

// Error is a gateway-level error carrying a Kind plus optional structured
// detail (e.g. quota-exhaustion carries used/limit/reset_at).
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code for this error's Kind.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs a gateway Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a gateway Error that carries an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches structured detail to the error (e.g. quota counters).
func (e *Error) WithDetail(detail map[string]any) *Error {
	e.Detail = detail
	return e
}

// QuotaExhausted builds the Quota-exhausted error with the detail fields
// spec.md §7 requires: used, limit, reset_at.
func QuotaExhausted(used, limit int, resetAt time.Time) *Error {
	return New(KindQuotaExhausted, "quota exhausted for current period").WithDetail(map[string]any{
		"used":     used,
		"limit":    limit,
		"reset_at": resetAt.Format(time.RFC3339),
	})
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
