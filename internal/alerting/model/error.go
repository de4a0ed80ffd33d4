package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and for the HTTP error body.
type Kind string

const (
	KindAuthenticationMissing     Kind = "authentication_missing"
	KindAuthorizationInsufficient Kind = "authorization_insufficient"
	KindValidation                Kind = "validation_error"
	KindNotFound                  Kind = "not_found"
	KindUpstreamUnavailable       Kind = "upstream_unavailable"
	KindExhausted                 Kind = "exhausted"
	KindChainTamper               Kind = "chain_tamper"
	KindInternal                  Kind = "internal"
)

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the kind and a human readable message.
type ErrorDetail struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Error is the control plane error type. Cause is optional.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func ValidationError(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func Unauthenticated(format string, args ...any) *Error {
	return newError(KindAuthenticationMissing, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(KindAuthorizationInsufficient, format, args...)
}

func Exhausted(format string, args ...any) *Error {
	return newError(KindExhausted, format, args...)
}

func ChainTamper(format string, args ...any) *Error {
	return newError(KindChainTamper, format, args...)
}

// Upstream wraps a probe or delivery transport failure.
func Upstream(cause error, format string, args ...any) *Error {
	e := newError(KindUpstreamUnavailable, format, args...)
	e.Cause = cause
	return e
}

// Internal wraps an unexpected failure, typically from a store.
func Internal(cause error, format string, args ...any) *Error {
	e := newError(KindInternal, format, args...)
	e.Cause = cause
	return e
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps a Kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthenticationMissing:
		return http.StatusUnauthorized
	case KindAuthorizationInsufficient:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindExhausted:
		return http.StatusConflict
	case KindChainTamper:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Response builds the error body for err.
func Response(err error) ErrorResponse {
	var e *Error
	if errors.As(err, &e) {
		return ErrorResponse{Error: ErrorDetail{Kind: e.Kind, Message: e.Message}}
	}
	return ErrorResponse{Error: ErrorDetail{Kind: KindInternal, Message: err.Error()}}
}
