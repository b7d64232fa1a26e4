// Package apperr defines the error taxonomy shared by the ledger, the gateway
// and the portal. Every failure surfaced to a caller carries exactly one Kind.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindForbidden           Kind = "FORBIDDEN"
	KindNotFound            Kind = "NOT_FOUND"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindConflict            Kind = "CONFLICT"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindCardInactive        Kind = "CARD_INACTIVE"
	KindCardExpired         Kind = "CARD_EXPIRED"
	KindInvalidAmount       Kind = "INVALID_AMOUNT"
	KindPermissionDenied    Kind = "PERMISSION_DENIED"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, apperr.NotFound("")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Unauthorized(msg string) *Error { return New(KindUnauthorized, "%s", msg) }
func Forbidden(msg string) *Error { return New(KindForbidden, "%s", msg) }
func NotFound(msg string) *Error { return New(KindNotFound, "%s", msg) }
func Validation(msg string) *Error { return New(KindValidation, "%s", msg) }
func Conflict(msg string) *Error { return New(KindConflict, "%s", msg) }
func RateLimited(msg string) *Error { return New(KindRateLimited, "%s", msg) }
func InsufficientBalance(msg string) *Error {
	return New(KindInsufficientBalance, "%s", msg)
}
func CardInactive(msg string) *Error { return New(KindCardInactive, "%s", msg) }
func CardExpired(msg string) *Error { return New(KindCardExpired, "%s", msg) }
func InvalidAmount(msg string) *Error { return New(KindInvalidAmount, "%s", msg) }
func PermissionDenied(msg string) *Error { return New(KindPermissionDenied, "%s", msg) }

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a Kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindInvalidAmount, KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case KindConflict, KindCardInactive, KindCardExpired:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a caller. Internal errors
// never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "An unexpected error occurred"
}
