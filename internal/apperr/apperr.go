// Package apperr defines the user-visible failure taxonomy shared by every
// write path. Each failure is terminal for the request that produced it.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/intelboard/chatguard/internal/store"
)

// Kind classifies a failure. The string value is the wire code.
type Kind string

const (
	AuthRequired          Kind = "AUTH_REQUIRED"
	AccountSuspended      Kind = "ACCOUNT_SUSPENDED"
	RateLimited           Kind = "RATE_LIMITED"
	ValidationFailed      Kind = "VALIDATION_FAILED"
	ContentRejected       Kind = "CONTENT_REJECTED"
	QuotaExceeded         Kind = "QUOTA_EXCEEDED"
	NotFound              Kind = "NOT_FOUND"
	AccessDenied          Kind = "ACCESS_DENIED"
	TransientStoreFailure Kind = "TRANSIENT_STORE_FAILURE"
)

var httpStatus = map[Kind]int{
	AuthRequired:          http.StatusUnauthorized,
	AccountSuspended:      http.StatusForbidden,
	RateLimited:           http.StatusTooManyRequests,
	ValidationFailed:      http.StatusBadRequest,
	ContentRejected:       http.StatusUnprocessableEntity,
	QuotaExceeded:         http.StatusConflict,
	NotFound:              http.StatusNotFound,
	AccessDenied:          http.StatusForbidden,
	TransientStoreFailure: http.StatusServiceUnavailable,
}

// HTTPStatus returns the status code a Kind is reported with.
func (k Kind) HTTPStatus() int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfter hints when a RateLimited request may be retried.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap returns an Error of the given kind carrying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf classifies err. Store not-found maps to NotFound; anything else
// without an explicit kind (retry exhaustion, timeouts, backend errors) is a
// TransientStoreFailure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, store.ErrNotFound) {
		return NotFound
	}
	return TransientStoreFailure
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the user-facing message for err. Unclassified errors get
// a generic message so backend details never leak to clients.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, store.ErrRetriesExhausted):
		return "service busy, please retry"
	}
	return "temporary failure, please retry"
}

// RetryAfterOf returns the retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
