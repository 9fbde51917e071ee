// Package apperror defines the error taxonomy shared by the sync layer and the
// backing store service.
package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNetwork    ErrorType = "NETWORK"
	ErrorTypeCancelled  ErrorType = "CANCELLED"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeInternal   ErrorType = "INTERNAL"
)

// Error is a typed failure, optionally tied to the cache key it concerns.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Key     string    `json:"key,omitempty"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Type) + ": " + e.Message
	if e.Key != "" {
		msg += " [" + e.Key + "]"
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same type, so errors.Is(err, ErrConflict) works
// for every conflict regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Type == e.Type && t.Message == "" && t.Key == ""
}

// WithKey records the cache key the error concerns.
func (e *Error) WithKey(key fmt.Stringer) *Error {
	e.Key = key.String()
	return e
}

// WithCause wraps an underlying error
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// HTTPStatus maps the error type to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeNetwork:
		return http.StatusBadGateway
	case ErrorTypeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is.
var (
	ErrConflict   = &Error{Type: ErrorTypeConflict}
	ErrValidation = &Error{Type: ErrorTypeValidation}
	ErrNetwork    = &Error{Type: ErrorTypeNetwork}
	ErrCancelled  = &Error{Type: ErrorTypeCancelled}
	ErrNotFound   = &Error{Type: ErrorTypeNotFound}
	ErrInternal   = &Error{Type: ErrorTypeInternal}
)

func New(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// NewConflictError reports that the expected version no longer matches.
func NewConflictError(message string) *Error {
	if message == "" {
		message = "the record was changed by someone else; your edit was not applied"
	}
	return New(ErrorTypeConflict, message)
}

func NewValidationError(message string) *Error {
	return New(ErrorTypeValidation, message)
}

func NewNetworkError(message string, cause error) *Error {
	return New(ErrorTypeNetwork, message).WithCause(cause)
}

func NewCancellationError(cause error) *Error {
	return New(ErrorTypeCancelled, "operation cancelled").WithCause(cause)
}

func NewNotFoundError(resource string) *Error {
	return New(ErrorTypeNotFound, resource+" not found")
}

func NewInternalError(message string, cause error) *Error {
	return New(ErrorTypeInternal, message).WithCause(cause)
}

// TypeOf returns the type of err. Context cancellation and deadlines map to
// CANCELLED; other untyped errors are INTERNAL.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeCancelled
	}
	return ErrorTypeInternal
}

// Wrap converts err into an *Error, keeping typed errors as they are.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if t := TypeOf(err); t == ErrorTypeCancelled {
		return NewCancellationError(err)
	}
	return NewInternalError(message, err)
}

// Surface reports whether err should be shown to the user. Cancellations are
// silent.
func Surface(err error) bool {
	return err != nil && TypeOf(err) != ErrorTypeCancelled
}
