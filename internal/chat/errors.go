package chat

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeValidation      ErrorCode = "VALIDATION_ERROR"
	CodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeStorageFailure  ErrorCode = "STORAGE_FAILURE"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
)

var (
	ErrEmptyMessage  = errors.New("message has neither content nor media")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Error is what the write and history paths return to transports.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chat: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("chat: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf extracts the code of err, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Retryable reports whether a caller may retry the same request.
func (c ErrorCode) Retryable() bool {
	return c == CodeStorageFailure
}

func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeValidation:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
