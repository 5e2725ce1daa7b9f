package bus

import (
	"errors"
	"fmt"
	"time"
)

const (
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeRejected     = "rejected"
	CodeUnavailable  = "unavailable"
	CodeTimeout      = "timeout"
	CodeProtocol     = "protocol"
	CodeInternal     = "internal"
	CodeUnauthorized = "unauthorized"
)

type Error struct {
	Code       string
	Message    string
	Transient  bool
	RetryAfter int
	Status     int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation, CodeProtocol:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeNotFound:
		return 404
	case CodeRejected:
		return 409
	case CodeTimeout:
		return 408
	case CodeUnavailable:
		return 503
	default:
		return 500
	}
}

func newError(code, message string, transient bool, retryAfter time.Duration) *Error {
	retryAfterSec := 0
	if retryAfter > 0 {
		retryAfterSec = int(retryAfter.Seconds())
		if retryAfterSec <= 0 {
			retryAfterSec = 1
		}
	}
	return &Error{
		Code:       code,
		Message:    message,
		Transient:  transient,
		RetryAfter: retryAfterSec,
		Status:     statusForCode(code),
	}
}

func NewValidationJSONError(err error) error {
	return newError(CodeValidation, "invalid json: "+err.Error(), false, 0)
}

func NewValidationError(message string) error {
	return newError(CodeValidation, message, false, 0)
}

func NewNotFoundError(message string) error {
	return newError(CodeNotFound, message, false, 0)
}

func NewUnauthorizedError(message string) error {
	return newError(CodeUnauthorized, message, false, 0)
}

func NewUnavailableError(message string) error {
	return newError(CodeUnavailable, message, true, 0)
}

func NewInternalError(message string) error {
	return newError(CodeInternal, message, true, 0)
}

// NewTimeoutError reports a receive window that elapsed without a reply.
func NewTimeoutError(message string) error {
	return newError(CodeTimeout, message, true, 0)
}

// IsTransient reports whether err is a transport failure the caller may
// retry on its next cycle.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	return false
}

// HasCode reports whether err is a bus error with the given code.
func HasCode(err error, code string) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
