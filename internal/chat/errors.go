package chat

import (
	"errors"
	"fmt"
)

// Code classifies an Error. Codes group by the boundary that handles them.
type Code int

const (
	// Connection-fatal authentication failures 1000-1099
	CodeAuthNoCredential     Code = 1001
	CodeAuthInvalid          Code = 1002
	CodeAuthExpired          Code = 1003
	CodeAuthIdentityNotFound Code = 1004

	// Event-local failures 2000-2099
	CodeValidation Code = 2001
	CodeBlocked    Code = 2002
	CodeNotFound   Code = 2003

	// Infrastructure failures 5000-5099
	CodePersistence Code = 5001
)

// Error is the error type returned across the messaging core.
type Error struct {
	Code    Code   // classification
	Message string // safe to show to the client
	Err     error  // underlying cause, never sent to the client

	// BlockedCount is set on CodeBlocked errors.
	BlockedCount int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrBlocked)
// works on wrapped and customised copies.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates an error with the given code and client-safe message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns a copy of e carrying err as its cause.
func (e *Error) Wrap(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// WithMessage returns a copy of e with a different client-safe message.
func (e *Error) WithMessage(message string) *Error {
	c := *e
	c.Message = message
	return &c
}

// IsAuth reports whether err is one of the connection-fatal auth errors.
func IsAuth(err error) bool {
	code, ok := CodeOf(err)
	return ok && code >= 1000 && code < 1100
}

// CodeOf extracts the code of an *Error anywhere in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// MessageOf returns the client-safe message of err. Errors outside the
// taxonomy are reported generically.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrPersistence.Message
}

var (
	ErrNoCredential     = NewError(CodeAuthNoCredential, "authentication required")
	ErrInvalidToken     = NewError(CodeAuthInvalid, "invalid token")
	ErrTokenExpired     = NewError(CodeAuthExpired, "token expired")
	ErrIdentityNotFound = NewError(CodeAuthIdentityNotFound, "user not found")
)

var (
	ErrValidation = NewError(CodeValidation, "invalid request")
	ErrBlocked    = NewError(CodeBlocked, "message blocked")
	ErrNotFound   = NewError(CodeNotFound, "message not found")
)

var ErrPersistence = NewError(CodePersistence, "internal server error")

// Validation returns a validation error with the given client message.
func Validation(message string) *Error {
	return ErrValidation.WithMessage(message)
}

// Blocked returns a blocked error carrying the number of blocks involved.
func Blocked(message string, count int) *Error {
	e := ErrBlocked.WithMessage(message)
	e.BlockedCount = count
	return e
}

// Persistence wraps a storage failure.
func Persistence(err error) *Error {
	return ErrPersistence.Wrap(err)
}
