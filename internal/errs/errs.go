package errs

import (
	"context"
	"errors"
)

// Code is a harness error code.
type Code string

const (
	ElementNotFound     Code = "element_not_found"
	ActionTimeout       Code = "action_timeout"
	AssertionMismatch   Code = "assertion_mismatch"
	ActionFailed        Code = "action_failed"
	InfrastructureFault Code = "infrastructure_fault"
	InvalidArgument     Code = "invalid_argument"
	Internal            Code = "internal"
)

// Error is a coded harness error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a coded error with message.
func New(code Code, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a coded error with message and cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// CodeOf returns the error code, defaulting to internal.
// Bare context deadline errors are reported as action timeouts.
func CodeOf(err error) Code {
	if err == nil {
		return Internal
	}
	var coded *Error
	if errors.As(err, &coded) {
		if coded.Code == "" {
			return Internal
		}
		return coded.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ActionTimeout
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsFatal reports whether an error of this code stops a running scenario.
func IsFatal(code Code) bool {
	return code == InfrastructureFault
}
