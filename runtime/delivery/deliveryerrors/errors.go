// Package deliveryerrors provides the structured error type shared by the
// delivery ledger, session manager and retransmitter. Error preserves error
// chains through Cause and supports errors.Is/As while remaining JSON
// serializable so failures can be persisted next to ledger records.
package deliveryerrors

import (
	"errors"
	"fmt"
)

type (
	// Code identifies a failure category. Codes are stable strings so they
	// survive persistence and transport unchanged.
	Code string

	// Class groups codes by how callers should react to them.
	Class int

	// Error is a structured delivery failure.
	Error struct {
		// Code is the machine readable failure category.
		Code Code `json:"code"`
		// Message is the human-readable summary of the failure.
		Message string `json:"message"`
		// Details carries optional diagnostic fields.
		Details map[string]string `json:"details,omitempty"`
		// Cause links to the underlying error, enabling errors.Is/As.
		Cause *Error `json:"cause,omitempty"`
	}
)

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeTimeout         Code = "TIMEOUT"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInternal        Code = "INTERNAL"
	CodeGapOverflow     Code = "GAP_OVERFLOW"
)

const (
	// ClassPermanent failures are never retried regardless of attempt count.
	ClassPermanent Class = iota
	// ClassValidation failures are surfaced to the caller immediately.
	ClassValidation
	// ClassTransient failures may succeed on retry subject to policy.
	ClassTransient
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// ClassOf returns the class of the given code. Unknown codes are permanent.
func ClassOf(code Code) Class {
	switch code {
	case CodeValidation:
		return ClassValidation
	case CodeTimeout, CodeUnavailable, CodeRateLimited:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// Retryable reports whether failures with the given code may be retried.
func Retryable(code Code) bool {
	return ClassOf(code) == ClassTransient
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Code: code, Message: message}
}

// Newf formats according to a format specifier and returns the result as an
// Error with the given code.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap constructs an Error that wraps cause. When message is empty the cause
// message is used.
func Wrap(code Code, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	e := New(code, message)
	e.Cause = FromError(cause)
	return e
}

// FromError converts an arbitrary error into an Error chain. Errors that are
// not already structured become CodeInternal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{
		Code:    CodeInternal,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// CodeOf returns the code of the first Error in err's chain, or the empty
// code when there is none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// WithDetail returns a copy of e with the detail key set.
func (e *Error) WithDetail(key, value string) *Error {
	out := e.Clone()
	if out.Details == nil {
		out.Details = make(map[string]string, 1)
	}
	out.Details[key] = value
	return out
}

// Clone returns a deep copy of e.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	out := *e
	if len(e.Details) > 0 {
		out.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			out.Details[k] = v
		}
	}
	out.Cause = e.Cause.Clone()
	return &out
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an Error with the same code. This lets callers
// match on a code with errors.Is(err, deliveryerrors.New(code, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}
