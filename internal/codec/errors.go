package codec

import (
	"errors"
	"fmt"
)

// Code classifies a job-level compression failure.
type Code string

const (
	// UnsupportedInput marks malformed, encrypted or corrupt content that a
	// backend detected and refused.
	UnsupportedInput Code = "unsupported_input"
	// ResourceExhausted marks a job that ran out of memory or time budget.
	ResourceExhausted Code = "resource_exhausted"
	// InternalBackendFault marks any unexpected backend failure.
	InternalBackendFault Code = "internal_backend_fault"
)

// Error is the failure type shared by every backend.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code so callers can test against the
// sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Code == e.Code
}

var (
	ErrUnsupportedInput     = &Error{Code: UnsupportedInput}
	ErrResourceExhausted    = &Error{Code: ResourceExhausted}
	ErrInternalBackendFault = &Error{Code: InternalBackendFault}
)

// Unsupported wraps err as an UnsupportedInput failure.
func Unsupported(op string, err error) *Error {
	return &Error{Code: UnsupportedInput, Op: op, Err: err}
}

// Exhausted wraps err as a ResourceExhausted failure.
func Exhausted(op string, err error) *Error {
	return &Error{Code: ResourceExhausted, Op: op, Err: err}
}

// Fault wraps err as an InternalBackendFault.
func Fault(op string, err error) *Error {
	return &Error{Code: InternalBackendFault, Op: op, Err: err}
}

// Classify returns err as an *Error, wrapping anything outside the taxonomy
// as an InternalBackendFault.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return Fault(op, err)
}

// CodeOf returns the taxonomy code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code, true
	}
	return "", false
}
