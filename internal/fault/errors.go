// Package fault defines the error taxonomy shared by the gate and the harness.
//
// Every failure that crosses a package boundary is a *Error carrying a Code.
// Callers branch on the code with Is, never on message text.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes failures.
type Code string

const (
	// CodeSchema indicates a malformed checkpoint or test case document.
	CodeSchema Code = "SCHEMA_ERROR"

	// CodeCapacity indicates the sandbox pool had no free slot.
	CodeCapacity Code = "CAPACITY_ERROR"

	// CodeProvisioning indicates a sandbox could not be created.
	CodeProvisioning Code = "PROVISIONING_ERROR"

	// CodePropagation indicates working-tree changes could not be mirrored.
	CodePropagation Code = "PROPAGATION_ERROR"

	// CodeTimeout indicates a session exceeded its allotted time.
	CodeTimeout Code = "EXECUTION_TIMEOUT"

	// CodeAssertion indicates an assertion predicate was not met.
	CodeAssertion Code = "ASSERTION_FAILURE"

	// CodeAggregation indicates a run report could not be persisted.
	CodeAggregation Code = "AGGREGATION_ERROR"
)

// Error is a categorized failure.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Transient marks failures worth retrying (only provisioning uses it).
	Transient bool

	// Details contains additional context (paths, ids, counts).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// With attaches a detail key and returns the receiver for chaining.
func (e *Error) With(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around an existing cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Transient wraps err as a retryable error of the given code.
func Transient(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err, Transient: true}
}

// CodeOf returns the code of the outermost *Error in err's chain,
// or the empty code if there is none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
// Uses errors.As to handle wrapped errors.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsTransient reports whether err is marked retryable.
// Timeouts and assertion failures are never retryable, whatever the flag says.
func IsTransient(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Code {
	case CodeTimeout, CodeAssertion:
		return false
	}
	return fe.Transient
}

// IsInfrastructure reports whether err is an infrastructure failure
// (exit code 2) as opposed to a test outcome.
func IsInfrastructure(err error) bool {
	switch CodeOf(err) {
	case CodeCapacity, CodeProvisioning, CodePropagation, CodeAggregation:
		return true
	}
	return false
}

// IsSystemic reports whether err should abort a whole batch rather than a
// single test case: pool exhaustion or a provisioning failure that survived
// its retries.
func IsSystemic(err error) bool {
	switch CodeOf(err) {
	case CodeCapacity:
		return true
	case CodeProvisioning:
		return !IsTransient(err)
	}
	return false
}
