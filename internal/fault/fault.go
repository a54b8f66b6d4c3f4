// Package fault defines the error taxonomy shared by every engine component.
//
// Errors fall into four groups:
//   - task-level failures: a posted task, sweep callback, or listener panicked
//   - thread-level failures: a panic escaped a loop's outer frame
//   - protocol violations: engine-only operations called incorrectly
//   - timeouts: a shutdown join or pool termination wait exceeded its bound
//
// Task and thread failures are reported, never propagated to the consumer
// loop. Protocol violations fail fast. Timeouts are warnings.
package fault

import (
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/panics"

	"github.com/roach88/enginecore/internal/lane"
)

// Code categorizes an engine error.
type Code string

const (
	// CodeTaskFailed indicates a task, listener, or callback panicked.
	CodeTaskFailed Code = "TASK_FAILED"

	// CodeThreadFailed indicates a panic escaped a loop's outer frame.
	CodeThreadFailed Code = "THREAD_FAILED"

	// CodeProtocolViolation indicates an engine-only operation was misused.
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"

	// CodeTimeout indicates a bounded wait expired.
	CodeTimeout Code = "TIMEOUT"

	// CodeRejected indicates work was offered to a mailbox or pool that no
	// longer accepts it.
	CodeRejected Code = "REJECTED"

	// CodeLoadFailed indicates the asset pipeline could not produce an asset.
	CodeLoadFailed Code = "LOAD_FAILED"
)

// Error is the structured error type used throughout the engine.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Lane is the execution context the error was observed on, if known.
	Lane lane.Lane

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error

	// Stack is the goroutine stack captured at recovery time.
	Stack []byte
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Lane.Valid() {
		msg += " (lane=" + e.Lane.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with no cause.
func New(code Code, l lane.Lane, message string) *Error {
	return &Error{Code: code, Lane: l, Message: message}
}

// Wrap creates an Error around an existing cause.
func Wrap(code Code, l lane.Lane, message string, err error) *Error {
	return &Error{Code: code, Lane: l, Message: message, Err: err}
}

// Violation creates a protocol violation error. Callers normally panic with it.
func Violation(format string, args ...any) *Error {
	return &Error{Code: CodeProtocolViolation, Message: fmt.Sprintf(format, args...)}
}

// Catch runs f and returns the panic it raised, or nil.
func Catch(f func()) *panics.Recovered {
	var pc panics.Catcher
	pc.Try(f)
	return pc.Recovered()
}

// FromPanic converts a recovered panic into an Error. Returns nil if r is nil.
func FromPanic(code Code, l lane.Lane, message string, r *panics.Recovered) *Error {
	if r == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Lane:    l,
		Message: message,
		Err:     r.AsError(),
		Stack:   r.Stack,
	}
}

func hasCode(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsTaskFailure reports whether err is a task-level failure.
func IsTaskFailure(err error) bool { return hasCode(err, CodeTaskFailed) }

// IsThreadFailure reports whether err is a thread-level failure.
func IsThreadFailure(err error) bool { return hasCode(err, CodeThreadFailed) }

// IsProtocolViolation reports whether err is a protocol violation.
func IsProtocolViolation(err error) bool { return hasCode(err, CodeProtocolViolation) }

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return hasCode(err, CodeTimeout) }

// IsRejected reports whether err is a rejected submission.
func IsRejected(err error) bool { return hasCode(err, CodeRejected) }

// IsLoadFailure reports whether err is an asset load failure.
func IsLoadFailure(err error) bool { return hasCode(err, CodeLoadFailed) }
