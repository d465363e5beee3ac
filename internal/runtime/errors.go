package runtime

import (
	"errors"
	"fmt"
)

// Code is a closed set of runtime-command failure classes. The Design
// Notes call for tagged results over string-code membership tests, so
// call sites branch on Code via errors.As + IsCode, never on the error's
// formatted text.
type Code string

const (
	// CodeNoProfileAvailable means the runtime has not finished producing
	// a profile yet. Logged at info level; the caller retries.
	CodeNoProfileAvailable Code = "NO_PROFILE_AVAILABLE"

	// CodeNotEnoughELU means the worker was too idle during the profiling
	// window for the runtime to produce a meaningful profile. Logged at
	// info level; the caller does not retry.
	CodeNotEnoughELU Code = "NOT_ENOUGH_ELU"

	// CodeProfilingNotStarted means stopProfiling was called on a worker
	// that was never profiling. Swallowed during shutdown.
	CodeProfilingNotStarted Code = "PROFILING_NOT_STARTED"

	// CodeTransient covers HTTP/IPC failures talking to the runtime that
	// are expected to clear up on the next tick.
	CodeTransient Code = "TRANSIENT"
)

// Error wraps a runtime command failure with its Code.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runtime: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("runtime: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code Code) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
