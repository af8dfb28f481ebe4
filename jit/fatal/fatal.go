// Package fatal defines the process-terminating error raised by the JIT.
//
// A fatal error is raised with panic at the point of detection. Only the
// command line tool (which exits) and tests recover it.
package fatal

import "fmt"

// Error is a fatal JIT condition.
type Error struct {
	Op  string // operation that failed, e.g. "compile", "load"
	Msg string
	Err error
}

func (e *Error) Error() string {
	msg := "stackjit: " + e.Op + ": " + e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Raise panics with a fatal error.
func Raise(op string, err error, format string, args ...any) {
	panic(&Error{Op: op, Msg: fmt.Sprintf(format, args...), Err: err})
}

// From extracts a fatal error from a recovered value.
func From(r any) (*Error, bool) {
	e, ok := r.(*Error)
	return e, ok
}
