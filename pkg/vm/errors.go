// Package vm - error handling with stack traces
package vm

import (
	"fmt"
	"strings"
)

// StackFrame is one rendered frame of an uncaught exception's captured
// StackTrace (value.TraceFrame, copied out once the exception reaches the
// host): the function it was raised through, the module that function
// belongs to, and the source line active at the time.
type StackFrame struct {
	Name       string // function name
	Selector   string // defining module name
	SourceLine int    // source line number (0 if unknown)
}

// RuntimeError is what Interpret returns when a script raises an exception
// that nothing catches (spec.md §7, CLI exit code 70): the exception's
// "err" message plus the stack trace captured while unwinding.
type RuntimeError struct {
	Message    string       // the uncaught exception's "err" field
	StackTrace []StackFrame // frames the exception unwound through
}

// Error implements the error interface.
// It formats the error message with a stack trace.
func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)

	if len(e.StackTrace) > 0 {
		b.WriteString("\n\nStack trace:")
		for i := len(e.StackTrace) - 1; i >= 0; i-- {
			frame := e.StackTrace[i]
			b.WriteString(fmt.Sprintf("\n  at %s", frame.Name))
			if frame.Selector != "" {
				b.WriteString(fmt.Sprintf(" (module: %s)", frame.Selector))
			}
			if frame.SourceLine > 0 {
				b.WriteString(fmt.Sprintf(" [line %d]", frame.SourceLine))
			}
		}
	}

	return b.String()
}

// newRuntimeError creates a new RuntimeError with the given message.
func newRuntimeError(message string, stack []StackFrame) *RuntimeError {
	return &RuntimeError{
		Message:    message,
		StackTrace: stack,
	}
}
