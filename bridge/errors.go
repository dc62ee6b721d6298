package bridge

import (
	"errors"
	"fmt"

	"github.com/guseggert/rbridge/protocol"
)

// ErrNotReady is returned by Invoke when the bridge is unprepared, failed, or
// terminated. The R process is never contacted in that case.
var ErrNotReady = errors.New("bridge is not ready")

// ErrResponseTimeout is returned when the configured maximum wait elapses
// before a framed response arrives. The process is left running; the next
// call may succeed.
var ErrResponseTimeout = errors.New("timed out waiting for response from R runtime")

// StartupError is a fatal failure to start or initialize the R process. A
// bridge that failed to prepare never becomes usable.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("could not start R, please check install and settings: %s", e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ProcessExitedError is a fatal failure: the R process terminated (or its
// stream reader failed) while the bridge still needed it.
type ProcessExitedError struct {
	ExitCode int
	// StreamErr is set when the failure was detected through a reader error
	// rather than an exit-status probe.
	StreamErr error
}

func (e *ProcessExitedError) Error() string {
	if e.StreamErr != nil {
		return fmt.Sprintf("lost stream from R runtime: %s", e.StreamErr)
	}
	return fmt.Sprintf("R runtime has terminated with return value %d", e.ExitCode)
}

func (e *ProcessExitedError) Unwrap() error { return e.StreamErr }

// InterpreterError is a per-call failure: R reported error text on stderr.
// The call is not retried, but the bridge stays usable.
type InterpreterError struct {
	Output string
}

func (e *InterpreterError) Error() string {
	return fmt.Sprintf("error from the R runtime: %s", e.Output)
}

// IsFatal reports whether err poisons the bridge: every subsequent call will
// fail fast without contacting the process. Per-call errors (interpreter
// errors, malformed responses, timeouts) are not fatal.
func IsFatal(err error) bool {
	var startupErr *StartupError
	var exitedErr *ProcessExitedError
	return errors.As(err, &startupErr) ||
		errors.As(err, &exitedErr) ||
		errors.Is(err, ErrNotReady)
}

// IsMalformedResponse reports whether err was a response that violated the
// framing protocol or failed to parse.
func IsMalformedResponse(err error) bool {
	return errors.Is(err, protocol.ErrMalformedResponse)
}
