package interp

// Interp is a running interpreter with line-queued stdout and stderr.
// Implementations are a local child process (this package) and a Docker
// container (package dockerinterp).
type Interp interface {
	// Write appends command text to the interpreter's stdin and flushes it so
	// the interpreter observes it immediately.
	Write(s string) error

	// Stdout and Stderr return the queues fed by the background stream readers.
	Stdout() *LineQueue
	Stderr() *LineQueue

	// Alive is a non-blocking liveness probe.
	Alive() bool

	// ExitCode returns the exit code once the interpreter has terminated.
	ExitCode() (int, bool)

	// Done is closed when the interpreter terminates, for waiting alongside
	// queue notifications.
	Done() <-chan struct{}

	// Terminate kills the interpreter. It is idempotent and safe to call on an
	// already-dead interpreter.
	Terminate() error
}
