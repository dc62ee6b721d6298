// Package bridge pairs one external R interpreter process with one configured
// R function, invoking it once per input record over a line-oriented stdin/
// stdout protocol.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guseggert/rbridge/internal/files"
	"github.com/guseggert/rbridge/interp"
	"github.com/guseggert/rbridge/protocol"
)

// DefaultExecutable is used when the config does not name an R executable.
const DefaultExecutable = "/usr/bin/R"

// jsonLibrary is always loaded; the wire protocol depends on its fromJSON and
// toJSON.
const jsonLibrary = "rjson"

// Config describes one bridge: which interpreter to run, what to load into
// it, and which function to call. Immutable after construction.
type Config struct {
	// Executable is the path of the R binary. Defaults to DefaultExecutable.
	Executable string

	// Libraries are loaded in order during Prepare. rjson is always appended.
	Libraries []string

	// Function is the name of the R function invoked once per call.
	Function string

	// InitCode is optional R source sent as one command after the libraries
	// are loaded.
	InitCode string
}

// NamedInitCode loads the init script "<name>.R", searching upward from the
// working directory.
func NamedInitCode(name string) (string, error) {
	return files.ReadUp(name + ".R")
}

// Starter launches an interpreter. The default starter runs Config.Executable
// as a local child process; dockerinterp provides a container-backed one.
type Starter func(ctx context.Context) (interp.Interp, error)

type state int

const (
	stateUnprepared state = iota
	stateReady
	stateFailed
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateUnprepared:
		return "unprepared"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	case stateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Bridge owns one interpreter process and invokes one R function against it.
// A bridge supports one in-flight call at a time; concurrent Invoke calls on
// the same instance are serialized.
type Bridge struct {
	log     *zap.SugaredLogger
	cfg     Config
	starter Starter
	maxWait time.Duration

	mut    sync.Mutex
	state  state
	interp interp.Interp

	// staleFrames counts response frames still owed by abandoned calls
	// (timeouts, cancellations, interpreter errors). awaitResponse discards
	// that many complete frames before accepting one as the current call's
	// response.
	staleFrames int
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

// WithMaxWait bounds how long Invoke waits for a framed response. On expiry
// Invoke returns ErrResponseTimeout and the process is left running for the
// next call. Zero means wait indefinitely (bounded only by liveness checks).
func WithMaxWait(d time.Duration) Option {
	return func(b *Bridge) {
		b.maxWait = d
	}
}

func WithStarter(s Starter) Option {
	return func(b *Bridge) {
		b.starter = s
	}
}

func New(cfg Config, opts ...Option) (*Bridge, error) {
	if cfg.Function == "" {
		return nil, errors.New("config names no function")
	}
	if cfg.Executable == "" {
		cfg.Executable = DefaultExecutable
	}
	hasJSON := false
	for _, lib := range cfg.Libraries {
		if lib == jsonLibrary {
			hasJSON = true
		}
	}
	if !hasJSON {
		cfg.Libraries = append(cfg.Libraries, jsonLibrary)
	}

	b := &Bridge{cfg: cfg}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building default logger: %w", err)
		}
		b.log = logger.Named("bridge").Sugar()
	}
	if b.starter == nil {
		b.starter = func(ctx context.Context) (interp.Interp, error) {
			return interp.Start(b.log, b.cfg.Executable)
		}
	}
	return b, nil
}

// Prepare starts the interpreter, loads the configured libraries, and runs
// the init code. Valid only on an unprepared bridge. Any failure here is
// fatal: the bridge transitions to failed and never becomes usable.
func (b *Bridge) Prepare(ctx context.Context) error {
	b.mut.Lock()
	defer b.mut.Unlock()

	if b.state != stateUnprepared {
		return fmt.Errorf("%w: prepare called on %s bridge", ErrNotReady, b.state)
	}

	it, err := b.starter(ctx)
	if err != nil {
		b.state = stateFailed
		return &StartupError{Err: err}
	}
	b.interp = it

	var sb strings.Builder
	for _, lib := range b.cfg.Libraries {
		sb.WriteString(protocol.EncodeLibrary(lib))
		sb.WriteString("\n")
	}
	if b.cfg.InitCode != "" {
		sb.WriteString(b.cfg.InitCode)
		sb.WriteString("\n")
	}
	if err := it.Write(sb.String()); err != nil {
		b.state = stateFailed
		it.Terminate()
		return &StartupError{Err: err}
	}

	b.log.Debugw("bridge prepared", "Function", b.cfg.Function, "Libraries", b.cfg.Libraries)
	b.state = stateReady
	return nil
}

// Invoke calls the configured function once with the given ordered values and
// blocks until the sentinel-framed response arrives. A nil result with a nil
// error means the function produced no output for this input.
//
// Fatal errors (dead process, lost streams) poison the bridge; interpreter
// errors, malformed responses, and timeouts are scoped to this call.
func (b *Bridge) Invoke(ctx context.Context, input []interface{}) ([]interface{}, error) {
	b.mut.Lock()
	defer b.mut.Unlock()

	if b.state != stateReady {
		return nil, fmt.Errorf("%w: bridge is %s", ErrNotReady, b.state)
	}

	log := b.log.With("CallID", uuid.NewString())

	if err := b.checkInterpErr(); err != nil {
		return nil, err
	}
	if err := b.checkFatal(); err != nil {
		return nil, err
	}

	stmts, err := protocol.EncodeCall(b.cfg.Function, input)
	if err != nil {
		return nil, err
	}
	if err := b.interp.Write(strings.Join(stmts, "\n") + "\n"); err != nil {
		// a broken pipe can be observed before the exit-status probe catches
		// up, so give the probe a moment before classifying
		select {
		case <-b.interp.Done():
		case <-time.After(drainGrace):
		}
		if fatalErr := b.checkFatal(); fatalErr != nil {
			return nil, fatalErr
		}
		return nil, fmt.Errorf("sending call: %w", err)
	}

	if b.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.maxWait)
		defer cancel()
	}

	payload, err := b.awaitResponse(ctx, log)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeValues(payload)
}

// drainGrace bounds how long to wait, after the process has exited, for the
// stdout reader to deliver output that was buffered before death.
const drainGrace = 3 * time.Second

// awaitResponse blocks until a complete frame has been collected from the
// stdout queue, checking the error queue and process liveness before each
// wait so a dead or erroring interpreter fails the call instead of hanging.
//
// Frames owed by abandoned calls are discarded first, including the tail of
// a frame a timed-out call received only the head of. A frame must never be
// attributed to a call that did not send its statements.
func (b *Bridge) awaitResponse(ctx context.Context, log *zap.SugaredLogger) (string, error) {
	stdout := b.interp.Stdout()
	stderr := b.interp.Stderr()

	var frame protocol.Frame
	var drainTimer *time.Timer
	var drainCh <-chan time.Time

	for {
		for {
			line, ok := stdout.TryRecv()
			if !ok {
				break
			}
			done, err := frame.Add(line)
			if err != nil {
				if b.staleFrames > 0 {
					// the tail of a frame an abandoned call already consumed
					// the head of
					b.staleFrames--
					frame = protocol.Frame{}
					continue
				}
				return "", err
			}
			if !done {
				continue
			}
			if b.staleFrames > 0 {
				log.Debugw("discarding response frame from an abandoned call", "Payload", frame.Payload())
				b.staleFrames--
				frame = protocol.Frame{}
				continue
			}
			return frame.Payload(), nil
		}

		if err := b.checkInterpErr(); err != nil {
			// R keeps executing the remaining statements after an error, so
			// this call's frame can still arrive later
			b.staleFrames++
			return "", err
		}

		alive := b.interp.Alive()
		if closed, err := stdout.Closed(); closed {
			b.state = stateFailed
			if err == nil && !alive {
				code, _ := b.interp.ExitCode()
				return "", &ProcessExitedError{ExitCode: code}
			}
			if err == nil {
				err = errors.New("stdout stream closed")
			}
			return "", &ProcessExitedError{StreamErr: err}
		}
		if alive {
			if closed, err := stderr.Closed(); closed {
				b.state = stateFailed
				if err == nil {
					err = errors.New("stderr stream closed")
				}
				return "", &ProcessExitedError{StreamErr: err}
			}
		} else if drainTimer == nil {
			// The process is gone but its stdout queue is still open: the
			// reader may be draining output written before death, so keep
			// collecting briefly rather than failing a completed response.
			drainTimer = time.NewTimer(drainGrace)
			defer drainTimer.Stop()
			drainCh = drainTimer.C
		}

		// A dead process's done channel is already closed; selecting on it
		// would spin.
		var doneCh <-chan struct{}
		if alive {
			doneCh = b.interp.Done()
		}

		log.Debug("waiting for answer from R")
		select {
		case <-ctx.Done():
			b.staleFrames++
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w (max wait %s)", ErrResponseTimeout, b.maxWait)
			}
			return "", ctx.Err()
		case <-drainCh:
			b.state = stateFailed
			code, _ := b.interp.ExitCode()
			return "", &ProcessExitedError{ExitCode: code}
		case <-stdout.Notify():
		case <-stderr.Notify():
		case <-doneCh:
		}
	}
}

// checkInterpErr drains the error queue; any content is a per-call
// interpreter error.
func (b *Bridge) checkInterpErr() error {
	var sb strings.Builder
	for {
		line, ok := b.interp.Stderr().TryRecv()
		if !ok {
			break
		}
		sb.WriteString(line)
	}
	if sb.Len() > 0 {
		return &InterpreterError{Output: sb.String()}
	}
	return nil
}

// checkFatal probes process liveness and the stream readers. Any trouble
// here permanently fails the bridge.
func (b *Bridge) checkFatal() error {
	if !b.interp.Alive() {
		b.state = stateFailed
		code, _ := b.interp.ExitCode()
		return &ProcessExitedError{ExitCode: code}
	}
	// A closed stream on a live process means a reader died; "no reader" is as
	// fatal as "no process".
	for _, q := range []*interp.LineQueue{b.interp.Stdout(), b.interp.Stderr()} {
		if closed, err := q.Closed(); closed {
			b.state = stateFailed
			if err == nil {
				err = errors.New("stream closed")
			}
			return &ProcessExitedError{StreamErr: err}
		}
	}
	return nil
}

// Cleanup terminates the interpreter. Idempotent, and safe to call on a
// bridge that was never prepared.
func (b *Bridge) Cleanup() error {
	b.mut.Lock()
	defer b.mut.Unlock()

	if b.state == stateTerminated {
		return nil
	}
	b.state = stateTerminated
	if b.interp == nil {
		return nil
	}
	if err := b.interp.Terminate(); err != nil {
		return fmt.Errorf("terminating interpreter: %w", err)
	}
	return nil
}
