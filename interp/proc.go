package interp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/guseggert/rbridge/protocol"
)

// Proc is an R interpreter running as a local child process.
type Proc struct {
	log *zap.SugaredLogger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdout *LineQueue
	stderr *LineQueue

	done     chan struct{}
	exitCode int

	terminateOnce sync.Once
	terminateErr  error
}

// Start spawns the R executable in quiet, non-interactive mode and begins
// draining its stdout and stderr. A spawn failure is returned synchronously;
// the caller must treat it as fatal and never retry against this Proc.
func Start(log *zap.SugaredLogger, executable string) (*Proc, error) {
	cmd := exec.Command(executable, protocol.QuietArgs...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	// Hand the write ends of plain pipes to the child so cmd.Wait never races
	// the readers for the read ends.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("starting %q: %w", executable, err)
	}

	// The child holds its own copies of the write ends now; close ours so the
	// readers see EOF when the child exits.
	stdoutW.Close()
	stderrW.Close()

	p := &Proc{
		log:    log.Named("interp"),
		cmd:    cmd,
		stdin:  stdin,
		stdout: NewLineQueue(),
		stderr: NewLineQueue(),
		done:   make(chan struct{}),
	}

	go ReadLines(p.log.Named("stdout_reader"), stdoutR, p.stdout)
	go ReadLines(p.log.Named("stderr_reader"), stderrR, p.stderr)

	go func() {
		err := cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				p.log.Debugf("unexpected wait error: %s", err)
			}
		}
		p.log.Debugf("process %d exited with code %d", cmd.Process.Pid, p.exitCode)
		close(p.done)
	}()

	return p, nil
}

func (p *Proc) Write(s string) error {
	// Pipe writes are unbuffered, so completion of the write is the flush.
	if _, err := io.WriteString(p.stdin, s); err != nil {
		return fmt.Errorf("writing to stdin: %w", err)
	}
	return nil
}

func (p *Proc) Stdout() *LineQueue { return p.stdout }
func (p *Proc) Stderr() *LineQueue { return p.stderr }

func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Proc) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

func (p *Proc) Done() <-chan struct{} { return p.done }

// Terminate kills the child process. Idempotent; killing an already-exited
// process is not an error.
func (p *Proc) Terminate() error {
	p.terminateOnce.Do(func() {
		p.stdin.Close()
		err := p.cmd.Process.Kill()
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.terminateErr = fmt.Errorf("killing process %d: %w", p.cmd.Process.Pid, err)
			return
		}
		<-p.done
	})
	return p.terminateErr
}
