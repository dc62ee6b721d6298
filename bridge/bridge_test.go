package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guseggert/rbridge/interp"
)

// fakeRScript is a shell stand-in for the R process: it consumes statements
// from stdin and reacts to the sentinel-printing commands the bridge sends.
// RESPONSE mimics R's printed rendering of toJSON output.
const fakeRScript = `#!/bin/sh
RESPONSE='%s'
echo "R version 9.9.9 (fake) -- banner chatter"
while IFS= read -r line; do
  case "$line" in
    "write('<s>', stdout())") echo "<s>" ;;
    "write('<e>', stdout())") echo "<e>" ;;
    "toJSON(output)") printf '%%s\n' "$RESPONSE" ;;
    *) : ;;
  esac
done
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-r")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestBridge(t *testing.T, cfg Config, opts ...Option) *Bridge {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	b, err := New(cfg, append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Cleanup() })
	return b
}

func TestInvokeDecodesResponse(t *testing.T) {
	script := writeScript(t, fmt.Sprintf(fakeRScript, `[1] "[\"bottled beer\",0.6]"`))
	b := newTestBridge(t, Config{Executable: script, Libraries: []string{"rules"}, Function: "recommend"})

	ctx := context.Background()
	require.NoError(t, b.Prepare(ctx))

	vals, err := b.Invoke(ctx, []interface{}{"liquor", "red/blush wine"})
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "bottled beer", vals[0])

	// the banner chatter must not have leaked into the result, and the bridge
	// stays usable for further calls
	vals, err = b.Invoke(ctx, []interface{}{"citrus fruit", "other vegetables"})
	require.NoError(t, err)
	assert.Equal(t, "bottled beer", vals[0])
}

func TestInvokeNoResult(t *testing.T) {
	script := writeScript(t, fmt.Sprintf(fakeRScript, `[1] "[]"`))
	b := newTestBridge(t, Config{Executable: script, Function: "recommend"})

	ctx := context.Background()
	require.NoError(t, b.Prepare(ctx))

	vals, err := b.Invoke(ctx, []interface{}{"bob", "fsdflkj"})
	require.NoError(t, err)
	assert.Nil(t, vals)
}

func TestInvokeMalformedResponse(t *testing.T) {
	// replies with the end sentinel but never the start sentinel
	script := writeScript(t, `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    "write('<e>', stdout())") echo "<e>" ;;
    *) : ;;
  esac
done
`)
	b := newTestBridge(t, Config{Executable: script, Function: "recommend"})

	ctx := context.Background()
	require.NoError(t, b.Prepare(ctx))

	_, err := b.Invoke(ctx, []interface{}{"a"})
	require.Error(t, err)
	assert.True(t, IsMalformedResponse(err))
	assert.False(t, IsFatal(err))
}

func TestInvokeInterpreterError(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    "output <- recommend(input)") echo "Error: could not find function \"recommend\"" >&2 ;;
    *) : ;;
  esac
done
`)
	b := newTestBridge(t, Config{Executable: script, Function: "recommend"})

	ctx := context.Background()
	require.NoError(t, b.Prepare(ctx))

	_, err := b.Invoke(ctx, []interface{}{"a"})
	var interpErr *InterpreterError
	require.ErrorAs(t, err, &interpErr)
	assert.Contains(t, interpErr.Output, "could not find function")
	assert.False(t, IsFatal(err))

	// per-call error: the bridge is still ready, so the next call reaches the
	// interpreter again rather than failing fast
	_, err = b.Invoke(ctx, []interface{}{"b"})
	require.ErrorAs(t, err, &interpErr)
}

func TestInvokeProcessExited(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    "output <- recommend(input)") exit 7 ;;
    *) : ;;
  esac
done
`)
	b := newTestBridge(t, Config{Executable: script, Function: "recommend"})

	ctx := context.Background()
	require.NoError(t, b.Prepare(ctx))

	_, err := b.Invoke(ctx, []interface{}{"a"})
	var exitErr *ProcessExitedError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 7, exitErr.ExitCode)
	assert.True(t, IsFatal(err))

	// fatal errors poison the bridge
	_, err = b.Invoke(ctx, []interface{}{"b"})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestInvokeAfterUnexpectedExit(t *testing.T) {
	// dies right after prepare, before any call
	script := writeScript(t, `#!/bin/sh
IFS= read -r line
exit 5
`)
	b := newTestBridge(t, Config{Executable: script, Function: "recommend"})

	ctx := context.Background()
	require.NoError(t, b.Prepare(ctx))

	_, err := b.Invoke(ctx, []interface{}{"a"})
	var exitErr *ProcessExitedError
	require.ErrorAs(t, err, &exitErr)
}

func TestPrepareStartupFailure(t *testing.T) {
	b := newTestBridge(t, Config{Executable: filepath.Join(t.TempDir(), "no-such-r"), Function: "f"})

	err := b.Prepare(context.Background())
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.True(t, IsFatal(err))

	// the bridge never becomes usable and never contacts a process
	_, err = b.Invoke(context.Background(), []interface{}{"a"})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestInvokeBeforePrepare(t *testing.T) {
	b := newTestBridge(t, Config{Function: "f"})
	_, err := b.Invoke(context.Background(), []interface{}{"a"})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestPrepareTwice(t *testing.T) {
	script := writeScript(t, fmt.Sprintf(fakeRScript, `[1] "[]"`))
	b := newTestBridge(t, Config{Executable: script, Function: "f"})

	require.NoError(t, b.Prepare(context.Background()))
	require.Error(t, b.Prepare(context.Background()))
}

func TestCleanupIdempotent(t *testing.T) {
	script := writeScript(t, fmt.Sprintf(fakeRScript, `[1] "[]"`))
	b := newTestBridge(t, Config{Executable: script, Function: "f"})

	// cleanup before prepare does not panic or error
	require.NoError(t, b.Cleanup())
	require.NoError(t, b.Cleanup())

	b2 := newTestBridge(t, Config{Executable: script, Function: "f"})
	require.NoError(t, b2.Prepare(context.Background()))
	require.NoError(t, b2.Cleanup())
	require.NoError(t, b2.Cleanup())

	_, err := b2.Invoke(context.Background(), []interface{}{"a"})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestInvokeMaxWait(t *testing.T) {
	// consumes statements but never answers
	script := writeScript(t, `#!/bin/sh
while IFS= read -r line; do :; done
`)
	b := newTestBridge(t, Config{Executable: script, Function: "f"}, WithMaxWait(250*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, b.Prepare(ctx))

	_, err := b.Invoke(ctx, []interface{}{"a"})
	require.ErrorIs(t, err, ErrResponseTimeout)
	assert.False(t, IsFatal(err))

	// the process is left running for the next call
	_, err = b.Invoke(ctx, []interface{}{"b"})
	require.ErrorIs(t, err, ErrResponseTimeout)
}

func TestConcurrentInvokesAreSerialized(t *testing.T) {
	script := writeScript(t, fmt.Sprintf(fakeRScript, `[1] "[\"ok\"]"`))
	b := newTestBridge(t, Config{Executable: script, Function: "f"})

	ctx := context.Background()
	require.NoError(t, b.Prepare(ctx))

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		group.Go(func() error {
			vals, err := b.Invoke(groupCtx, []interface{}{"x"})
			if err != nil {
				return err
			}
			if vals[0] != "ok" {
				return fmt.Errorf("unexpected value %v", vals[0])
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

// fakeInterp drives the bridge without a real process, for precise control
// over line arrival.
type fakeInterp struct {
	stdout  *interp.LineQueue
	stderr  *interp.LineQueue
	done    chan struct{}
	onWrite func(s string)
	wrote   []string
}

func newFakeInterp() *fakeInterp {
	return &fakeInterp{
		stdout: interp.NewLineQueue(),
		stderr: interp.NewLineQueue(),
		done:   make(chan struct{}),
	}
}

func (f *fakeInterp) Write(s string) error {
	f.wrote = append(f.wrote, s)
	if f.onWrite != nil {
		f.onWrite(s)
	}
	return nil
}
func (f *fakeInterp) Stdout() *interp.LineQueue { return f.stdout }
func (f *fakeInterp) Stderr() *interp.LineQueue { return f.stderr }
func (f *fakeInterp) Alive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}
func (f *fakeInterp) ExitCode() (int, bool) {
	if f.Alive() {
		return 0, false
	}
	return 0, true
}
func (f *fakeInterp) Done() <-chan struct{} { return f.done }
func (f *fakeInterp) Terminate() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}

func newFakeBridge(t *testing.T, fake *fakeInterp) *Bridge {
	t.Helper()
	b := newTestBridge(t, Config{Function: "f"}, WithStarter(func(ctx context.Context) (interp.Interp, error) {
		return fake, nil
	}))
	require.NoError(t, b.Prepare(context.Background()))
	return b
}

func TestChatterBeforeStartSentinelExcluded(t *testing.T) {
	fake := newFakeInterp()
	calls := 0
	fake.onWrite = func(s string) {
		calls++
		if calls == 1 {
			// the prepare write
			return
		}
		for _, line := range []string{
			"some echoed statement",
			"more chatter",
			"<s>",
			`[1] "[\"first\",`,
			`\"second\"]"`,
			"<e>",
		} {
			fake.stdout.Push(line)
		}
	}
	b := newFakeBridge(t, fake)

	vals, err := b.Invoke(context.Background(), []interface{}{"x"})
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "first", vals[0])
	assert.Equal(t, "second", vals[1])
}

func TestLateResponseAfterTimeoutNotMisattributed(t *testing.T) {
	fake := newFakeInterp()
	b := newTestBridge(t, Config{Function: "f"},
		WithMaxWait(100*time.Millisecond),
		WithStarter(func(ctx context.Context) (interp.Interp, error) { return fake, nil }))
	require.NoError(t, b.Prepare(context.Background()))

	// the first call gets no answer in time
	_, err := b.Invoke(context.Background(), []interface{}{"first"})
	require.ErrorIs(t, err, ErrResponseTimeout)

	// its frame lands only after the second call's statements have been
	// written, immediately followed by the second call's own frame
	fake.onWrite = func(s string) {
		for _, line := range []string{
			"<s>", `[1] "[\"first result\"]"`, "<e>",
			"<s>", `[1] "[\"second result\"]"`, "<e>",
		} {
			fake.stdout.Push(line)
		}
	}
	vals, err := b.Invoke(context.Background(), []interface{}{"second"})
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "second result", vals[0])
}

func TestAbandonedPartialFrameTailDiscarded(t *testing.T) {
	fake := newFakeInterp()
	calls := 0
	fake.onWrite = func(s string) {
		calls++
		switch calls {
		case 2:
			// first call: only the head of the frame arrives before the
			// timeout
			fake.stdout.Push("<s>")
			fake.stdout.Push(`[1] "[\"first`)
		case 3:
			// second call: the leftover tail, then the real response
			for _, line := range []string{
				` result\"]"`, "<e>",
				"<s>", `[1] "[\"second result\"]"`, "<e>",
			} {
				fake.stdout.Push(line)
			}
		}
	}
	b := newTestBridge(t, Config{Function: "f"},
		WithMaxWait(100*time.Millisecond),
		WithStarter(func(ctx context.Context) (interp.Interp, error) { return fake, nil }))
	require.NoError(t, b.Prepare(context.Background()))

	_, err := b.Invoke(context.Background(), []interface{}{"first"})
	require.ErrorIs(t, err, ErrResponseTimeout)

	vals, err := b.Invoke(context.Background(), []interface{}{"second"})
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "second result", vals[0])
}

func TestStreamFailureIsFatal(t *testing.T) {
	fake := newFakeInterp()
	fake.onWrite = func(s string) {
		fake.stdout.Close(errors.New("read error"))
	}
	b := newFakeBridge(t, fake)

	_, err := b.Invoke(context.Background(), []interface{}{"x"})
	var exitErr *ProcessExitedError
	require.ErrorAs(t, err, &exitErr)
	assert.True(t, IsFatal(err))

	_, err = b.Invoke(context.Background(), []interface{}{"x"})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestPrepareSendsLibrariesAndInitCode(t *testing.T) {
	fake := newFakeInterp()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	b, err := New(
		Config{Function: "f", Libraries: []string{"rules"}, InitCode: "model <- load_model()"},
		WithLogger(log),
		WithStarter(func(ctx context.Context) (interp.Interp, error) { return fake, nil }),
	)
	require.NoError(t, err)
	defer b.Cleanup()

	require.NoError(t, b.Prepare(context.Background()))
	require.Len(t, fake.wrote, 1)
	assert.Equal(t, "library('rules')\nlibrary('rjson')\nmodel <- load_model()\n", fake.wrote[0])
}
