// Package executor drives a per-record function over batches of tuples,
// collecting emitted results. It is the host-side collaborator of a bridge:
// it owns nothing about the wire protocol, only the call contract.
package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guseggert/rbridge/bridge"
)

// Function is the per-record operation contract. bridge.Bridge implements it.
type Function interface {
	// Prepare must be called exactly once before any Invoke.
	Prepare(ctx context.Context) error

	// Invoke calls the function with one tuple's ordered field values. A nil
	// result with a nil error means the record produced no output.
	Invoke(ctx context.Context, vals []interface{}) ([]interface{}, error)

	// Cleanup must be called exactly once when the function is no longer
	// needed.
	Cleanup() error
}

// Executor invokes one Function per input tuple. Per-call failures are
// logged and the tuple is skipped without retry; retrying would re-run a
// non-idempotent call against the interpreter. Fatal failures abort the
// batch.
type Executor struct {
	log *zap.SugaredLogger
	fn  Function
}

type Option func(e *Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		e.log = l.Named("executor").Sugar()
	}
}

func New(fn Function, opts ...Option) (*Executor, error) {
	e := &Executor{fn: fn}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building default logger: %w", err)
		}
		e.log = logger.Named("executor").Sugar()
	}
	return e, nil
}

// ExecuteBatch invokes the function once per tuple, in order, and returns the
// non-empty results in input order. Tuples whose call failed or produced no
// result are absent from the output.
func (e *Executor) ExecuteBatch(ctx context.Context, tuples [][]interface{}) ([][]interface{}, error) {
	var out [][]interface{}
	for i, tuple := range tuples {
		vals, err := e.fn.Invoke(ctx, tuple)
		if err != nil {
			if bridge.IsFatal(err) {
				return nil, fmt.Errorf("invoking tuple %d: %w", i, err)
			}
			e.log.Warnw("call failed, assuming non-retryable and skipping tuple", "Tuple", i, "Error", err)
			continue
		}
		if vals != nil {
			out = append(out, vals)
		}
	}
	return out, nil
}

// ExecuteParallel fans tuples out across several prepared Functions, one
// worker per Function, and returns the non-empty results in input order.
// Each Function still sees at most one call at a time.
func ExecuteParallel(ctx context.Context, log *zap.SugaredLogger, fns []Function, tuples [][]interface{}) ([][]interface{}, error) {
	if len(fns) == 0 {
		return nil, fmt.Errorf("no functions to execute against")
	}

	results := make([][]interface{}, len(tuples))
	group, groupCtx := errgroup.WithContext(ctx)
	for w, fn := range fns {
		w, fn := w, fn
		group.Go(func() error {
			for i := w; i < len(tuples); i += len(fns) {
				vals, err := fn.Invoke(groupCtx, tuples[i])
				if err != nil {
					if bridge.IsFatal(err) {
						return fmt.Errorf("invoking tuple %d: %w", i, err)
					}
					log.Warnw("call failed, assuming non-retryable and skipping tuple", "Tuple", i, "Error", err)
					continue
				}
				results[i] = vals
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var out [][]interface{}
	for _, vals := range results {
		if vals != nil {
			out = append(out, vals)
		}
	}
	return out, nil
}
