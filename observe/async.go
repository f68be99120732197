package observe

import (
	"context"
	"log/slog"

	"github.com/c360/permstream/mainline"
)

// LoadFunc computes a cell's value on a background goroutine. The context is
// the cancellation token: loads should poll ctx.Err() at natural checkpoints
// and bail out early when cancelled. Whatever a cancelled load returns is
// discarded by the caller, so a superseded result can never overwrite a
// fresher one.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// AsyncCell computes its value off the mainline executor. UpdateAsync cancels
// any in-flight load and starts a new one; at most one load per cell is ever
// in flight, and at most one result per logical update wins.
type AsyncCell[T any] struct {
	*Cell[T]

	load   LoadFunc[T]
	logger *slog.Logger

	cancel     context.CancelFunc
	generation uint64
}

// NewAsyncCell creates an async cell. The load function runs on its own
// goroutine; results are marshalled back to the executor before publication.
// The cell refreshes itself on activation and cancels in-flight work on
// deactivation.
func NewAsyncCell[T any](exec *mainline.Executor, logger *slog.Logger, load LoadFunc[T], opts ...CellOption[T]) *AsyncCell[T] {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncCell[T]{load: load, logger: logger}
	opts = append(opts,
		OnActive[T](a.UpdateAsync),
		OnInactive[T](a.cancelInFlight),
	)
	a.Cell = NewCell[T](exec, opts...)
	return a
}

// UpdateAsync cancels any in-flight load and starts a new one. Mainline-only.
func (a *AsyncCell[T]) UpdateAsync() {
	a.cancelInFlight()
	a.MarkStale()

	a.generation++
	gen := a.generation
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		v, err := a.load(ctx)
		a.Executor().Post(func() {
			if gen != a.generation {
				// Superseded by a newer UpdateAsync; discard.
				return
			}
			a.cancel = nil
			if ctx.Err() != nil {
				// Cancelled mid-flight (deactivation); discard.
				return
			}
			if err != nil {
				// Log and keep the previous value; the next reactive update
				// will converge. Lookup misses are mapped to absent values
				// inside the load itself and never reach here.
				a.logger.Error("async load failed", "error", err)
				return
			}
			a.Set(v)
		})
	}()
}

func (a *AsyncCell[T]) cancelInFlight() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// Loading reports whether a load is currently in flight.
func (a *AsyncCell[T]) Loading() bool { return a.cancel != nil }
