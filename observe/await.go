package observe

import (
	"context"

	"github.com/c360/permstream/errors"
)

// Await blocks until the cell holds an initialized, non-stale value and
// returns it. Unlike everything else on Cell, Await is called from worker
// goroutines (the auto-revoke engine's fan-out): it posts to the executor
// internally and attaches a temporary observer, which activates the cell
// and, for async cells, kicks off a fresh load. Waiting out staleness is
// what keeps callers reading the system of record rather than a value
// cached across runs.
func (c *Cell[T]) Await(ctx context.Context) (T, error) {
	var zero T
	result := make(chan T, 1)

	var handle *Handle
	if err := c.exec.PostAndWait(func() {
		if c.initialized && !c.stale && len(c.observers) > 0 {
			// Actively maintained; the current value is authoritative.
			result <- c.value
			return
		}
		handle = c.Observe(func() {
			if c.stale {
				return
			}
			select {
			case result <- c.value:
			default:
			}
		})
	}); err != nil {
		return zero, err
	}

	defer func() {
		if handle != nil {
			c.exec.Post(handle.Cancel)
		}
	}()

	select {
	case v := <-result:
		return v, nil
	case <-ctx.Done():
		return zero, errors.WrapTransient(ctx.Err(), "observe", "Await", "wait for initialized value")
	}
}
