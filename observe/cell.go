// Package observe provides the observable primitives the reactive permission
// graph is built from: a value-holding Cell with change suppression and
// inactivity tracking, a Mediator that aggregates other cells, and an
// AsyncCell that computes its value off-thread with cancellation.
//
// The behaviors compose by wrapping rather than subclassing: Mediator and
// AsyncCell embed a Cell and layer source tracking or async loading on top.
// Every cell is confined to one mainline.Executor; none of the methods here
// are safe to call from other goroutines unless documented otherwise.
package observe

import (
	"reflect"
	"time"

	"github.com/c360/permstream/mainline"
)

// InactiveTimekeeper is implemented by every cached observable so the
// repository layer can evict by inactivity. TimeWentInactive reports when the
// last observer detached; the second return is false while the value has
// observers or has never been observed.
type InactiveTimekeeper interface {
	TimeWentInactive() (time.Time, bool)
	HasObservers() bool
}

// Source is the aggregation-facing view of a cell: something a Mediator can
// observe for change notifications and poll for initialization state.
// Observers read current values directly from the concrete cell; change
// notifications deliberately carry no payload so aggregation depends only on
// current state, never on event ordering.
type Source interface {
	Observe(fn func()) *Handle
	Initialized() bool
	Stale() bool
}

// Handle is the capability returned by Observe, used to detach the observer.
// Cancelling twice is a no-op.
type Handle struct {
	cancel func()
	done   bool
}

// Cancel detaches the observer. Mainline-confined like everything else here.
func (h *Handle) Cancel() {
	if h == nil || h.done {
		return
	}
	h.done = true
	h.cancel()
}

type observerEntry struct {
	id   int
	fn   func()
	live bool
}

// Cell is a value holder with listeners. Set suppresses updates that compare
// equal to the current value once the cell has been initialized, so
// downstream recomputation only runs on real changes.
type Cell[T any] struct {
	exec *mainline.Executor

	value       T
	initialized bool
	stale       bool

	equals func(a, b T) bool
	now    func() time.Time

	observers []observerEntry
	nextID    int

	inactiveSince time.Time
	wentInactive  bool

	onActive   []func()
	onInactive []func()
}

// CellOption configures a Cell at construction.
type CellOption[T any] func(*Cell[T])

// WithEquals overrides the change-suppression predicate. The default is
// structural equality via reflect.DeepEqual; cells holding large values
// supply a cheaper comparison here.
func WithEquals[T any](eq func(a, b T) bool) CellOption[T] {
	return func(c *Cell[T]) { c.equals = eq }
}

// WithClock overrides the time source, for tests.
func WithClock[T any](now func() time.Time) CellOption[T] {
	return func(c *Cell[T]) { c.now = now }
}

// OnActive registers a hook invoked when the first observer attaches.
func OnActive[T any](fn func()) CellOption[T] {
	return func(c *Cell[T]) { c.onActive = append(c.onActive, fn) }
}

// OnInactive registers a hook invoked when the last observer detaches.
func OnInactive[T any](fn func()) CellOption[T] {
	return func(c *Cell[T]) { c.onInactive = append(c.onInactive, fn) }
}

// NewCell creates a cell bound to the given executor.
func NewCell[T any](exec *mainline.Executor, opts ...CellOption[T]) *Cell[T] {
	c := &Cell[T]{
		exec:  exec,
		stale: true,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Executor returns the executor this cell is confined to.
func (c *Cell[T]) Executor() *mainline.Executor { return c.exec }

// Set publishes a new value. The update is suppressed, with no observer
// notification, when the cell is already initialized, not stale, and the new
// value compares equal to the current one. A stale cell always publishes:
// the notification is what tells waiters the value has been re-confirmed.
func (c *Cell[T]) Set(v T) {
	if c.initialized && !c.stale && c.valueEquals(v) {
		return
	}
	c.value = v
	c.initialized = true
	c.stale = false
	c.notify()
}

func (c *Cell[T]) valueEquals(v T) bool {
	if c.equals != nil {
		return c.equals(c.value, v)
	}
	return reflect.DeepEqual(c.value, v)
}

func (c *Cell[T]) notify() {
	// Snapshot: observers may attach or detach during notification.
	snapshot := make([]observerEntry, len(c.observers))
	copy(snapshot, c.observers)
	for _, entry := range snapshot {
		if c.isLive(entry.id) {
			entry.fn()
		}
	}
}

func (c *Cell[T]) isLive(id int) bool {
	for _, e := range c.observers {
		if e.id == id {
			return e.live
		}
	}
	return false
}

// Value returns the current value. Meaningless before Initialized is true.
func (c *Cell[T]) Value() T { return c.value }

// Initialized reports whether Set has ever been called. It never reverts.
func (c *Cell[T]) Initialized() bool { return c.initialized }

// Stale reports whether a dependency changed since the last Set.
func (c *Cell[T]) Stale() bool { return c.stale }

// MarkStale flags the current value as possibly out of date until the next Set.
func (c *Cell[T]) MarkStale() { c.stale = true }

// Observe attaches an observer, fired on every accepted update. If the cell
// is already initialized the observer fires once immediately. Attaching the
// first observer activates the cell.
func (c *Cell[T]) Observe(fn func()) *Handle {
	id := c.nextID
	c.nextID++
	c.observers = append(c.observers, observerEntry{id: id, fn: fn, live: true})

	if len(c.observers) == 1 {
		c.wentInactive = false
		for _, hook := range c.onActive {
			hook()
		}
	}

	if c.initialized {
		fn()
	}

	return &Handle{cancel: func() { c.remove(id) }}
}

func (c *Cell[T]) remove(id int) {
	for i := range c.observers {
		if c.observers[i].id == id {
			c.observers[i].live = false
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			break
		}
	}
	if len(c.observers) == 0 {
		c.inactiveSince = c.now()
		c.wentInactive = true
		for _, hook := range c.onInactive {
			hook()
		}
	}
}

// HasObservers reports whether any observer is attached.
func (c *Cell[T]) HasObservers() bool { return len(c.observers) > 0 }

// TimeWentInactive reports when the last observer detached. The bool is
// false while the cell has observers, and also before the cell has ever
// been observed.
func (c *Cell[T]) TimeWentInactive() (time.Time, bool) {
	if len(c.observers) > 0 || !c.wentInactive {
		return time.Time{}, false
	}
	return c.inactiveSince, true
}
