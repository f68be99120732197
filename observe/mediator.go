package observe

import (
	"github.com/c360/permstream/mainline"
)

type mediatorSource struct {
	src    Source
	handle *Handle
}

// Mediator aggregates other cells. Whenever any attached source changes, the
// compute function runs and its result is published through the embedded
// Cell. Compute reads the current value of every source directly, so the
// final state depends only on current source values, never on the order the
// sources fired in.
//
// Sources are only attached while the mediator itself is observed: activation
// propagates down the graph, and deactivation detaches every source so that
// unobserved chains become evictable.
type Mediator[T any] struct {
	*Cell[T]

	compute func() (T, bool)
	sources []mediatorSource
	active  bool
}

// NewMediator creates a mediator. compute returns the new value and true, or
// false when a dependency is not ready yet (nothing is published in that
// case, but the current value is marked stale).
func NewMediator[T any](exec *mainline.Executor, compute func() (T, bool), opts ...CellOption[T]) *Mediator[T] {
	m := &Mediator[T]{compute: compute}
	opts = append(opts,
		OnActive[T](m.attachAll),
		OnInactive[T](m.detachAll),
	)
	m.Cell = NewCell[T](exec, opts...)
	return m
}

// AddSource registers a source. If the mediator is currently observed, the
// source is attached immediately, which triggers a recompute when the source
// is already initialized.
func (m *Mediator[T]) AddSource(src Source) {
	for _, s := range m.sources {
		if s.src == src {
			return
		}
	}
	entry := mediatorSource{src: src}
	if m.active {
		entry.handle = src.Observe(m.Recompute)
	}
	m.sources = append(m.sources, entry)
}

// RemoveSource detaches and forgets a source.
func (m *Mediator[T]) RemoveSource(src Source) {
	for i := range m.sources {
		if m.sources[i].src == src {
			m.sources[i].handle.Cancel()
			m.sources = append(m.sources[:i], m.sources[i+1:]...)
			return
		}
	}
}

// RemoveAllSources detaches every source. Used when the mediator's identity
// has become invalid (for example the package it mirrors was uninstalled).
func (m *Mediator[T]) RemoveAllSources() {
	for i := range m.sources {
		m.sources[i].handle.Cancel()
	}
	m.sources = nil
}

// Sources returns the current number of attached sources.
func (m *Mediator[T]) Sources() int { return len(m.sources) }

func (m *Mediator[T]) attachAll() {
	m.active = true
	for i := range m.sources {
		if m.sources[i].handle == nil {
			m.sources[i].handle = m.sources[i].src.Observe(m.Recompute)
		}
	}
	m.Recompute()
}

func (m *Mediator[T]) detachAll() {
	m.active = false
	for i := range m.sources {
		m.sources[i].handle.Cancel()
		m.sources[i].handle = nil
	}
	// With sources detached the value can drift from the system of record;
	// the next Await or activation must re-confirm it.
	m.MarkStale()
}

// Recompute runs the compute function against current source values and
// publishes the result. Safe to call redundantly: publication goes through
// Cell.Set, which suppresses no-op updates. While any source is still stale
// the result would be provisional, so nothing is published and the mediator
// stays stale; the source's own refresh triggers the recompute that lands.
func (m *Mediator[T]) Recompute() {
	for i := range m.sources {
		if m.sources[i].src.Initialized() && m.sources[i].src.Stale() {
			m.MarkStale()
			return
		}
	}
	v, ok := m.compute()
	if !ok {
		m.MarkStale()
		return
	}
	m.Set(v)
}
