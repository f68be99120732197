// Package multiplex collapses many logical listeners into at most one
// platform-level registration per concern. N permission-group observers for
// one op or uid become a single Subscribe call against the change
// notification service; dispatch fans back out per identity on the mainline
// executor.
package multiplex

import (
	"log/slog"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/platform"
)

// Registration is the capability returned by AddListener; cancelling it is
// the only way to remove the listener. Cancelling twice is a no-op.
type Registration struct {
	cancel func()
	done   bool
}

// Cancel removes the listener. Mainline-only.
func (r *Registration) Cancel() {
	if r == nil || r.done {
		return
	}
	r.done = true
	r.cancel()
}

type listenerEntry[E any] struct {
	id int
	fn func(E)
}

// AppOpIdentity addresses the logical listeners of one op.
type AppOpIdentity struct {
	PackageName string
	User        platform.UserHandle
}

// AppOpMultiplexer holds one platform subscription per op with at least one
// listener, dispatching op-mode changes to the per-(package,user) callback
// lists. Mainline-confined apart from the bus callback, which marshals
// itself.
type AppOpMultiplexer struct {
	exec    *mainline.Executor
	events  platform.Events
	logger  *slog.Logger
	metrics *metric.Metrics

	subs      map[string]platform.Subscription
	callbacks map[string]map[AppOpIdentity][]listenerEntry[platform.AppOpEvent]
	nextID    int
}

// NewAppOpMultiplexer creates the multiplexer. No platform registration
// happens until the first listener is added.
func NewAppOpMultiplexer(exec *mainline.Executor, events platform.Events, logger *slog.Logger, metrics *metric.Metrics) *AppOpMultiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppOpMultiplexer{
		exec:      exec,
		events:    events,
		logger:    logger,
		metrics:   metrics,
		subs:      make(map[string]platform.Subscription),
		callbacks: make(map[string]map[AppOpIdentity][]listenerEntry[platform.AppOpEvent]),
	}
}

// AddListener registers fn for mode changes of op on (package, user). The
// very first listener for an op performs exactly one platform subscription
// for that op.
func (m *AppOpMultiplexer) AddListener(op string, id AppOpIdentity, fn func(platform.AppOpEvent)) (*Registration, error) {
	perOp, ok := m.callbacks[op]
	if !ok {
		sub, err := m.events.SubscribeAppOpEvents(op, func(ev platform.AppOpEvent) {
			m.exec.Post(func() { m.dispatch(ev) })
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "AppOpMultiplexer", "AddListener", "subscribe op events")
		}
		perOp = make(map[AppOpIdentity][]listenerEntry[platform.AppOpEvent])
		m.callbacks[op] = perOp
		m.subs[op] = sub
	}

	entryID := m.nextID
	m.nextID++
	perOp[id] = append(perOp[id], listenerEntry[platform.AppOpEvent]{id: entryID, fn: fn})
	m.updateMetrics()

	return &Registration{cancel: func() { m.remove(op, id, entryID) }}, nil
}

func (m *AppOpMultiplexer) remove(op string, id AppOpIdentity, entryID int) {
	perOp, ok := m.callbacks[op]
	if !ok {
		return
	}
	entries := perOp[id]
	for i := range entries {
		if entries[i].id == entryID {
			perOp[id] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(perOp[id]) == 0 {
		delete(perOp, id)
	}
	if len(perOp) == 0 {
		delete(m.callbacks, op)
		if sub := m.subs[op]; sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				m.logger.Warn("failed to unsubscribe op events", "op", op, "error", err)
			}
		}
		delete(m.subs, op)
	}
	m.updateMetrics()
}

func (m *AppOpMultiplexer) dispatch(ev platform.AppOpEvent) {
	perOp, ok := m.callbacks[ev.Op]
	if !ok {
		return
	}
	id := AppOpIdentity{PackageName: ev.PackageName, User: ev.User}
	entries := perOp[id]
	// Snapshot: listeners may detach during dispatch. An entry removed by an
	// earlier callback of the same event must not fire.
	snapshot := make([]listenerEntry[platform.AppOpEvent], len(entries))
	copy(snapshot, entries)
	for _, e := range snapshot {
		if m.isLive(ev.Op, id, e.id) {
			e.fn(ev)
		}
	}
}

func (m *AppOpMultiplexer) isLive(op string, id AppOpIdentity, entryID int) bool {
	for _, e := range m.callbacks[op][id] {
		if e.id == entryID {
			return true
		}
	}
	return false
}

// Registrations returns the number of live platform subscriptions.
func (m *AppOpMultiplexer) Registrations() int { return len(m.subs) }

// Listeners returns the total number of logical listeners.
func (m *AppOpMultiplexer) Listeners() int {
	n := 0
	for _, perOp := range m.callbacks {
		for _, entries := range perOp {
			n += len(entries)
		}
	}
	return n
}

func (m *AppOpMultiplexer) updateMetrics() {
	if m.metrics == nil {
		return
	}
	m.metrics.MultiplexerRegistrations.WithLabelValues("appop").Set(float64(len(m.subs)))
	m.metrics.MultiplexerListeners.WithLabelValues("appop").Set(float64(m.Listeners()))
}
