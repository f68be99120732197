package multiplex

import (
	"log/slog"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/platform"
)

// PermissionMultiplexer holds at most one platform subscription for
// permissions-changed callbacks, dispatching to the per-uid callback lists.
// The registration count is 1 while the callback map is non-empty, 0 when
// empty, regardless of how many logical listeners exist.
type PermissionMultiplexer struct {
	exec    *mainline.Executor
	events  platform.Events
	logger  *slog.Logger
	metrics *metric.Metrics

	sub       platform.Subscription
	callbacks map[int32][]listenerEntry[platform.PermissionEvent]
	nextID    int
}

// NewPermissionMultiplexer creates the multiplexer. No platform registration
// happens until the first listener is added.
func NewPermissionMultiplexer(exec *mainline.Executor, events platform.Events, logger *slog.Logger, metrics *metric.Metrics) *PermissionMultiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionMultiplexer{
		exec:      exec,
		events:    events,
		logger:    logger,
		metrics:   metrics,
		callbacks: make(map[int32][]listenerEntry[platform.PermissionEvent]),
	}
}

// AddListener registers fn for permission changes of uid. The very first
// listener overall performs exactly one platform subscription.
func (m *PermissionMultiplexer) AddListener(uid int32, fn func(platform.PermissionEvent)) (*Registration, error) {
	if len(m.callbacks) == 0 {
		sub, err := m.events.SubscribePermissionEvents(func(ev platform.PermissionEvent) {
			m.exec.Post(func() { m.dispatch(ev) })
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "PermissionMultiplexer", "AddListener", "subscribe permission events")
		}
		m.sub = sub
	}

	entryID := m.nextID
	m.nextID++
	m.callbacks[uid] = append(m.callbacks[uid], listenerEntry[platform.PermissionEvent]{id: entryID, fn: fn})
	m.updateMetrics()

	return &Registration{cancel: func() { m.remove(uid, entryID) }}, nil
}

func (m *PermissionMultiplexer) remove(uid int32, entryID int) {
	entries := m.callbacks[uid]
	for i := range entries {
		if entries[i].id == entryID {
			m.callbacks[uid] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(m.callbacks[uid]) == 0 {
		delete(m.callbacks, uid)
	}
	if len(m.callbacks) == 0 && m.sub != nil {
		if err := m.sub.Unsubscribe(); err != nil {
			m.logger.Warn("failed to unsubscribe permission events", "error", err)
		}
		m.sub = nil
	}
	m.updateMetrics()
}

func (m *PermissionMultiplexer) dispatch(ev platform.PermissionEvent) {
	entries := m.callbacks[ev.UID]
	// Snapshot: listeners may detach during dispatch. An entry removed by an
	// earlier callback of the same event must not fire.
	snapshot := make([]listenerEntry[platform.PermissionEvent], len(entries))
	copy(snapshot, entries)
	for _, e := range snapshot {
		if m.isLive(ev.UID, e.id) {
			e.fn(ev)
		}
	}
}

func (m *PermissionMultiplexer) isLive(uid int32, entryID int) bool {
	for _, e := range m.callbacks[uid] {
		if e.id == entryID {
			return true
		}
	}
	return false
}

// Registrations returns the number of live platform subscriptions (0 or 1).
func (m *PermissionMultiplexer) Registrations() int {
	if m.sub != nil {
		return 1
	}
	return 0
}

// Listeners returns the total number of logical listeners.
func (m *PermissionMultiplexer) Listeners() int {
	n := 0
	for _, entries := range m.callbacks {
		n += len(entries)
	}
	return n
}

func (m *PermissionMultiplexer) updateMetrics() {
	if m.metrics == nil {
		return
	}
	m.metrics.MultiplexerRegistrations.WithLabelValues("permission").Set(float64(m.Registrations()))
	m.metrics.MultiplexerListeners.WithLabelValues("permission").Set(float64(m.Listeners()))
}
