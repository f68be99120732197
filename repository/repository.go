// Package repository provides the keyed cache underneath every observable
// data source: at most one live value per key, constructed on demand, and
// evicted by inactivity when the process comes under memory pressure.
//
// Repositories are mainline-confined. All calls must happen on the graph's
// executor; the pressure notifier is the only entry point that accepts
// signals from other goroutines, and it marshals them across itself.
package repository

import (
	"log/slog"
	"time"

	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/observe"
)

// TrimLevel is a memory-pressure severity, mapped to an inactivity threshold.
type TrimLevel int

const (
	// TrimBackground is the laxest tier: evict entries unobserved for 5 minutes.
	TrimBackground TrimLevel = iota
	// TrimModerate evicts entries unobserved for 1 minute.
	TrimModerate
	// TrimRunningLow evicts entries unobserved for 1 minute.
	TrimRunningLow
	// TrimComplete evicts every unobserved entry regardless of duration.
	TrimComplete
)

// String returns the string representation of TrimLevel
func (l TrimLevel) String() string {
	switch l {
	case TrimBackground:
		return "background"
	case TrimModerate:
		return "moderate"
	case TrimRunningLow:
		return "running_low"
	case TrimComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Threshold returns the inactivity duration at or beyond which an entry is
// evicted for this level.
func (l TrimLevel) Threshold() time.Duration {
	switch l {
	case TrimBackground:
		return 5 * time.Minute
	case TrimModerate, TrimRunningLow:
		return time.Minute
	case TrimComplete:
		return 0
	default:
		return 5 * time.Minute
	}
}

// Repository is a keyed cache of observable values. Values are created by the
// factory on first request (single-flight: two requests for the same key
// return the identical instance) and removed only by memory-pressure trims or
// explicit deletion.
type Repository[K comparable, V observe.InactiveTimekeeper] struct {
	name     string
	data     map[K]V
	newValue func(K) V

	notifier   *PressureNotifier
	registered bool

	now     func() time.Time
	logger  *slog.Logger
	metrics *metric.Metrics
	onEvict func(K, V)
}

// Option configures a Repository.
type Option[K comparable, V observe.InactiveTimekeeper] func(*Repository[K, V])

// WithClock overrides the time source, for tests.
func WithClock[K comparable, V observe.InactiveTimekeeper](now func() time.Time) Option[K, V] {
	return func(r *Repository[K, V]) { r.now = now }
}

// WithMetrics wires the core metrics so cache occupancy and evictions are
// observable per repository name.
func WithMetrics[K comparable, V observe.InactiveTimekeeper](m *metric.Metrics) Option[K, V] {
	return func(r *Repository[K, V]) { r.metrics = m }
}

// WithEvictHook registers a hook invoked for each evicted entry, used to tear
// down the value's platform subscriptions.
func WithEvictHook[K comparable, V observe.InactiveTimekeeper](fn func(K, V)) Option[K, V] {
	return func(r *Repository[K, V]) { r.onEvict = fn }
}

// New creates a repository. The notifier may be shared by many repositories;
// the repository registers with it lazily on the first GetDataObject call.
func New[K comparable, V observe.InactiveTimekeeper](
	name string,
	notifier *PressureNotifier,
	newValue func(K) V,
	logger *slog.Logger,
	opts ...Option[K, V],
) *Repository[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository[K, V]{
		name:     name,
		data:     make(map[K]V),
		newValue: newValue,
		notifier: notifier,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the repository's name, used in logs and metric labels.
func (r *Repository[K, V]) Name() string { return r.name }

// GetDataObject returns the cached value for key, constructing it on first
// request. Registration with the pressure notifier happens exactly once,
// lazily, on the first call ever.
func (r *Repository[K, V]) GetDataObject(key K) V {
	if !r.registered {
		r.registered = true
		if r.notifier != nil {
			r.notifier.register(r)
		}
	}

	if v, ok := r.data[key]; ok {
		return v
	}

	v := r.newValue(key)
	r.data[key] = v
	if r.metrics != nil {
		r.metrics.RecordConstruction(r.name)
		r.metrics.SetCacheSize(r.name, len(r.data))
	}
	return v
}

// Peek returns the cached value without constructing one.
func (r *Repository[K, V]) Peek(key K) (V, bool) {
	v, ok := r.data[key]
	return v, ok
}

// Delete removes an entry, running the evict hook. Used when the entry's
// identity is gone for good (package uninstalled, user removed).
func (r *Repository[K, V]) Delete(key K) {
	v, ok := r.data[key]
	if !ok {
		return
	}
	delete(r.data, key)
	if r.onEvict != nil {
		r.onEvict(key, v)
	}
	if r.metrics != nil {
		r.metrics.SetCacheSize(r.name, len(r.data))
	}
}

// Size returns the number of live entries.
func (r *Repository[K, V]) Size() int { return len(r.data) }

// OnTrimMemory evicts every entry whose inactivity meets the level's
// threshold. Entries with observers report no inactivity stamp and always
// survive, as do entries that have never been observed.
func (r *Repository[K, V]) OnTrimMemory(level TrimLevel) {
	threshold := level.Threshold()
	now := r.now()

	evicted := 0
	for key, v := range r.data {
		if v.HasObservers() {
			continue
		}
		inactiveSince, ok := v.TimeWentInactive()
		if !ok {
			continue
		}
		if now.Sub(inactiveSince) >= threshold {
			delete(r.data, key)
			evicted++
			if r.onEvict != nil {
				r.onEvict(key, v)
			}
			if r.metrics != nil {
				r.metrics.RecordEviction(r.name, level.String())
			}
		}
	}

	if evicted > 0 {
		r.logger.Debug("trimmed repository",
			"repository", r.name,
			"level", level.String(),
			"evicted", evicted,
			"remaining", len(r.data))
		if r.metrics != nil {
			r.metrics.SetCacheSize(r.name, len(r.data))
		}
	}
}
