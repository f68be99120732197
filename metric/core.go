package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not component-specific)
type Metrics struct {
	// Data repository metrics
	CacheSize          *prometheus.GaugeVec
	CacheEvictions     *prometheus.CounterVec
	CacheConstructions *prometheus.CounterVec

	// Listener multiplexer metrics
	MultiplexerListeners     *prometheus.GaugeVec
	MultiplexerRegistrations *prometheus.GaugeVec

	// Auto-revoke engine metrics
	EngineRuns         *prometheus.CounterVec
	EngineRunDuration  prometheus.Histogram
	PermissionsRevoked *prometheus.CounterVec
	PackagesConsidered prometheus.Counter

	// Errors
	ErrorsTotal *prometheus.CounterVec

	// Event bus metrics
	BusConnected  prometheus.Gauge
	BusReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		CacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "permstream",
				Subsystem: "repository",
				Name:      "entries",
				Help:      "Number of live entries per data repository",
			},
			[]string{"repository"},
		),

		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "permstream",
				Subsystem: "repository",
				Name:      "evictions_total",
				Help:      "Entries evicted under memory pressure, by pressure level",
			},
			[]string{"repository", "level"},
		),

		CacheConstructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "permstream",
				Subsystem: "repository",
				Name:      "constructions_total",
				Help:      "Values constructed by repository factories",
			},
			[]string{"repository"},
		),

		MultiplexerListeners: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "permstream",
				Subsystem: "multiplexer",
				Name:      "listeners",
				Help:      "Logical listeners registered per multiplexer",
			},
			[]string{"multiplexer"},
		),

		MultiplexerRegistrations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "permstream",
				Subsystem: "multiplexer",
				Name:      "platform_registrations",
				Help:      "Underlying platform registrations per multiplexer (0 or 1)",
			},
			[]string{"multiplexer"},
		),

		EngineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "permstream",
				Subsystem: "autorevoke",
				Name:      "runs_total",
				Help:      "Auto-revoke engine runs by outcome",
			},
			[]string{"outcome"},
		),

		EngineRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "permstream",
				Subsystem: "autorevoke",
				Name:      "run_duration_seconds",
				Help:      "Auto-revoke engine run duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		PermissionsRevoked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "permstream",
				Subsystem: "autorevoke",
				Name:      "permissions_revoked_total",
				Help:      "Runtime permissions revoked by the engine, per group",
			},
			[]string{"group"},
		),

		PackagesConsidered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "permstream",
				Subsystem: "autorevoke",
				Name:      "packages_considered_total",
				Help:      "Candidate packages evaluated by the engine",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "permstream",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "class"},
		),

		BusConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "permstream",
				Subsystem: "bus",
				Name:      "connected",
				Help:      "Event bus connection status (0=disconnected, 1=connected)",
			},
		),

		BusReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "permstream",
				Subsystem: "bus",
				Name:      "reconnects_total",
				Help:      "Total number of event bus reconnections",
			},
		),
	}
}

// RecordEviction increments the eviction counter for a repository
func (c *Metrics) RecordEviction(repository, level string) {
	c.CacheEvictions.WithLabelValues(repository, level).Inc()
}

// RecordConstruction increments the construction counter for a repository
func (c *Metrics) RecordConstruction(repository string) {
	c.CacheConstructions.WithLabelValues(repository).Inc()
}

// SetCacheSize updates the live-entry gauge for a repository
func (c *Metrics) SetCacheSize(repository string, n int) {
	c.CacheSize.WithLabelValues(repository).Set(float64(n))
}

// RecordEngineRun records one engine run with its outcome and duration
func (c *Metrics) RecordEngineRun(outcome string, d time.Duration) {
	c.EngineRuns.WithLabelValues(outcome).Inc()
	c.EngineRunDuration.Observe(d.Seconds())
}

// RecordRevocation increments the revoked-permission counter for a group
func (c *Metrics) RecordRevocation(group string) {
	c.PermissionsRevoked.WithLabelValues(group).Inc()
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}
