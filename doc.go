// Package permstream implements observable permission state and the
// auto-revocation of runtime permissions from unused apps.
//
// # Architecture
//
// The system is a reactive cache graph over an external system of record.
// Leaf repositories cache platform state (package info, permission state,
// app-op modes), invalidated by change events arriving over NATS; aggregating
// views compose leaves into per-(package, group, user) grant snapshots; the
// auto-revoke engine consumes those snapshots on a schedule.
//
//	┌─────────────────────────────────────┐
//	│        autorevoke.Engine            │  scheduled decision runs,
//	│        autorevoke.Regrant           │  re-grant sweep
//	└─────────────────────────────────────┘
//	           ↓ reads snapshots from
//	┌─────────────────────────────────────┐
//	│     aggregate.AppPermGroup          │  per-(pkg, group, user)
//	│     aggregate.PermGroupsPackagesUiInfo  grant state views
//	└─────────────────────────────────────┘
//	           ↓ composes cells from
//	┌─────────────────────────────────────┐
//	│   sources.* leaf repositories       │  single-flight caches with
//	│   (packages, perm state, app ops,   │  TTL and memory-pressure
//	│    sensitivity, location, users)    │  eviction
//	└─────────────────────────────────────┘
//	           ↓ invalidated by
//	┌─────────────────────────────────────┐
//	│   multiplex.* + eventbus.Bus        │  0-or-1 upstream registration
//	│   (NATS change notifications)       │  fanned out per listener
//	└─────────────────────────────────────┘
//
// All graph mutation happens on a single-threaded executor (package
// mainline); cells and mediators (package observe) carry values with change
// suppression, activation hooks, and staleness tracking.
//
// # Packages
//
// Core graph:
//   - observe: Cell, Mediator, AsyncCell primitives
//   - mainline: the single-threaded executor
//   - repository: keyed single-flight caches with trim-level eviction
//   - multiplex: per-op and per-uid event listener multiplexers
//   - sources: leaf repositories over the platform services
//   - aggregate: permission-group snapshots and per-user UI info views
//
// Decision logic:
//   - autorevoke: the unused-app revocation engine and the re-grant sweep
//
// Boundary and infrastructure:
//   - platform: external collaborator interfaces and value types
//   - eventbus: NATS-backed change notifications and request transport
//   - platnats: platform services over NATS request/reply
//   - schedule: in-process periodic job scheduler
//   - config: boot config file plus live updates via JetStream KV
//   - service: the controller wiring everything together
//   - metric, health, errors, pkg/retry, pkg/worker: ambient concerns
//   - testutil: in-memory fakes for the platform boundary
//
// # Binary
//
// cmd/permstream runs the daemon: it connects the bus, schedules the engine,
// and serves /metrics and /healthz.
package permstream
