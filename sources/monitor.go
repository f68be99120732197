package sources

import (
	"log/slog"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/platform"
)

// PackageMonitor holds the single package-event subscription and fans events
// out to the package-keyed repositories: observed cells refresh, unobserved
// cells go stale, and cells for removed packages that nobody watches are
// dropped outright.
type PackageMonitor struct {
	exec   *mainline.Executor
	events platform.Events
	logger *slog.Logger

	packages  *PackageInfoRepository
	installed *InstalledRepository

	sub platform.Subscription
}

// NewPackageMonitor creates the monitor. Start must be called to subscribe.
func NewPackageMonitor(
	exec *mainline.Executor,
	events platform.Events,
	packages *PackageInfoRepository,
	installed *InstalledRepository,
	logger *slog.Logger,
) *PackageMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PackageMonitor{
		exec:      exec,
		events:    events,
		logger:    logger,
		packages:  packages,
		installed: installed,
	}
}

// Start subscribes to package events. Idempotent.
func (m *PackageMonitor) Start() error {
	if m.sub != nil {
		return nil
	}
	sub, err := m.events.SubscribePackageEvents(func(ev platform.PackageEvent) {
		m.exec.Post(func() { m.handle(ev) })
	})
	if err != nil {
		return errors.WrapTransient(err, "PackageMonitor", "Start", "subscribe package events")
	}
	m.sub = sub
	return nil
}

// Stop unsubscribes. Idempotent.
func (m *PackageMonitor) Stop() error {
	if m.sub == nil {
		return nil
	}
	err := m.sub.Unsubscribe()
	m.sub = nil
	if err != nil {
		return errors.Wrap(err, "PackageMonitor", "Stop", "unsubscribe package events")
	}
	return nil
}

func (m *PackageMonitor) handle(ev platform.PackageEvent) {
	key := PackageKey{Pkg: ev.PackageName, User: ev.User}
	if cell, ok := m.packages.Peek(key); ok {
		switch {
		case ev.Kind == platform.PackageRemoved && !cell.HasObservers():
			m.packages.Delete(key)
		case cell.HasObservers():
			cell.UpdateAsync()
		default:
			cell.MarkStale()
		}
	}

	if cell, ok := m.installed.Peek(ev.User); ok {
		if cell.HasObservers() {
			cell.UpdateAsync()
		} else {
			cell.MarkStale()
		}
	}
}
