package sources

import (
	"log/slog"

	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/multiplex"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
)

// Sources bundles every leaf repository and cell. One instance is constructed
// at process start and threaded through to consumers; nothing here is a
// package-level singleton.
type Sources struct {
	Packages    *PackageInfoRepository
	Installed   *InstalledRepository
	Groups      *PermGroupRepository
	AppOps      *AppOpRepository
	PermStates  *PermStateRepository
	Sensitivity *SensitivityRepository
	Location    *LocationRepository
	Users       *UsersCell

	Monitor *PackageMonitor
}

// New wires the leaf layer: repositories share the pressure notifier and the
// two multiplexers, and the package monitor feeds the package-keyed caches.
func New(
	exec *mainline.Executor,
	notifier *repository.PressureNotifier,
	svc *platform.Services,
	events platform.Events,
	appOpMux *multiplex.AppOpMultiplexer,
	permMux *multiplex.PermissionMultiplexer,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *Sources {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sources{
		Packages:    NewPackageInfoRepository(exec, notifier, svc.Packages, logger, metrics),
		Installed:   NewInstalledRepository(exec, notifier, svc.Packages, logger, metrics),
		Groups:      NewPermGroupRepository(exec, notifier, svc.Packages, logger, metrics),
		AppOps:      NewAppOpRepository(exec, notifier, svc.Packages, svc.AppOps, appOpMux, logger, metrics),
		PermStates:  NewPermStateRepository(exec, notifier, svc.Packages, permMux, logger, metrics),
		Sensitivity: NewSensitivityRepository(exec, notifier, svc.Packages, permMux, logger, metrics),
		Location:    NewLocationRepository(exec, notifier, svc.Location, logger, metrics),
		Users:       NewUsersCell(exec, svc.Users, events, logger),
	}
	s.Monitor = NewPackageMonitor(exec, events, s.Packages, s.Installed, logger)
	return s
}
