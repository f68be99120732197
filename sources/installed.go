package sources

import (
	"context"
	"log/slog"

	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/observe"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
)

// InstalledCell mirrors the installed-package list for one user.
type InstalledCell = observe.AsyncCell[[]*platform.PackageInfo]

// InstalledRepository caches one InstalledCell per user. Any package event
// for the user refreshes the list.
type InstalledRepository struct {
	*repository.Repository[platform.UserHandle, *InstalledCell]
}

// NewInstalledRepository creates the repository.
func NewInstalledRepository(
	exec *mainline.Executor,
	notifier *repository.PressureNotifier,
	svc platform.PackageService,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *InstalledRepository {
	if logger == nil {
		logger = slog.Default()
	}
	newCell := func(user platform.UserHandle) *InstalledCell {
		load := func(ctx context.Context) ([]*platform.PackageInfo, error) {
			return svc.InstalledPackages(ctx, user)
		}
		return observe.NewAsyncCell(exec, logger, load,
			observe.WithEquals(samePackageList))
	}
	return &InstalledRepository{
		Repository: repository.New("installed_packages", notifier, newCell, logger,
			repository.WithMetrics[platform.UserHandle, *InstalledCell](metrics)),
	}
}

func samePackageList(a, b []*platform.PackageInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !samePackageInfo(a[i], b[i]) {
			return false
		}
	}
	return true
}
