// Package sources holds the leaf observables of the reactive graph: thin
// adapters over the platform services and the change-notification bus. Each
// leaf is an async cell cached in a repository under its composite key;
// lookup misses publish an absent (nil) value instead of propagating errors
// up the graph.
package sources

import (
	"context"
	"log/slog"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/observe"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
)

// PackageKey identifies one package for one user.
type PackageKey struct {
	Pkg  string
	User platform.UserHandle
}

// PackageInfoCell mirrors install state for one (package, user). A nil value
// means the package is not installed.
type PackageInfoCell = observe.AsyncCell[*platform.PackageInfo]

// PackageInfoRepository caches one PackageInfoCell per (package, user).
type PackageInfoRepository struct {
	*repository.Repository[PackageKey, *PackageInfoCell]
}

// NewPackageInfoRepository creates the repository. Cells load lazily on first
// observation; the PackageMonitor refreshes them on package events.
func NewPackageInfoRepository(
	exec *mainline.Executor,
	notifier *repository.PressureNotifier,
	svc platform.PackageService,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *PackageInfoRepository {
	if logger == nil {
		logger = slog.Default()
	}
	newCell := func(key PackageKey) *PackageInfoCell {
		load := func(ctx context.Context) (*platform.PackageInfo, error) {
			info, err := svc.PackageInfo(ctx, key.Pkg, key.User)
			if errors.IsNotFound(err) {
				return nil, nil
			}
			return info, err
		}
		return observe.NewAsyncCell(exec, logger, load,
			observe.WithEquals(samePackageInfo))
	}
	return &PackageInfoRepository{
		Repository: repository.New("package_info", notifier, newCell, logger,
			repository.WithMetrics[PackageKey, *PackageInfoCell](metrics)),
	}
}

// samePackageInfo is the change-suppression predicate: two snapshots compare
// equal when every field the graph reads from them matches.
func samePackageInfo(a, b *platform.PackageInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.PackageName != b.PackageName || a.User != b.User || a.UID != b.UID ||
		a.TargetSDK != b.TargetSDK || a.Enabled != b.Enabled ||
		a.CrossProfile != b.CrossProfile ||
		!a.FirstInstallTime.Equal(b.FirstInstallTime) {
		return false
	}
	if len(a.RequestedPermissions) != len(b.RequestedPermissions) {
		return false
	}
	for i := range a.RequestedPermissions {
		if a.RequestedPermissions[i] != b.RequestedPermissions[i] {
			return false
		}
	}
	if len(a.RequestedPermissionsFlags) != len(b.RequestedPermissionsFlags) {
		return false
	}
	for k, v := range a.RequestedPermissionsFlags {
		if b.RequestedPermissionsFlags[k] != v {
			return false
		}
	}
	return true
}
