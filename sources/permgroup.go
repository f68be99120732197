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

// GroupMetadata bundles a permission group's platform metadata with the
// permissions that belong to it, keyed by permission name.
type GroupMetadata struct {
	Info        *platform.PermissionGroupInfo
	Permissions map[string]*platform.PermissionInfo
}

// PermGroupCell mirrors metadata for one permission group. A nil value means
// the group name is unknown to the platform.
type PermGroupCell = observe.AsyncCell[*GroupMetadata]

// PermGroupRepository caches one PermGroupCell per group name. Group metadata
// is static platform state; cells load on activation and are otherwise only
// refreshed explicitly.
type PermGroupRepository struct {
	*repository.Repository[string, *PermGroupCell]
}

// NewPermGroupRepository creates the repository.
func NewPermGroupRepository(
	exec *mainline.Executor,
	notifier *repository.PressureNotifier,
	svc platform.PackageService,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *PermGroupRepository {
	if logger == nil {
		logger = slog.Default()
	}
	newCell := func(group string) *PermGroupCell {
		load := func(ctx context.Context) (*GroupMetadata, error) {
			info, err := svc.PermissionGroupInfo(ctx, group)
			if errors.IsNotFound(err) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			perms, err := svc.GroupPermissions(ctx, group)
			if err != nil {
				return nil, err
			}
			byName := make(map[string]*platform.PermissionInfo, len(perms))
			for _, p := range perms {
				byName[p.Name] = p
			}
			return &GroupMetadata{Info: info, Permissions: byName}, nil
		}
		return observe.NewAsyncCell(exec, logger, load,
			observe.WithEquals(sameGroupMetadata))
	}
	return &PermGroupRepository{
		Repository: repository.New("perm_group", notifier, newCell, logger,
			repository.WithMetrics[string, *PermGroupCell](metrics)),
	}
}

func sameGroupMetadata(a, b *GroupMetadata) bool {
	if a == nil || b == nil {
		return a == b
	}
	if *a.Info != *b.Info {
		return false
	}
	if len(a.Permissions) != len(b.Permissions) {
		return false
	}
	for name, pa := range a.Permissions {
		pb, ok := b.Permissions[name]
		if !ok || *pa != *pb {
			return false
		}
	}
	return true
}
