package aggregate

import (
	"log/slog"

	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/observe"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/sources"
)

// GroupUiInfo is the per-group summary over all packages of one user.
type GroupUiInfo struct {
	// Granted counts packages with at least one effective grant in the group.
	Granted int
	// Total counts packages requesting at least one permission of the group.
	Total int
}

// PermGroupsPackagesUiInfo fans out over every tracked group times every
// installed package of one user and summarizes grant counts per group. The
// package × group sources attach while the view is observed and detach with
// it, so an unobserved view costs nothing.
type PermGroupsPackagesUiInfo struct {
	*observe.Mediator[map[string]GroupUiInfo]

	exec   *mainline.Executor
	groups *AppPermGroupRepository
	logger *slog.Logger

	user       platform.UserHandle
	groupNames []string

	installedCell *sources.InstalledCell
	groupCells    map[sources.PermGroupKey]*AppPermGroup
	syncing       bool
}

// NewPermGroupsPackagesUiInfo creates the fan-out view for one user over the
// given permission groups.
func NewPermGroupsPackagesUiInfo(
	exec *mainline.Executor,
	src *sources.Sources,
	groups *AppPermGroupRepository,
	user platform.UserHandle,
	groupNames []string,
	logger *slog.Logger,
) *PermGroupsPackagesUiInfo {
	if logger == nil {
		logger = slog.Default()
	}
	u := &PermGroupsPackagesUiInfo{
		exec:       exec,
		groups:     groups,
		logger:     logger,
		user:       user,
		groupNames: groupNames,
		groupCells: make(map[sources.PermGroupKey]*AppPermGroup),
	}
	u.installedCell = src.Installed.GetDataObject(user)
	u.Mediator = observe.NewMediator(exec, u.build,
		observe.WithEquals(sameUiInfo))
	u.AddSource(u.installedCell)
	return u
}

func (u *PermGroupsPackagesUiInfo) build() (map[string]GroupUiInfo, bool) {
	if !u.installedCell.Initialized() {
		return nil, false
	}
	installed := u.installedCell.Value()

	current := make(map[sources.PermGroupKey]bool, len(installed)*len(u.groupNames))
	needSync := false
	out := make(map[string]GroupUiInfo, len(u.groupNames))

	for _, group := range u.groupNames {
		info := out[group]
		for _, pkg := range installed {
			key := sources.PermGroupKey{Pkg: pkg.PackageName, Group: group, User: u.user}
			current[key] = true

			cell, ok := u.groupCells[key]
			if !ok {
				needSync = true
				continue
			}
			if !cell.Initialized() {
				continue
			}
			g := cell.Value()
			if g == nil {
				continue
			}
			info.Total++
			if g.AreRuntimePermissionsGranted() {
				info.Granted++
			}
		}
		out[group] = info
	}

	// Packages can disappear between recomputes; their sources go too.
	for key := range u.groupCells {
		if !current[key] {
			needSync = true
			break
		}
	}
	if needSync {
		u.postSync(current)
	}

	return out, true
}

func (u *PermGroupsPackagesUiInfo) postSync(current map[sources.PermGroupKey]bool) {
	if u.syncing {
		return
	}
	u.syncing = true
	u.exec.Post(func() {
		u.syncing = false
		for key := range current {
			if _, ok := u.groupCells[key]; ok {
				continue
			}
			cell := u.groups.GetDataObject(key)
			u.groupCells[key] = cell
			u.AddSource(cell)
		}
		for key, cell := range u.groupCells {
			if !current[key] {
				u.RemoveSource(cell)
				delete(u.groupCells, key)
			}
		}
	})
}

func sameUiInfo(a, b map[string]GroupUiInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for group, ia := range a {
		ib, ok := b[group]
		if !ok || ia != ib {
			return false
		}
	}
	return true
}
