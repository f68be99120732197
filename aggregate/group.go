package aggregate

import (
	"log/slog"

	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/observe"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
	"github.com/c360/permstream/sources"
)

// AppPermGroup is the observable LightAppPermGroup for one (package, group,
// user). It mediates over the package cell, the group metadata cell, the
// perm-state cell, the location cell for the LOCATION group, and one app-op
// cell per op-mapped permission. Op cells are discovered from group metadata,
// so they attach one recompute after the metadata first loads.
type AppPermGroup struct {
	*observe.Mediator[*LightAppPermGroup]

	exec   *mainline.Executor
	src    *sources.Sources
	appOps platform.AppOpsService
	key    sources.PermGroupKey

	pkgCell   *sources.PackageInfoCell
	groupCell *sources.PermGroupCell
	stateCell *sources.PermStateCell
	locCell   *sources.LocationCell

	opCells map[string]*sources.AppOpCell // keyed by op name
	syncing bool
}

func newAppPermGroup(
	exec *mainline.Executor,
	src *sources.Sources,
	appOps platform.AppOpsService,
	key sources.PermGroupKey,
) *AppPermGroup {
	g := &AppPermGroup{
		exec:    exec,
		src:     src,
		appOps:  appOps,
		key:     key,
		opCells: make(map[string]*sources.AppOpCell),
	}

	pkgKey := sources.PackageKey{Pkg: key.Pkg, User: key.User}
	g.pkgCell = src.Packages.GetDataObject(pkgKey)
	g.groupCell = src.Groups.GetDataObject(key.Group)
	g.stateCell = src.PermStates.GetDataObject(key)

	g.Mediator = observe.NewMediator(exec, g.build,
		observe.WithEquals(sameLightGroup))
	g.AddSource(g.pkgCell)
	g.AddSource(g.groupCell)
	g.AddSource(g.stateCell)

	if key.Group == platform.GroupLocation {
		g.locCell = src.Location.GetDataObject(pkgKey)
		g.AddSource(g.locCell)
	}

	return g
}

// Key returns the identity this view aggregates.
func (g *AppPermGroup) Key() sources.PermGroupKey { return g.key }

// build computes the snapshot from current source values. It never mutates
// the source set itself; missing op sources are attached on a follow-up
// mainline task so the attachment's immediate recompute cannot re-enter.
func (g *AppPermGroup) build() (*LightAppPermGroup, bool) {
	if !g.pkgCell.Initialized() || !g.groupCell.Initialized() || !g.stateCell.Initialized() {
		return nil, false
	}

	pkg := g.pkgCell.Value()
	meta := g.groupCell.Value()
	states := g.stateCell.Value()
	if pkg == nil || meta == nil || states == nil {
		// Identity gone: publish absent.
		return nil, true
	}

	var loc sources.LocationState
	if g.locCell != nil {
		if !g.locCell.Initialized() {
			return nil, false
		}
		loc = g.locCell.Value()
	}

	requested := make(map[string]bool, len(pkg.RequestedPermissions))
	for _, p := range pkg.RequestedPermissions {
		requested[p] = true
	}

	fg := SubGroup{Permissions: make(map[string]LightPermission)}
	bg := SubGroup{Permissions: make(map[string]LightPermission)}
	hasBackground := false

	// Background members: permissions named by another requested permission's
	// BackgroundPermission field.
	backgroundPerms := make(map[string]bool)
	for name, info := range meta.Permissions {
		if !requested[name] {
			continue
		}
		if info.BackgroundPermission != "" && requested[info.BackgroundPermission] {
			backgroundPerms[info.BackgroundPermission] = true
		}
	}

	needSync := false
	for name, info := range meta.Permissions {
		// Unrequested or unknown permissions are excluded entirely, not
		// reported as denied.
		if !requested[name] {
			continue
		}
		state, ok := states.States[name]
		if !ok {
			continue
		}

		granted := state.Granted
		if g.key.Group == platform.GroupLocation {
			// Location providers reflect the global location toggle; the
			// extra controller package reflects its own enabled state.
			if loc.IsProvider {
				granted = loc.Enabled
			}
			if loc.IsExtraController {
				granted = loc.ExtraControllerEnabled
			}
		}

		opMode := platform.OpModeAllowed
		if info.AppOp != "" {
			opCell, attached := g.opCells[info.AppOp]
			if !attached {
				needSync = true
				opMode = g.appOps.DefaultOpMode(info.AppOp)
			} else if !opCell.Initialized() {
				opMode = g.appOps.DefaultOpMode(info.AppOp)
			} else {
				opMode = opCell.Value()
				if opMode == platform.OpModeDefault {
					opMode = g.appOps.DefaultOpMode(info.AppOp)
				}
			}
			if opMode != platform.OpModeAllowed && opMode != platform.OpModeForeground {
				granted = false
			}
		}

		lp := LightPermission{Info: info, State: state, Granted: granted, OpMode: opMode}
		if backgroundPerms[name] {
			hasBackground = true
			accumulate(&bg, lp)
		} else {
			accumulate(&fg, lp)
		}
	}

	if needSync {
		g.postOpSync()
	}

	if len(fg.Permissions) == 0 && len(bg.Permissions) == 0 {
		return nil, true
	}

	// Background access requires foreground access.
	if hasBackground {
		bg.Granted = bg.Granted && fg.Granted
	}

	return &LightAppPermGroup{
		Pkg:           pkg,
		GroupInfo:     meta.Info,
		Foreground:    fg,
		Background:    bg,
		HasBackground: hasBackground,
	}, true
}

func accumulate(sub *SubGroup, lp LightPermission) {
	sub.Permissions[lp.Info.Name] = lp
	flags := lp.State.Flags
	sub.Granted = sub.Granted || lp.Granted
	sub.SystemFixed = sub.SystemFixed || flags&platform.FlagSystemFixed != 0
	sub.PolicyFixed = sub.PolicyFixed || flags&platform.FlagPolicyFixed != 0
	sub.GrantedByDefault = sub.GrantedByDefault || flags&platform.FlagGrantedByDefault != 0
	sub.GrantedByRole = sub.GrantedByRole || flags&platform.FlagGrantedByRole != 0
	sub.UserSet = sub.UserSet || flags&platform.FlagUserSet != 0
	sub.UserSensitive = sub.UserSensitive || flags&platform.FlagsUserSensitive != 0
}

// postOpSync schedules op-cell attachment as its own mainline task.
func (g *AppPermGroup) postOpSync() {
	if g.syncing {
		return
	}
	g.syncing = true
	g.exec.Post(func() {
		g.syncing = false
		g.syncOpSources()
	})
}

// syncOpSources attaches an app-op cell source for every op-mapped requested
// permission that does not have one yet. Mainline-only.
func (g *AppPermGroup) syncOpSources() {
	if !g.groupCell.Initialized() || !g.pkgCell.Initialized() {
		return
	}
	meta := g.groupCell.Value()
	pkg := g.pkgCell.Value()
	if meta == nil || pkg == nil {
		return
	}
	requested := make(map[string]bool, len(pkg.RequestedPermissions))
	for _, p := range pkg.RequestedPermissions {
		requested[p] = true
	}
	for name, info := range meta.Permissions {
		if !requested[name] || info.AppOp == "" {
			continue
		}
		if _, ok := g.opCells[info.AppOp]; ok {
			continue
		}
		cell := g.src.AppOps.GetDataObject(sources.AppOpKey{
			Op: info.AppOp, Pkg: g.key.Pkg, User: g.key.User,
		})
		g.opCells[info.AppOp] = cell
		g.AddSource(cell)
	}
}

// AppPermGroupRepository caches one AppPermGroup per (package, group, user).
type AppPermGroupRepository struct {
	*repository.Repository[sources.PermGroupKey, *AppPermGroup]
}

// NewAppPermGroupRepository creates the repository.
func NewAppPermGroupRepository(
	exec *mainline.Executor,
	notifier *repository.PressureNotifier,
	src *sources.Sources,
	appOps platform.AppOpsService,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *AppPermGroupRepository {
	if logger == nil {
		logger = slog.Default()
	}
	newValue := func(key sources.PermGroupKey) *AppPermGroup {
		return newAppPermGroup(exec, src, appOps, key)
	}
	return &AppPermGroupRepository{
		Repository: repository.New("app_perm_group", notifier, newValue, logger,
			repository.WithMetrics[sources.PermGroupKey, *AppPermGroup](metrics),
			repository.WithEvictHook(func(_ sources.PermGroupKey, g *AppPermGroup) {
				g.RemoveAllSources()
			})),
	}
}
