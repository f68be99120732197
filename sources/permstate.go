package sources

import (
	"context"
	"log/slog"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/multiplex"
	"github.com/c360/permstream/observe"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
)

// PermGroupKey identifies one permission group of one (package, user).
type PermGroupKey struct {
	Pkg   string
	Group string
	User  platform.UserHandle
}

// PermStates is the grant state of every requested permission of one group
// for one package. Nil means the package is not installed.
type PermStates struct {
	UID    int32
	States map[string]platform.PermState
}

// PermStateCell mirrors PermStates for one key. The uid is only known after
// the first load, so the multiplexer listener is registered from the load
// path rather than on activation.
type PermStateCell struct {
	*observe.AsyncCell[*PermStates]

	mux    *multiplex.PermissionMultiplexer
	logger *slog.Logger

	reg    *multiplex.Registration
	regUID int32
}

// PermStateRepository caches one PermStateCell per (package, group, user).
type PermStateRepository struct {
	*repository.Repository[PermGroupKey, *PermStateCell]
}

// NewPermStateRepository creates the repository.
func NewPermStateRepository(
	exec *mainline.Executor,
	notifier *repository.PressureNotifier,
	packages platform.PackageService,
	mux *multiplex.PermissionMultiplexer,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *PermStateRepository {
	if logger == nil {
		logger = slog.Default()
	}
	newCell := func(key PermGroupKey) *PermStateCell {
		c := &PermStateCell{mux: mux, logger: logger}
		load := func(ctx context.Context) (*PermStates, error) {
			states, err := loadPermStates(ctx, packages, key)
			if err != nil || states == nil {
				return states, err
			}
			uid := states.UID
			exec.Post(func() { c.ensureListener(uid) })
			return states, nil
		}
		c.AsyncCell = observe.NewAsyncCell(exec, logger, load,
			observe.WithEquals(samePermStates),
			observe.OnInactive[*PermStates](c.dropListener),
		)
		return c
	}
	return &PermStateRepository{
		Repository: repository.New("perm_state", notifier, newCell, logger,
			repository.WithMetrics[PermGroupKey, *PermStateCell](metrics),
			repository.WithEvictHook(func(_ PermGroupKey, c *PermStateCell) { c.dropListener() })),
	}
}

// loadPermStates reads the current grant state of every requested permission
// belonging to the key's group. Not-installed resolves to nil.
func loadPermStates(ctx context.Context, packages platform.PackageService, key PermGroupKey) (*PermStates, error) {
	info, err := packages.PackageInfo(ctx, key.Pkg, key.User)
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	groupPerms, err := packages.GroupPermissions(ctx, key.Group)
	if err != nil {
		return nil, err
	}
	inGroup := make(map[string]bool, len(groupPerms))
	for _, p := range groupPerms {
		inGroup[p.Name] = true
	}

	states := make(map[string]platform.PermState)
	for _, perm := range info.RequestedPermissions {
		if !inGroup[perm] {
			continue
		}
		flags, err := packages.PermissionFlags(ctx, perm, key.Pkg, key.User)
		if err != nil {
			return nil, err
		}
		state := platform.PermState{Flags: flags}
		state.Granted = platform.IsGranted(info.RequestedPermissionsFlags[perm], state)
		states[perm] = state
	}

	return &PermStates{UID: info.UID, States: states}, nil
}

// ensureListener keeps exactly one multiplexer listener for the cell's
// current uid. Mainline-only.
func (c *PermStateCell) ensureListener(uid int32) {
	if !c.HasObservers() {
		return
	}
	if c.reg != nil && c.regUID == uid {
		return
	}
	c.dropListener()

	reg, err := c.mux.AddListener(uid, func(platform.PermissionEvent) { c.UpdateAsync() })
	if err != nil {
		c.logger.Warn("permission listener registration failed", "uid", uid, "error", err)
		return
	}
	c.reg = reg
	c.regUID = uid
}

func (c *PermStateCell) dropListener() {
	c.reg.Cancel()
	c.reg = nil
}

func samePermStates(a, b *PermStates) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.UID != b.UID || len(a.States) != len(b.States) {
		return false
	}
	for perm, sa := range a.States {
		sb, ok := b.States[perm]
		if !ok || sa != sb {
			return false
		}
	}
	return true
}
