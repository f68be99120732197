package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/platform"
)

type permKey struct {
	perm string
	pkg  string
	user platform.UserHandle
}

type opKey struct {
	op  string
	pkg string
	uid int32
}

// Mutation records one grant or revoke call.
type Mutation struct {
	Perm string
	Pkg  string
	User platform.UserHandle
}

// FlagUpdate records one UpdatePermissionFlags call.
type FlagUpdate struct {
	Perm   string
	Pkg    string
	User   platform.UserHandle
	Mask   uint32
	Values uint32
}

// NotificationRecord records one NotifyUnusedAppsRevoked call.
type NotificationRecord struct {
	User     platform.UserHandle
	Packages []string
	ID       string
}

// StatsRecord records one telemetry call.
type StatsRecord struct {
	RunID     string
	UID       int32
	Perm      string
	Regranted bool
}

// FakePlatform implements every platform service interface in memory. It is
// safe for concurrent use: the auto-revoke engine calls it from worker
// goroutines.
type FakePlatform struct {
	mu sync.Mutex

	packages   map[platform.UserHandle]map[string]*platform.PackageInfo
	perms      map[string]*platform.PermissionInfo
	groups     map[string]*platform.PermissionGroupInfo
	flags      map[permKey]uint32
	opModes    map[opKey]platform.AppOpMode
	opDefaults map[string]platform.AppOpMode

	users    []platform.UserHandle
	profiles map[platform.UserHandle][]platform.UserHandle

	usage      map[platform.UserHandle]map[string]time.Time
	importance map[int32]platform.Importance

	locationEnabled    map[platform.UserHandle]bool
	locationProviders  map[string]bool
	extraControllerPkg map[platform.UserHandle]string
	extraControllerOn  map[platform.UserHandle]bool

	// FlagUpdateFailures makes the next N UpdatePermissionFlags calls fail
	// with a transient error, for retry-path tests.
	FlagUpdateFailures int

	Grants        []Mutation
	Revokes       []Mutation
	FlagUpdates   []FlagUpdate
	Notifications []NotificationRecord
	StatsLog      []StatsRecord
}

// NewFakePlatform creates an empty fake platform.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		packages:           make(map[platform.UserHandle]map[string]*platform.PackageInfo),
		perms:              make(map[string]*platform.PermissionInfo),
		groups:             make(map[string]*platform.PermissionGroupInfo),
		flags:              make(map[permKey]uint32),
		opModes:            make(map[opKey]platform.AppOpMode),
		opDefaults:         make(map[string]platform.AppOpMode),
		profiles:           make(map[platform.UserHandle][]platform.UserHandle),
		usage:              make(map[platform.UserHandle]map[string]time.Time),
		importance:         make(map[int32]platform.Importance),
		locationEnabled:    make(map[platform.UserHandle]bool),
		locationProviders:  make(map[string]bool),
		extraControllerPkg: make(map[platform.UserHandle]string),
		extraControllerOn:  make(map[platform.UserHandle]bool),
	}
}

// Services bundles the fake into a platform.Services value, with the given
// scheduler (commonly a *FakeScheduler).
func (f *FakePlatform) Services(sched platform.Scheduler) *platform.Services {
	return &platform.Services{
		Packages:      f,
		Users:         f,
		AppOps:        f,
		Usage:         f,
		Importance:    f,
		Location:      f,
		Scheduler:     sched,
		Notifications: f,
		Stats:         f,
	}
}

// --- builders ---

// AddUser registers a user. The user's profile group defaults to itself.
func (f *FakePlatform) AddUser(u platform.UserHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, u)
	if _, ok := f.profiles[u]; !ok {
		f.profiles[u] = []platform.UserHandle{u}
	}
}

// SetProfiles sets the enabled profile group for a user.
func (f *FakePlatform) SetProfiles(u platform.UserHandle, profiles ...platform.UserHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[u] = profiles
}

// AddPackage registers a package under its User field.
func (f *FakePlatform) AddPackage(info *platform.PackageInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.RequestedPermissionsFlags == nil {
		info.RequestedPermissionsFlags = make(map[string]uint32)
	}
	perUser, ok := f.packages[info.User]
	if !ok {
		perUser = make(map[string]*platform.PackageInfo)
		f.packages[info.User] = perUser
	}
	perUser[info.PackageName] = info
}

// RemovePackage unregisters a package.
func (f *FakePlatform) RemovePackage(pkg string, user platform.UserHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packages[user], pkg)
}

// AddPermission registers permission metadata, creating the group record if
// it does not exist yet.
func (f *FakePlatform) AddPermission(info *platform.PermissionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms[info.Name] = info
	if info.Group != "" {
		if _, ok := f.groups[info.Group]; !ok {
			f.groups[info.Group] = &platform.PermissionGroupInfo{
				Name:             info.Group,
				DeclaringPackage: "android",
			}
		}
	}
}

// SetFlags stores the flag bitmask for (perm, pkg, user).
func (f *FakePlatform) SetFlags(perm, pkg string, user platform.UserHandle, flags uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[permKey{perm, pkg, user}] = flags
}

// Flags reads the stored flag bitmask.
func (f *FakePlatform) Flags(perm, pkg string, user platform.UserHandle) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[permKey{perm, pkg, user}]
}

// SetGrant flips the install-level granted bit of a requested permission.
func (f *FakePlatform) SetGrant(pkg string, user platform.UserHandle, perm string, granted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.packages[user][pkg]
	if info == nil {
		return
	}
	if granted {
		info.RequestedPermissionsFlags[perm] |= platform.ReqFlagGranted
	} else {
		info.RequestedPermissionsFlags[perm] &^= platform.ReqFlagGranted
	}
}

// SetOp stores an op mode.
func (f *FakePlatform) SetOp(op, pkg string, uid int32, mode platform.AppOpMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opModes[opKey{op, pkg, uid}] = mode
}

// SetUsage records the last-visible time of a package for a user.
func (f *FakePlatform) SetUsage(user platform.UserHandle, pkg string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	perUser, ok := f.usage[user]
	if !ok {
		perUser = make(map[string]time.Time)
		f.usage[user] = perUser
	}
	perUser[pkg] = t
}

// SetImportance sets the process importance reported for a uid.
func (f *FakePlatform) SetImportance(uid int32, imp platform.Importance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.importance[uid] = imp
}

// SetLocationEnabled toggles global location services for a user.
func (f *FakePlatform) SetLocationEnabled(user platform.UserHandle, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locationEnabled[user] = on
}

// SetLocationProvider marks a package as a location provider.
func (f *FakePlatform) SetLocationProvider(pkg string, yes bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locationProviders[pkg] = yes
}

// SetExtraLocationController configures the extra controller package.
func (f *FakePlatform) SetExtraLocationController(user platform.UserHandle, pkg string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extraControllerPkg[user] = pkg
	f.extraControllerOn[user] = enabled
}

// --- PackageService ---

// PackageInfo implements platform.PackageService.
func (f *FakePlatform) PackageInfo(_ context.Context, pkg string, user platform.UserHandle) (*platform.PackageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.packages[user][pkg]
	if !ok {
		return nil, errors.ErrPackageNotFound
	}
	cp := *info
	cp.RequestedPermissionsFlags = make(map[string]uint32, len(info.RequestedPermissionsFlags))
	for k, v := range info.RequestedPermissionsFlags {
		cp.RequestedPermissionsFlags[k] = v
	}
	return &cp, nil
}

// InstalledPackages implements platform.PackageService.
func (f *FakePlatform) InstalledPackages(_ context.Context, user platform.UserHandle) ([]*platform.PackageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*platform.PackageInfo, 0, len(f.packages[user]))
	for _, info := range f.packages[user] {
		cp := *info
		out = append(out, &cp)
	}
	return out, nil
}

// PermissionInfo implements platform.PackageService.
func (f *FakePlatform) PermissionInfo(_ context.Context, name string) (*platform.PermissionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.perms[name]
	if !ok {
		return nil, errors.ErrPermissionNotFound
	}
	cp := *info
	return &cp, nil
}

// PermissionGroupInfo implements platform.PackageService.
func (f *FakePlatform) PermissionGroupInfo(_ context.Context, name string) (*platform.PermissionGroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.groups[name]
	if !ok {
		return nil, errors.ErrGroupNotFound
	}
	cp := *info
	return &cp, nil
}

// GroupPermissions implements platform.PackageService.
func (f *FakePlatform) GroupPermissions(_ context.Context, group string) ([]*platform.PermissionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*platform.PermissionInfo
	for _, info := range f.perms {
		if info.Group == group {
			cp := *info
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PermissionFlags implements platform.PackageService.
func (f *FakePlatform) PermissionFlags(_ context.Context, perm, pkg string, user platform.UserHandle) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[permKey{perm, pkg, user}], nil
}

// UpdatePermissionFlags implements platform.PackageService.
func (f *FakePlatform) UpdatePermissionFlags(_ context.Context, perm, pkg string, user platform.UserHandle, mask, values uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FlagUpdateFailures > 0 {
		f.FlagUpdateFailures--
		return errors.ErrFlagUpdateFailed
	}
	k := permKey{perm, pkg, user}
	f.flags[k] = (f.flags[k] &^ mask) | (values & mask)
	f.FlagUpdates = append(f.FlagUpdates, FlagUpdate{Perm: perm, Pkg: pkg, User: user, Mask: mask, Values: values})
	return nil
}

// GrantRuntimePermission implements platform.PackageService.
func (f *FakePlatform) GrantRuntimePermission(_ context.Context, perm, pkg string, user platform.UserHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info := f.packages[user][pkg]; info != nil {
		info.RequestedPermissionsFlags[perm] |= platform.ReqFlagGranted
	}
	f.Grants = append(f.Grants, Mutation{Perm: perm, Pkg: pkg, User: user})
	return nil
}

// RevokeRuntimePermission implements platform.PackageService.
func (f *FakePlatform) RevokeRuntimePermission(_ context.Context, perm, pkg string, user platform.UserHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info := f.packages[user][pkg]; info != nil {
		info.RequestedPermissionsFlags[perm] &^= platform.ReqFlagGranted
	}
	f.Revokes = append(f.Revokes, Mutation{Perm: perm, Pkg: pkg, User: user})
	return nil
}

// --- UserService ---

// Users implements platform.UserService.
func (f *FakePlatform) Users(_ context.Context) ([]platform.UserHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]platform.UserHandle, len(f.users))
	copy(out, f.users)
	return out, nil
}

// EnabledProfiles implements platform.UserService.
func (f *FakePlatform) EnabledProfiles(_ context.Context, user platform.UserHandle) ([]platform.UserHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profiles, ok := f.profiles[user]
	if !ok {
		return []platform.UserHandle{user}, nil
	}
	out := make([]platform.UserHandle, len(profiles))
	copy(out, profiles)
	return out, nil
}

// --- AppOpsService ---

// OpMode implements platform.AppOpsService.
func (f *FakePlatform) OpMode(_ context.Context, op string, uid int32, pkg string) (platform.AppOpMode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mode, ok := f.opModes[opKey{op, pkg, uid}]
	if !ok {
		return platform.OpModeDefault, nil
	}
	return mode, nil
}

// SetOpMode implements platform.AppOpsService.
func (f *FakePlatform) SetOpMode(_ context.Context, op string, uid int32, pkg string, mode platform.AppOpMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opModes[opKey{op, pkg, uid}] = mode
	return nil
}

// DefaultOpMode implements platform.AppOpsService.
func (f *FakePlatform) DefaultOpMode(op string) platform.AppOpMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mode, ok := f.opDefaults[op]; ok {
		return mode
	}
	return platform.OpModeAllowed
}

// SetDefaultOpMode configures the default mode reported for an op.
func (f *FakePlatform) SetDefaultOpMode(op string, mode platform.AppOpMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opDefaults[op] = mode
}

// --- UsageStatsService ---

// LastVisibleTimes implements platform.UsageStatsService.
func (f *FakePlatform) LastVisibleTimes(_ context.Context, user platform.UserHandle, since time.Time) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time)
	for pkg, t := range f.usage[user] {
		if !t.Before(since) {
			out[pkg] = t
		}
	}
	return out, nil
}

// --- ImportanceService ---

// UidImportance implements platform.ImportanceService.
func (f *FakePlatform) UidImportance(_ context.Context, uid int32) (platform.Importance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	imp, ok := f.importance[uid]
	if !ok {
		return platform.ImportanceGone, nil
	}
	return imp, nil
}

// --- LocationService ---

// LocationEnabled implements platform.LocationService.
func (f *FakePlatform) LocationEnabled(_ context.Context, user platform.UserHandle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locationEnabled[user], nil
}

// IsLocationProvider implements platform.LocationService.
func (f *FakePlatform) IsLocationProvider(_ context.Context, pkg string, _ platform.UserHandle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locationProviders[pkg], nil
}

// ExtraLocationControllerPackage implements platform.LocationService.
func (f *FakePlatform) ExtraLocationControllerPackage(_ context.Context, user platform.UserHandle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extraControllerPkg[user], nil
}

// ExtraLocationControllerEnabled implements platform.LocationService.
func (f *FakePlatform) ExtraLocationControllerEnabled(_ context.Context, user platform.UserHandle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extraControllerOn[user], nil
}

// --- NotificationService ---

// NotifyUnusedAppsRevoked implements platform.NotificationService.
func (f *FakePlatform) NotifyUnusedAppsRevoked(_ context.Context, user platform.UserHandle, packages []string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notifications = append(f.Notifications, NotificationRecord{User: user, Packages: packages, ID: id})
	return nil
}

// --- StatsLogger ---

// LogPermissionAutoRevoked implements platform.StatsLogger.
func (f *FakePlatform) LogPermissionAutoRevoked(runID string, uid int32, permission string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatsLog = append(f.StatsLog, StatsRecord{RunID: runID, UID: uid, Perm: permission})
}

// LogPermissionRegranted implements platform.StatsLogger.
func (f *FakePlatform) LogPermissionRegranted(runID string, uid int32, permission string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatsLog = append(f.StatsLog, StatsRecord{RunID: runID, UID: uid, Perm: permission, Regranted: true})
}
