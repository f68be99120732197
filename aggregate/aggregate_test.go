package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/multiplex"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
	"github.com/c360/permstream/sources"
	"github.com/c360/permstream/testutil"
)

func onExec(t *testing.T, exec *mainline.Executor, fn func()) {
	t.Helper()
	require.NoError(t, exec.PostAndWait(fn))
}

func waitFor(t *testing.T, exec *mainline.Executor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		require.NoError(t, exec.PostAndWait(func() { ok = cond() }))
		if ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

type fixture struct {
	exec    *mainline.Executor
	bus     *testutil.FakeBus
	plat    *testutil.FakePlatform
	sources *sources.Sources
	groups  *AppPermGroupRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	exec := mainline.New(nil)
	t.Cleanup(func() { _ = exec.Stop(time.Second) })

	bus := testutil.NewFakeBus()
	plat := testutil.NewFakePlatform()
	notifier := repository.NewPressureNotifier(exec, nil)
	appOpMux := multiplex.NewAppOpMultiplexer(exec, bus, nil, nil)
	permMux := multiplex.NewPermissionMultiplexer(exec, bus, nil, nil)

	src := sources.New(exec, notifier, plat.Services(nil), bus, appOpMux, permMux, nil, nil)
	groups := NewAppPermGroupRepository(exec, notifier, src, plat, nil, nil)

	return &fixture{exec: exec, bus: bus, plat: plat, sources: src, groups: groups}
}

// addLocationApp installs a package requesting foreground+background location
// with the foreground granted.
func (f *fixture) addLocationApp(pkg string, user platform.UserHandle, uid int32) {
	f.plat.AddUser(user)
	f.plat.AddPermission(&platform.PermissionInfo{
		Name:                 "FINE_LOCATION",
		Group:                platform.GroupLocation,
		BackgroundPermission: "BACKGROUND_LOCATION",
		Runtime:              true,
	})
	f.plat.AddPermission(&platform.PermissionInfo{
		Name:    "BACKGROUND_LOCATION",
		Group:   platform.GroupLocation,
		Runtime: true,
	})
	f.plat.AddPackage(&platform.PackageInfo{
		PackageName:          pkg,
		User:                 user,
		UID:                  uid,
		TargetSDK:            31,
		Enabled:              true,
		RequestedPermissions: []string{"FINE_LOCATION", "BACKGROUND_LOCATION"},
		RequestedPermissionsFlags: map[string]uint32{
			"FINE_LOCATION":       platform.ReqFlagGranted,
			"BACKGROUND_LOCATION": 0,
		},
	})
}

func (f *fixture) observeGroup(t *testing.T, key sources.PermGroupKey) *AppPermGroup {
	t.Helper()
	var g *AppPermGroup
	onExec(t, f.exec, func() {
		g = f.groups.GetDataObject(key)
		g.Observe(func() {})
	})
	return g
}

func locationKey(pkg string, user platform.UserHandle) sources.PermGroupKey {
	return sources.PermGroupKey{Pkg: pkg, Group: platform.GroupLocation, User: user}
}

func TestAppPermGroup_BuildsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.addLocationApp("com.example.maps", 0, 10001)

	g := f.observeGroup(t, locationKey("com.example.maps", 0))

	waitFor(t, f.exec, func() bool {
		return g.Initialized() && g.Value() != nil && g.Value().Foreground.Granted
	})
	onExec(t, f.exec, func() {
		v := g.Value()
		assert.Equal(t, int32(10001), v.Pkg.UID)
		assert.True(t, v.HasBackground)
		assert.Contains(t, v.Foreground.Permissions, "FINE_LOCATION")
		assert.Contains(t, v.Background.Permissions, "BACKGROUND_LOCATION")
		assert.False(t, v.Background.Granted, "background not granted at install level")
		assert.True(t, v.AreRuntimePermissionsGranted())
	})
}

func TestAppPermGroup_BackgroundRequiresForeground(t *testing.T) {
	f := newFixture(t)
	f.addLocationApp("com.example.maps", 0, 10001)
	// Background granted, foreground not: the invariant forces the
	// background sub-group to report ungranted.
	f.plat.SetGrant("com.example.maps", 0, "FINE_LOCATION", false)
	f.plat.SetGrant("com.example.maps", 0, "BACKGROUND_LOCATION", true)

	g := f.observeGroup(t, locationKey("com.example.maps", 0))

	waitFor(t, f.exec, func() bool { return g.Initialized() && g.Value() != nil })
	onExec(t, f.exec, func() {
		v := g.Value()
		assert.False(t, v.Foreground.Granted)
		assert.False(t, v.Background.Granted)
	})
}

func TestAppPermGroup_UnrequestedPermissionExcluded(t *testing.T) {
	f := newFixture(t)
	f.addLocationApp("com.example.maps", 0, 10001)
	// Another location permission exists but is not requested.
	f.plat.AddPermission(&platform.PermissionInfo{
		Name: "COARSE_LOCATION", Group: platform.GroupLocation, Runtime: true,
	})

	g := f.observeGroup(t, locationKey("com.example.maps", 0))

	waitFor(t, f.exec, func() bool { return g.Initialized() && g.Value() != nil })
	onExec(t, f.exec, func() {
		all := g.Value().AllPermissions()
		assert.NotContains(t, all, "COARSE_LOCATION",
			"unrequested permissions are excluded, not reported denied")
	})
}

func TestAppPermGroup_LocationProviderOverride(t *testing.T) {
	f := newFixture(t)
	f.addLocationApp("com.example.gps", 0, 10001)
	f.plat.SetLocationProvider("com.example.gps", true)
	f.plat.SetLocationEnabled(0, false)

	g := f.observeGroup(t, locationKey("com.example.gps", 0))

	// Install-level grant is true, but a provider's grant mirrors the global
	// location toggle.
	waitFor(t, f.exec, func() bool { return g.Initialized() && g.Value() != nil })
	onExec(t, f.exec, func() {
		assert.False(t, g.Value().Foreground.Granted)
	})

	f.plat.SetLocationEnabled(0, true)
	onExec(t, f.exec, func() {
		cell, ok := f.sources.Location.Peek(sources.PackageKey{Pkg: "com.example.gps", User: 0})
		require.True(t, ok)
		cell.UpdateAsync()
	})
	waitFor(t, f.exec, func() bool {
		v := g.Value()
		return v != nil && v.Foreground.Granted
	})
}

func TestAppPermGroup_AppOpDeniesGrant(t *testing.T) {
	f := newFixture(t)
	f.plat.AddUser(0)
	f.plat.AddPermission(&platform.PermissionInfo{
		Name: "FINE_LOCATION", Group: platform.GroupLocation, AppOp: "monitor-location", Runtime: true,
	})
	f.plat.AddPackage(&platform.PackageInfo{
		PackageName:          "com.example.maps",
		User:                 0,
		UID:                  10001,
		TargetSDK:            31,
		Enabled:              true,
		RequestedPermissions: []string{"FINE_LOCATION"},
		RequestedPermissionsFlags: map[string]uint32{
			"FINE_LOCATION": platform.ReqFlagGranted,
		},
	})
	f.plat.SetOp("monitor-location", "com.example.maps", 10001, platform.OpModeIgnored)

	g := f.observeGroup(t, locationKey("com.example.maps", 0))

	waitFor(t, f.exec, func() bool {
		v := g.Value()
		if v == nil {
			return false
		}
		lp, ok := v.Foreground.Permissions["FINE_LOCATION"]
		return ok && lp.OpMode == platform.OpModeIgnored
	})
	onExec(t, f.exec, func() {
		assert.False(t, g.Value().Foreground.Granted,
			"an ignored op denies the effective grant")
	})
}

func TestAppPermGroup_RemovedPackageBecomesAbsent(t *testing.T) {
	f := newFixture(t)
	f.addLocationApp("com.example.maps", 0, 10001)
	require.NoError(t, f.sources.Monitor.Start())
	defer func() { _ = f.sources.Monitor.Stop() }()

	g := f.observeGroup(t, locationKey("com.example.maps", 0))
	waitFor(t, f.exec, func() bool { return g.Initialized() && g.Value() != nil })

	f.plat.RemovePackage("com.example.maps", 0)
	f.bus.FirePackageEvent(platform.PackageEvent{
		Kind: platform.PackageRemoved, PackageName: "com.example.maps", User: 0, UID: 10001,
	})

	waitFor(t, f.exec, func() bool { return g.Value() == nil })
}

func TestPermGroupsPackagesUiInfo_Counts(t *testing.T) {
	f := newFixture(t)
	f.addLocationApp("com.example.maps", 0, 10001)
	// A second package requesting location but not granted.
	f.plat.AddPackage(&platform.PackageInfo{
		PackageName:          "com.example.weather",
		User:                 0,
		UID:                  10002,
		TargetSDK:            31,
		Enabled:              true,
		RequestedPermissions: []string{"FINE_LOCATION"},
		RequestedPermissionsFlags: map[string]uint32{
			"FINE_LOCATION": 0,
		},
	})
	// A third package with no location request at all.
	f.plat.AddPackage(&platform.PackageInfo{
		PackageName: "com.example.calc", User: 0, UID: 10003, TargetSDK: 31, Enabled: true,
		RequestedPermissionsFlags: map[string]uint32{},
	})

	var ui *PermGroupsPackagesUiInfo
	onExec(t, f.exec, func() {
		ui = NewPermGroupsPackagesUiInfo(f.exec, f.sources, f.groups, 0,
			[]string{platform.GroupLocation}, nil)
		ui.Observe(func() {})
	})

	waitFor(t, f.exec, func() bool {
		if !ui.Initialized() {
			return false
		}
		info := ui.Value()[platform.GroupLocation]
		return info.Total == 2 && info.Granted == 1
	})
}

func TestPermGroupsPackagesUiInfo_TearsDownWhenUnobserved(t *testing.T) {
	f := newFixture(t)
	f.addLocationApp("com.example.maps", 0, 10001)

	var ui *PermGroupsPackagesUiInfo
	var handle interface{ Cancel() }
	onExec(t, f.exec, func() {
		ui = NewPermGroupsPackagesUiInfo(f.exec, f.sources, f.groups, 0,
			[]string{platform.GroupLocation}, nil)
		handle = ui.Observe(func() {})
	})
	waitFor(t, f.exec, func() bool {
		return ui.Initialized() && ui.Value()[platform.GroupLocation].Total == 1
	})

	onExec(t, f.exec, func() { handle.Cancel() })
	onExec(t, f.exec, func() {
		assert.False(t, ui.HasObservers())
		// Detached from every source; the graph below can now be evicted.
		_, stamped := ui.TimeWentInactive()
		assert.True(t, stamped)
	})
}
