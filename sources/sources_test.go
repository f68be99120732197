package sources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/multiplex"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
	"github.com/c360/permstream/testutil"
)

func onExec(t *testing.T, exec *mainline.Executor, fn func()) {
	t.Helper()
	require.NoError(t, exec.PostAndWait(fn))
}

// waitFor polls cond on the executor until it holds or the deadline passes.
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
	exec     *mainline.Executor
	bus      *testutil.FakeBus
	plat     *testutil.FakePlatform
	notifier *repository.PressureNotifier
	appOpMux *multiplex.AppOpMultiplexer
	permMux  *multiplex.PermissionMultiplexer
	sources  *Sources
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

	return &fixture{
		exec:     exec,
		bus:      bus,
		plat:     plat,
		notifier: notifier,
		appOpMux: appOpMux,
		permMux:  permMux,
		sources:  New(exec, notifier, plat.Services(nil), bus, appOpMux, permMux, nil, nil),
	}
}

func (f *fixture) addLocationPackage(pkg string, user platform.UserHandle, uid int32) {
	f.plat.AddUser(user)
	f.plat.AddPermission(&platform.PermissionInfo{
		Name: "FINE_LOCATION", Group: platform.GroupLocation, Runtime: true,
	})
	f.plat.AddPackage(&platform.PackageInfo{
		PackageName:          pkg,
		User:                 user,
		UID:                  uid,
		TargetSDK:            31,
		Enabled:              true,
		RequestedPermissions: []string{"FINE_LOCATION"},
		RequestedPermissionsFlags: map[string]uint32{
			"FINE_LOCATION": platform.ReqFlagGranted,
		},
	})
}

func TestPackageInfoCell_LoadsOnObservation(t *testing.T) {
	f := newFixture(t)
	f.addLocationPackage("com.example.maps", 0, 10001)

	var cell *PackageInfoCell
	onExec(t, f.exec, func() {
		cell = f.sources.Packages.GetDataObject(PackageKey{Pkg: "com.example.maps", User: 0})
		cell.Observe(func() {})
	})

	waitFor(t, f.exec, cell.Initialized)
	onExec(t, f.exec, func() {
		info := cell.Value()
		require.NotNil(t, info)
		assert.Equal(t, int32(10001), info.UID)
		assert.Equal(t, 31, info.TargetSDK)
	})
}

func TestPackageInfoCell_MissingPackageResolvesToAbsent(t *testing.T) {
	f := newFixture(t)

	var cell *PackageInfoCell
	onExec(t, f.exec, func() {
		cell = f.sources.Packages.GetDataObject(PackageKey{Pkg: "com.example.gone", User: 0})
		cell.Observe(func() {})
	})

	// Initialized with a nil value, not an error.
	waitFor(t, f.exec, cell.Initialized)
	onExec(t, f.exec, func() {
		assert.Nil(t, cell.Value())
	})
}

func TestPackageMonitor_RefreshesObservedCell(t *testing.T) {
	f := newFixture(t)
	f.addLocationPackage("com.example.maps", 0, 10001)
	require.NoError(t, f.sources.Monitor.Start())
	defer func() { _ = f.sources.Monitor.Stop() }()

	var cell *PackageInfoCell
	onExec(t, f.exec, func() {
		cell = f.sources.Packages.GetDataObject(PackageKey{Pkg: "com.example.maps", User: 0})
		cell.Observe(func() {})
	})
	waitFor(t, f.exec, cell.Initialized)

	f.plat.AddPackage(&platform.PackageInfo{
		PackageName: "com.example.maps", User: 0, UID: 10001, TargetSDK: 34, Enabled: true,
	})
	f.bus.FirePackageEvent(platform.PackageEvent{
		Kind: platform.PackageChanged, PackageName: "com.example.maps", User: 0, UID: 10001,
	})

	waitFor(t, f.exec, func() bool {
		v := cell.Value()
		return v != nil && v.TargetSDK == 34
	})
}

func TestPackageMonitor_DropsUnobservedRemovedPackage(t *testing.T) {
	f := newFixture(t)
	f.addLocationPackage("com.example.maps", 0, 10001)
	require.NoError(t, f.sources.Monitor.Start())
	defer func() { _ = f.sources.Monitor.Stop() }()

	key := PackageKey{Pkg: "com.example.maps", User: 0}
	onExec(t, f.exec, func() {
		cell := f.sources.Packages.GetDataObject(key)
		h := cell.Observe(func() {})
		h.Cancel()
	})

	f.plat.RemovePackage("com.example.maps", 0)
	f.bus.FirePackageEvent(platform.PackageEvent{
		Kind: platform.PackageRemoved, PackageName: "com.example.maps", User: 0, UID: 10001,
	})

	waitFor(t, f.exec, func() bool {
		_, ok := f.sources.Packages.Peek(key)
		return !ok
	})
}

func TestPermStateCell_ComputesGrantAndRegistersListener(t *testing.T) {
	f := newFixture(t)
	f.addLocationPackage("com.example.maps", 0, 10001)
	f.plat.SetFlags("FINE_LOCATION", "com.example.maps", 0, platform.FlagUserSet)

	var cell *PermStateCell
	onExec(t, f.exec, func() {
		cell = f.sources.PermStates.GetDataObject(PermGroupKey{
			Pkg: "com.example.maps", Group: platform.GroupLocation, User: 0,
		})
		cell.Observe(func() {})
	})

	waitFor(t, f.exec, cell.Initialized)
	onExec(t, f.exec, func() {
		states := cell.Value()
		require.NotNil(t, states)
		assert.Equal(t, int32(10001), states.UID)
		st, ok := states.States["FINE_LOCATION"]
		require.True(t, ok)
		assert.True(t, st.Granted)
		assert.Equal(t, platform.FlagUserSet, st.Flags)
	})

	// The uid listener lands after the first load completes.
	waitFor(t, f.exec, func() bool { return f.permMux.Registrations() == 1 })

	// A permission event for the uid refreshes the grant state.
	f.plat.SetFlags("FINE_LOCATION", "com.example.maps", 0,
		platform.FlagUserSet|platform.FlagRevokedCompat)
	f.bus.FirePermissionEvent(platform.PermissionEvent{UID: 10001, User: 0})

	waitFor(t, f.exec, func() bool {
		states := cell.Value()
		if states == nil {
			return false
		}
		st := states.States["FINE_LOCATION"]
		return !st.Granted
	})
}

func TestPermStateCell_DeactivationDropsListener(t *testing.T) {
	f := newFixture(t)
	f.addLocationPackage("com.example.maps", 0, 10001)

	var cell *PermStateCell
	var handle interface{ Cancel() }
	onExec(t, f.exec, func() {
		cell = f.sources.PermStates.GetDataObject(PermGroupKey{
			Pkg: "com.example.maps", Group: platform.GroupLocation, User: 0,
		})
		handle = cell.Observe(func() {})
	})
	waitFor(t, f.exec, func() bool { return f.permMux.Registrations() == 1 })

	onExec(t, f.exec, func() { handle.Cancel() })
	onExec(t, f.exec, func() {
		assert.Equal(t, 0, f.permMux.Registrations())
	})
}

func TestAppOpCell_RegistersPerOpAndRefreshes(t *testing.T) {
	f := newFixture(t)
	f.addLocationPackage("com.example.maps", 0, 10001)
	f.plat.SetOp("monitor-location", "com.example.maps", 10001, platform.OpModeAllowed)

	var cell *AppOpCell
	onExec(t, f.exec, func() {
		cell = f.sources.AppOps.GetDataObject(AppOpKey{
			Op: "monitor-location", Pkg: "com.example.maps", User: 0,
		})
		cell.Observe(func() {})
	})

	onExec(t, f.exec, func() {
		assert.Equal(t, 1, f.appOpMux.Registrations())
	})
	waitFor(t, f.exec, cell.Initialized)
	onExec(t, f.exec, func() {
		assert.Equal(t, platform.OpModeAllowed, cell.Value())
	})

	f.plat.SetOp("monitor-location", "com.example.maps", 10001, platform.OpModeIgnored)
	f.bus.FireAppOpEvent(platform.AppOpEvent{
		Op: "monitor-location", PackageName: "com.example.maps", User: 0, UID: 10001,
	})

	waitFor(t, f.exec, func() bool { return cell.Value() == platform.OpModeIgnored })
}

func TestUsersCell_RefreshesOnUserEvent(t *testing.T) {
	f := newFixture(t)
	f.plat.AddUser(0)

	cell := f.sources.Users
	onExec(t, f.exec, func() {
		cell.Observe(func() {})
	})
	waitFor(t, f.exec, func() bool {
		return cell.Initialized() && len(cell.Value()) == 1
	})

	f.plat.AddUser(10)
	f.bus.FireUserEvent(platform.UserEvent{User: 10})

	waitFor(t, f.exec, func() bool { return len(cell.Value()) == 2 })
}

func TestSensitivityCell_WritesDriftedBits(t *testing.T) {
	f := newFixture(t)
	f.addLocationPackage("com.example.maps", 0, 10001)
	// No sensitivity bits set yet; the load should write both.

	var cell *SensitivityCell
	onExec(t, f.exec, func() {
		cell = f.sources.Sensitivity.GetDataObject(PackageKey{Pkg: "com.example.maps", User: 0})
		cell.Observe(func() {})
	})
	waitFor(t, f.exec, cell.Initialized)

	onExec(t, f.exec, func() {
		s := cell.Value()
		require.NotNil(t, s)
		assert.Equal(t, platform.FlagsUserSensitive, s.Bits["FINE_LOCATION"])
	})
	assert.Equal(t, platform.FlagsUserSensitive,
		f.plat.Flags("FINE_LOCATION", "com.example.maps", 0)&platform.FlagsUserSensitive)
}

func TestSensitivityCell_DefaultGrantsAreNotSensitive(t *testing.T) {
	f := newFixture(t)
	f.addLocationPackage("com.example.maps", 0, 10001)
	f.plat.SetFlags("FINE_LOCATION", "com.example.maps", 0,
		platform.FlagGrantedByDefault|platform.FlagsUserSensitive)

	var cell *SensitivityCell
	onExec(t, f.exec, func() {
		cell = f.sources.Sensitivity.GetDataObject(PackageKey{Pkg: "com.example.maps", User: 0})
		cell.Observe(func() {})
	})
	waitFor(t, f.exec, cell.Initialized)

	onExec(t, f.exec, func() {
		s := cell.Value()
		require.NotNil(t, s)
		assert.Equal(t, uint32(0), s.Bits["FINE_LOCATION"])
	})
	assert.Equal(t, uint32(0),
		f.plat.Flags("FINE_LOCATION", "com.example.maps", 0)&platform.FlagsUserSensitive)
}

func TestSensitivityCell_RetriesFlagUpdate(t *testing.T) {
	f := newFixture(t)
	f.addLocationPackage("com.example.maps", 0, 10001)
	f.plat.FlagUpdateFailures = 2 // first two writes fail, third succeeds

	var cell *SensitivityCell
	onExec(t, f.exec, func() {
		cell = f.sources.Sensitivity.GetDataObject(PackageKey{Pkg: "com.example.maps", User: 0})
		cell.Observe(func() {})
	})
	waitFor(t, f.exec, cell.Initialized)

	assert.Equal(t, platform.FlagsUserSensitive,
		f.plat.Flags("FINE_LOCATION", "com.example.maps", 0)&platform.FlagsUserSensitive)
}

func TestLocationCell_ExtraControllerState(t *testing.T) {
	f := newFixture(t)
	f.addLocationPackage("com.example.controller", 0, 10002)
	f.plat.SetLocationEnabled(0, true)
	f.plat.SetExtraLocationController(0, "com.example.controller", true)

	var cell *LocationCell
	onExec(t, f.exec, func() {
		cell = f.sources.Location.GetDataObject(PackageKey{Pkg: "com.example.controller", User: 0})
		cell.Observe(func() {})
	})
	waitFor(t, f.exec, cell.Initialized)

	onExec(t, f.exec, func() {
		st := cell.Value()
		assert.True(t, st.Enabled)
		assert.True(t, st.IsExtraController)
		assert.True(t, st.ExtraControllerEnabled)
		assert.False(t, st.IsProvider)
	})
}
