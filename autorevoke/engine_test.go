package autorevoke

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/permstream/aggregate"
	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/multiplex"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
	"github.com/c360/permstream/sources"
	"github.com/c360/permstream/testutil"
)

const day = 24 * time.Hour

type fixture struct {
	exec   *mainline.Executor
	plat   *testutil.FakePlatform
	svc    *platform.Services
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	exec := mainline.New(nil)
	t.Cleanup(func() { _ = exec.Stop(time.Second) })

	bus := testutil.NewFakeBus()
	plat := testutil.NewFakePlatform()
	svc := plat.Services(nil)
	notifier := repository.NewPressureNotifier(exec, nil)
	appOpMux := multiplex.NewAppOpMultiplexer(exec, bus, nil, nil)
	permMux := multiplex.NewPermissionMultiplexer(exec, bus, nil, nil)

	src := sources.New(exec, notifier, svc, bus, appOpMux, permMux, nil, nil)
	groups := aggregate.NewAppPermGroupRepository(exec, notifier, src, plat, nil, nil)
	engine := NewEngine(exec, svc, src, groups, nil, nil, WithWorkers(2))

	return &fixture{exec: exec, plat: plat, svc: svc, engine: engine}
}

// addUnusedLocationApp installs a package with granted, user-sensitive
// foreground and background location permissions, last used 120 days ago.
// The returned info is the live record; tests may tweak it before running
// the engine.
func (f *fixture) addUnusedLocationApp(pkg string, uid int32, targetSDK int) *platform.PackageInfo {
	f.plat.AddUser(0)
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
	info := &platform.PackageInfo{
		PackageName:          pkg,
		User:                 0,
		UID:                  uid,
		TargetSDK:            targetSDK,
		Enabled:              true,
		FirstInstallTime:     time.Now().Add(-200 * day),
		RequestedPermissions: []string{"FINE_LOCATION", "BACKGROUND_LOCATION"},
		RequestedPermissionsFlags: map[string]uint32{
			"FINE_LOCATION":       platform.ReqFlagGranted,
			"BACKGROUND_LOCATION": platform.ReqFlagGranted,
		},
	}
	f.plat.AddPackage(info)
	f.plat.SetFlags("FINE_LOCATION", pkg, 0,
		platform.FlagUserSet|platform.FlagUserSensitiveWhenGranted)
	f.plat.SetFlags("BACKGROUND_LOCATION", pkg, 0,
		platform.FlagUserSet|platform.FlagUserSensitiveWhenGranted)
	f.plat.SetUsage(0, pkg, time.Now().Add(-120*day))
	return info
}

func revokeIndex(revokes []testutil.Mutation, perm string) int {
	for i, r := range revokes {
		if r.Perm == perm {
			return i
		}
	}
	return -1
}

func TestEngine_RevokesUnusedGroup(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.dusty", 10001, 31)

	require.NoError(t, f.engine.Run(context.Background()))

	bi := revokeIndex(f.plat.Revokes, "BACKGROUND_LOCATION")
	fi := revokeIndex(f.plat.Revokes, "FINE_LOCATION")
	require.NotEqual(t, -1, bi, "background permission revoked")
	require.NotEqual(t, -1, fi, "foreground permission revoked")
	assert.Less(t, bi, fi, "background is revoked before foreground")

	for _, perm := range []string{"FINE_LOCATION", "BACKGROUND_LOCATION"} {
		flags := f.plat.Flags(perm, "com.example.dusty", 0)
		assert.NotZero(t, flags&platform.FlagAutoRevoked, "%s stamped auto-revoked", perm)
		assert.Zero(t, flags&platform.FlagUserSet, "%s user-set bit cleared", perm)
	}

	require.Len(t, f.plat.Notifications, 1)
	assert.Equal(t, platform.UserHandle(0), f.plat.Notifications[0].User)
	assert.Contains(t, f.plat.Notifications[0].Packages, "com.example.dusty")

	assert.NotEmpty(t, f.plat.StatsLog)
	for _, rec := range f.plat.StatsLog {
		assert.Equal(t, int32(10001), rec.UID)
		assert.False(t, rec.Regranted)
	}
}

func TestEngine_ForegroundProcessNotRevoked(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.dusty", 10001, 31)
	f.plat.SetImportance(10001, platform.ImportanceForeground)

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes, "visible process keeps its grants this run")
	assert.Empty(t, f.plat.Notifications)
	assert.Zero(t, f.plat.Flags("FINE_LOCATION", "com.example.dusty", 0)&platform.FlagAutoRevoked)

	// Telemetry still records the decision made before the visibility gate.
	assert.NotEmpty(t, f.plat.StatsLog)
}

func TestEngine_SecondRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.dusty", 10001, 31)

	require.NoError(t, f.engine.Run(context.Background()))
	revokes := len(f.plat.Revokes)
	stats := len(f.plat.StatsLog)
	flagsAfterFirst := f.plat.Flags("FINE_LOCATION", "com.example.dusty", 0)
	require.NotZero(t, revokes)

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Equal(t, revokes, len(f.plat.Revokes), "no double revocation")
	assert.Equal(t, stats, len(f.plat.StatsLog), "already-revoked permissions are not re-logged")
	assert.Equal(t, flagsAfterFirst, f.plat.Flags("FINE_LOCATION", "com.example.dusty", 0))
	assert.Len(t, f.plat.Notifications, 1, "no repeat notification")
}

func TestEngine_OptOutOpExempts(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.dusty", 10001, 31)
	f.plat.SetOp(platform.OpAutoRevokeExempt, "com.example.dusty", 10001, platform.OpModeAllowed)

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes)
	assert.Empty(t, f.plat.StatsLog)
}

func TestEngine_OldTargetSDKImplicitlyExempt(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.legacy", 10001, platform.TargetSDKManifestExemption-1)

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes, "unset opt-out op exempts pre-manifest-exemption packages")
}

func TestEngine_ManifestDeclarationExemptsNewTargetSDK(t *testing.T) {
	f := newFixture(t)
	info := f.addUnusedLocationApp("com.example.optout", 10001, 31)
	info.ManifestAutoRevokeExempt = true

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes, "manifest opt-out exempts while the op is unset")
}

func TestEngine_GrantedByDefaultSurvives(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.dusty", 10001, 31)
	f.plat.SetFlags("FINE_LOCATION", "com.example.dusty", 0,
		platform.FlagGrantedByDefault|platform.FlagUserSensitiveWhenGranted)
	f.plat.SetFlags("BACKGROUND_LOCATION", "com.example.dusty", 0,
		platform.FlagGrantedByDefault|platform.FlagUserSensitiveWhenGranted)

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes)
	assert.Empty(t, f.plat.StatsLog, "skipped groups are not logged")
}

func TestEngine_SystemFixedSkipped(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.dusty", 10001, 31)
	f.plat.SetFlags("FINE_LOCATION", "com.example.dusty", 0,
		platform.FlagSystemFixed|platform.FlagUserSensitiveWhenGranted)

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes)
}

func TestEngine_NotUserSensitiveSkipped(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.dusty", 10001, 31)
	f.plat.SetFlags("FINE_LOCATION", "com.example.dusty", 0, platform.FlagUserSet)
	f.plat.SetFlags("BACKGROUND_LOCATION", "com.example.dusty", 0, platform.FlagUserSet)

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes)
}

func TestEngine_RecentlyUsedNotACandidate(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.active", 10001, 31)
	f.plat.SetUsage(0, "com.example.active", time.Now().Add(-10*day))

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes)
	assert.Empty(t, f.plat.StatsLog)
}

func TestEngine_RecentInstallNotACandidate(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.fresh", 10001, 31)
	// Never visible, but installed inside the threshold window.
	f.plat.SetUsage(0, "com.example.fresh", time.Time{})
	f.plat.AddPackage(&platform.PackageInfo{
		PackageName:          "com.example.fresh",
		User:                 0,
		UID:                  10001,
		TargetSDK:            31,
		Enabled:              true,
		FirstInstallTime:     time.Now().Add(-5 * day),
		RequestedPermissions: []string{"FINE_LOCATION"},
		RequestedPermissionsFlags: map[string]uint32{
			"FINE_LOCATION": platform.ReqFlagGranted,
		},
	})

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes)
}

func TestEngine_CrossProfileUsageCounts(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.work", 10001, 31)
	f.plat.AddUser(10)
	f.plat.SetProfiles(0, 0, 10)

	// Unused in the owner profile, but recently visible in the work profile.
	f.plat.AddPackage(&platform.PackageInfo{
		PackageName:          "com.example.work",
		User:                 0,
		UID:                  10001,
		TargetSDK:            31,
		Enabled:              true,
		CrossProfile:         true,
		FirstInstallTime:     time.Now().Add(-200 * day),
		RequestedPermissions: []string{"FINE_LOCATION", "BACKGROUND_LOCATION"},
		RequestedPermissionsFlags: map[string]uint32{
			"FINE_LOCATION":       platform.ReqFlagGranted,
			"BACKGROUND_LOCATION": platform.ReqFlagGranted,
		},
	})
	f.plat.SetUsage(10, "com.example.work", time.Now().Add(-2*day))

	require.NoError(t, f.engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes, "cross-profile usage keeps the package")
}

func TestEngine_ThresholdOverride(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.dusty", 10001, 31)
	// Used 120 days ago; a 200-day threshold makes that recent enough.
	engine := NewEngine(f.exec, f.svc, f.engine.src, f.engine.groups, nil, nil,
		WithWorkers(2),
		WithThreshold(func() time.Duration { return 200 * day }))

	require.NoError(t, engine.Run(context.Background()))

	assert.Empty(t, f.plat.Revokes)
}

func TestEngine_ClockAdvanceCrossesThreshold(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.dusty", 10001, 31)
	// Recently enough used at the starting time: 80 of 90 days.
	f.plat.SetUsage(0, "com.example.dusty", time.Now().Add(-80*day))

	clock := testutil.NewManualClock(time.Now())
	engine := NewEngine(f.exec, f.svc, f.engine.src, f.engine.groups, nil, nil,
		WithWorkers(2),
		WithClock(clock.Now))

	require.NoError(t, engine.Run(context.Background()))
	assert.Empty(t, f.plat.Revokes)

	clock.Advance(30 * day)
	require.NoError(t, engine.Run(context.Background()))
	assert.NotEmpty(t, f.plat.Revokes)
}

func TestRegrant_RestoresAutoRevoked(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.dusty", 10001, 31)

	require.NoError(t, f.engine.Run(context.Background()))
	require.NotEmpty(t, f.plat.Revokes)

	regrant := NewRegrant(f.svc, nil)
	require.NoError(t, regrant.Run(context.Background()))

	assert.NotEqual(t, -1, revokeIndex(f.plat.Grants, "FINE_LOCATION"))
	assert.NotEqual(t, -1, revokeIndex(f.plat.Grants, "BACKGROUND_LOCATION"))
	for _, perm := range []string{"FINE_LOCATION", "BACKGROUND_LOCATION"} {
		assert.Zero(t, f.plat.Flags(perm, "com.example.dusty", 0)&platform.FlagAutoRevoked,
			"%s auto-revoke flag cleared", perm)
	}

	regranted := 0
	for _, rec := range f.plat.StatsLog {
		if rec.Regranted {
			regranted++
		}
	}
	assert.Equal(t, 2, regranted)

	// A second sweep finds nothing flagged and grants nothing new.
	grants := len(f.plat.Grants)
	require.NoError(t, regrant.Run(context.Background()))
	assert.Equal(t, grants, len(f.plat.Grants))
}
