package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/permstream/autorevoke"
	"github.com/c360/permstream/config"
	"github.com/c360/permstream/health"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/testutil"
)

const day = 24 * time.Hour

type fixture struct {
	ctrl  *Controller
	plat  *testutil.FakePlatform
	sched *testutil.FakeScheduler
	cfg   *config.Config
}

// newFixture builds a controller over the in-memory platform, with the HTTP
// metrics listener disabled and a fake bus so Start needs no NATS server.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	plat := testutil.NewFakePlatform()
	sched := testutil.NewFakeScheduler()
	cfg := config.Default()
	cfg.Metrics.Addr = ""

	ctrl, err := New(cfg, plat.Services(sched),
		WithEvents(testutil.NewFakeBus()))
	require.NoError(t, err)
	require.NoError(t, ctrl.Initialize())
	t.Cleanup(func() { _ = ctrl.Stop(time.Second) })

	return &fixture{ctrl: ctrl, plat: plat, sched: sched, cfg: cfg}
}

// addUnusedLocationApp installs a package with granted, user-sensitive
// location permissions, last used well past the 90-day default threshold.
func (f *fixture) addUnusedLocationApp(pkg string, uid int32) {
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
	f.plat.AddPackage(&platform.PackageInfo{
		PackageName:          pkg,
		User:                 0,
		UID:                  uid,
		TargetSDK:            31,
		Enabled:              true,
		FirstInstallTime:     time.Now().Add(-200 * day),
		RequestedPermissions: []string{"FINE_LOCATION", "BACKGROUND_LOCATION"},
		RequestedPermissionsFlags: map[string]uint32{
			"FINE_LOCATION":       platform.ReqFlagGranted,
			"BACKGROUND_LOCATION": platform.ReqFlagGranted,
		},
	})
	f.plat.SetFlags("FINE_LOCATION", pkg, 0,
		platform.FlagUserSet|platform.FlagUserSensitiveWhenGranted)
	f.plat.SetFlags("BACKGROUND_LOCATION", pkg, 0,
		platform.FlagUserSet|platform.FlagUserSensitiveWhenGranted)
	f.plat.SetUsage(0, pkg, time.Now().Add(-120*day))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.AutoRevoke.CheckIntervalDays = 0

	plat := testutil.NewFakePlatform()
	_, err := New(cfg, plat.Services(testutil.NewFakeScheduler()))
	assert.Error(t, err)

	_, err = New(config.Default(), nil)
	assert.Error(t, err, "platform services are mandatory")
}

func TestStartSchedulesEngineRun(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Start(context.Background()))

	assert.True(t, f.sched.Registered(autorevoke.JobName))
	assert.Equal(t, f.cfg.CheckInterval(), f.sched.Period(autorevoke.JobName))
	assert.True(t, f.ctrl.Health().IsHealthy())
}

func TestTriggerRunRevokesUnusedApp(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.stale", 10001)

	require.NoError(t, f.ctrl.Start(context.Background()))
	require.NoError(t, f.ctrl.TriggerRun(context.Background()))

	require.Len(t, f.plat.Revokes, 2)
	for _, rv := range f.plat.Revokes {
		assert.Equal(t, "com.example.stale", rv.Pkg)
	}

	engineStatus, ok := f.ctrl.monitor.Get("engine")
	require.True(t, ok)
	assert.True(t, engineStatus.IsHealthy())
	assert.True(t, strings.HasPrefix(engineStatus.Message, "last run completed"))
}

func TestTriggerRunBeforeStartFails(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.ctrl.TriggerRun(context.Background()))
}

func TestConfigChangeReschedulesEngine(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background()))
	require.Equal(t, 1, f.sched.ScheduleCalls[autorevoke.JobName])

	next := f.cfg.Clone()
	next.AutoRevoke.CheckIntervalDays = 7
	f.ctrl.applyAutoRevokeConfig(next)

	assert.Equal(t, 2, f.sched.ScheduleCalls[autorevoke.JobName])
	assert.Equal(t, 7*day, f.sched.Period(autorevoke.JobName))

	// Same interval again is a no-op.
	f.ctrl.applyAutoRevokeConfig(next)
	assert.Equal(t, 2, f.sched.ScheduleCalls[autorevoke.JobName])
}

func TestThresholdChangeAppliesWithoutReschedule(t *testing.T) {
	f := newFixture(t)
	f.addUnusedLocationApp("com.example.stale", 10001)

	require.NoError(t, f.ctrl.Start(context.Background()))

	// Raise the threshold past the app's idle time before the first run.
	next := f.ctrl.currentConfig()
	next.AutoRevoke.UnusedThresholdDays = 365
	require.NoError(t, f.ctrl.safeConfig().Update(next))

	require.NoError(t, f.ctrl.TriggerRun(context.Background()))
	assert.Empty(t, f.plat.Revokes, "app within the new threshold must be kept")
}

func TestRunRegrantRestoresFlags(t *testing.T) {
	f := newFixture(t)
	f.plat.AddUser(0)
	f.plat.AddPackage(&platform.PackageInfo{
		PackageName:          "com.example.restored",
		User:                 0,
		UID:                  10002,
		Enabled:              true,
		RequestedPermissions: []string{"FINE_LOCATION"},
		RequestedPermissionsFlags: map[string]uint32{
			"FINE_LOCATION": 0,
		},
	})
	f.plat.SetFlags("FINE_LOCATION", "com.example.restored", 0, platform.FlagAutoRevoked)

	require.NoError(t, f.ctrl.RunRegrant(context.Background()))

	require.Len(t, f.plat.Grants, 1)
	assert.Equal(t, "FINE_LOCATION", f.plat.Grants[0].Perm)
	assert.Zero(t, f.plat.Flags("FINE_LOCATION", "com.example.restored", 0)&platform.FlagAutoRevoked)
}

func TestHealthAggregatesSubsystems(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.ctrl.monitor.UpdateUnhealthy("engine", "simulated failure")
	agg := f.ctrl.Health()
	assert.Equal(t, health.StatusUnhealthy, agg.Status)
	assert.NotEmpty(t, agg.SubStatuses)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background()))

	require.NoError(t, f.ctrl.Stop(time.Second))
	assert.False(t, f.sched.Registered(autorevoke.JobName))
	assert.Error(t, f.ctrl.Stop(time.Second))
}
