package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicJobRuns(t *testing.T) {
	s := New(nil)
	defer func() { _ = s.Stop(time.Second) }()

	var runs atomic.Int32
	require.NoError(t, s.SchedulePeriodic("tick", 20*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	assert.Eventually(t, func() bool { return runs.Load() >= 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestTriggerNowRunsOutOfBand(t *testing.T) {
	s := New(nil)
	defer func() { _ = s.Stop(time.Second) }()

	var runs atomic.Int32
	require.NoError(t, s.SchedulePeriodic("job", time.Hour, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.TriggerNow(context.Background(), "job"))
	assert.Equal(t, int32(1), runs.Load(), "hour-period job must only run via the trigger")

	assert.Error(t, s.TriggerNow(context.Background(), "unknown"))
}

func TestReregisterReplacesSchedule(t *testing.T) {
	s := New(nil)
	defer func() { _ = s.Stop(time.Second) }()

	var first, second atomic.Int32
	require.NoError(t, s.SchedulePeriodic("job", time.Hour, func(context.Context) error {
		first.Add(1)
		return nil
	}))
	require.NoError(t, s.SchedulePeriodic("job", time.Hour, func(context.Context) error {
		second.Add(1)
		return nil
	}))

	require.NoError(t, s.TriggerNow(context.Background(), "job"))
	assert.Zero(t, first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestCancelStopsJob(t *testing.T) {
	s := New(nil)
	defer func() { _ = s.Stop(time.Second) }()

	require.NoError(t, s.SchedulePeriodic("job", time.Hour, func(context.Context) error {
		return nil
	}))
	require.True(t, s.Registered("job"))

	require.NoError(t, s.Cancel("job"))
	assert.False(t, s.Registered("job"))
	assert.Error(t, s.TriggerNow(context.Background(), "job"))
}

func TestScheduleRejectsBadPeriod(t *testing.T) {
	s := New(nil)
	defer func() { _ = s.Stop(time.Second) }()
	assert.Error(t, s.SchedulePeriodic("job", 0, func(context.Context) error { return nil }))
}

func TestStopPreventsNewRegistrations(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Stop(time.Second))
	assert.Error(t, s.SchedulePeriodic("late", time.Second, func(context.Context) error { return nil }))
	assert.Error(t, s.Stop(time.Second))
}
