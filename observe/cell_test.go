package observe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/permstream/mainline"
)

// onExec runs fn on the executor and waits for it, failing the test if the
// executor is stopped.
func onExec(t *testing.T, exec *mainline.Executor, fn func()) {
	t.Helper()
	require.NoError(t, exec.PostAndWait(fn))
}

func TestCell_SetSuppression(t *testing.T) {
	exec := mainline.New(nil)
	defer func() { _ = exec.Stop(time.Second) }()

	onExec(t, exec, func() {
		c := NewCell[int](exec, WithEquals[int](func(a, b int) bool { return a == b }))

		notifications := 0
		c.Observe(func() { notifications++ })

		c.Set(7)
		c.Set(7) // suppressed: equal and already initialized
		assert.Equal(t, 1, notifications, "equal value must notify exactly once")

		c.Set(8)
		assert.Equal(t, 2, notifications, "different value must notify")
	})
}

func TestCell_DefaultEqualsIsStructural(t *testing.T) {
	exec := mainline.New(nil)
	defer func() { _ = exec.Stop(time.Second) }()

	type state struct {
		Granted []string
	}

	onExec(t, exec, func() {
		c := NewCell[state](exec) // no WithEquals

		notifications := 0
		c.Observe(func() { notifications++ })

		c.Set(state{Granted: []string{"a", "b"}})
		c.Set(state{Granted: []string{"a", "b"}}) // structurally equal, suppressed
		assert.Equal(t, 1, notifications, "deep-equal value must notify exactly once")

		c.Set(state{Granted: []string{"a"}})
		assert.Equal(t, 2, notifications)
	})
}

func TestCell_FirstSetNotInitializedNotSuppressed(t *testing.T) {
	exec := mainline.New(nil)
	defer func() { _ = exec.Stop(time.Second) }()

	onExec(t, exec, func() {
		c := NewCell[int](exec, WithEquals[int](func(a, b int) bool { return a == b }))
		assert.False(t, c.Initialized())

		notifications := 0
		c.Observe(func() { notifications++ })

		// Zero value equals the pre-initialization zero, but the first Set
		// must still publish.
		c.Set(0)
		assert.True(t, c.Initialized())
		assert.Equal(t, 1, notifications)
	})
}

func TestCell_ObserveDeliversCurrentValue(t *testing.T) {
	exec := mainline.New(nil)
	defer func() { _ = exec.Stop(time.Second) }()

	onExec(t, exec, func() {
		c := NewCell[string](exec)
		c.Set("hello")

		fired := 0
		c.Observe(func() { fired++ })
		assert.Equal(t, 1, fired, "observer of an initialized cell fires immediately")
	})
}

func TestCell_InactiveTimekeeping(t *testing.T) {
	exec := mainline.New(nil)
	defer func() { _ = exec.Stop(time.Second) }()

	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	onExec(t, exec, func() {
		c := NewCell[int](exec, WithClock[int](clock))

		// Never observed: no inactivity stamp.
		_, ok := c.TimeWentInactive()
		assert.False(t, ok)
		assert.False(t, c.HasObservers())

		h := c.Observe(func() {})
		assert.True(t, c.HasObservers())
		_, ok = c.TimeWentInactive()
		assert.False(t, ok, "active cell has no inactivity stamp")

		now = now.Add(time.Minute)
		h.Cancel()
		stamp, ok := c.TimeWentInactive()
		require.True(t, ok)
		assert.Equal(t, now, stamp)

		// Reattaching clears the stamp.
		h2 := c.Observe(func() {})
		_, ok = c.TimeWentInactive()
		assert.False(t, ok)
		h2.Cancel()
	})
}

func TestCell_ActivationHooks(t *testing.T) {
	exec := mainline.New(nil)
	defer func() { _ = exec.Stop(time.Second) }()

	onExec(t, exec, func() {
		var events []string
		c := NewCell[int](exec,
			OnActive[int](func() { events = append(events, "active") }),
			OnInactive[int](func() { events = append(events, "inactive") }),
		)

		h1 := c.Observe(func() {})
		h2 := c.Observe(func() {})
		assert.Equal(t, []string{"active"}, events, "only the first observer activates")

		h1.Cancel()
		assert.Equal(t, []string{"active"}, events)

		h2.Cancel()
		assert.Equal(t, []string{"active", "inactive"}, events, "only the last detach deactivates")
	})
}

func TestCell_CancelTwiceIsNoop(t *testing.T) {
	exec := mainline.New(nil)
	defer func() { _ = exec.Stop(time.Second) }()

	onExec(t, exec, func() {
		deactivations := 0
		c := NewCell[int](exec, OnInactive[int](func() { deactivations++ }))

		keep := c.Observe(func() {})
		h := c.Observe(func() {})
		h.Cancel()
		h.Cancel()
		assert.True(t, c.HasObservers(), "the other observer must survive the double cancel")
		assert.Equal(t, 0, deactivations)

		keep.Cancel()
		assert.Equal(t, 1, deactivations)
	})
}

func TestCell_StaleTracking(t *testing.T) {
	exec := mainline.New(nil)
	defer func() { _ = exec.Stop(time.Second) }()

	onExec(t, exec, func() {
		c := NewCell[int](exec, WithEquals[int](func(a, b int) bool { return a == b }))
		assert.True(t, c.Stale(), "uninitialized cell is stale")

		c.Set(1)
		assert.False(t, c.Stale())

		c.MarkStale()
		assert.True(t, c.Stale())

		// A stale cell publishes even an equal value: the notification is the
		// freshness confirmation.
		fired := 0
		c.Observe(func() { fired++ })
		assert.Equal(t, 1, fired, "observer fires once on attach")
		c.Set(1)
		assert.False(t, c.Stale())
		assert.Equal(t, 2, fired, "re-confirming a stale value notifies")

		// Fresh again: the same value is now suppressed.
		c.Set(1)
		assert.Equal(t, 2, fired)
	})
}

func TestCell_DetachDuringNotification(t *testing.T) {
	exec := mainline.New(nil)
	defer func() { _ = exec.Stop(time.Second) }()

	onExec(t, exec, func() {
		c := NewCell[int](exec)

		var h2 *Handle
		first := 0
		second := 0
		c.Observe(func() {
			first++
			h2.Cancel()
		})
		h2 = c.Observe(func() { second++ })

		c.Set(1)
		assert.Equal(t, 1, first)
		assert.Equal(t, 0, second, "observer cancelled mid-notification must not fire")
	})
}
