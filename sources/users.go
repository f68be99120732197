package sources

import (
	"context"
	"log/slog"

	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/observe"
	"github.com/c360/permstream/platform"
)

// UsersCell mirrors the user list. A single process-wide instance feeds every
// consumer that fans out per user.
type UsersCell struct {
	*observe.AsyncCell[[]platform.UserHandle]

	events platform.Events
	logger *slog.Logger

	sub platform.Subscription
}

// NewUsersCell creates the cell. It subscribes to user events while observed.
func NewUsersCell(
	exec *mainline.Executor,
	users platform.UserService,
	events platform.Events,
	logger *slog.Logger,
) *UsersCell {
	if logger == nil {
		logger = slog.Default()
	}
	c := &UsersCell{events: events, logger: logger}
	load := func(ctx context.Context) ([]platform.UserHandle, error) {
		return users.Users(ctx)
	}
	c.AsyncCell = observe.NewAsyncCell(exec, logger, load,
		observe.WithEquals(sameUsers),
		observe.OnActive[[]platform.UserHandle](func() { c.subscribe(exec) }),
		observe.OnInactive[[]platform.UserHandle](c.unsubscribe),
	)
	return c
}

func (c *UsersCell) subscribe(exec *mainline.Executor) {
	sub, err := c.events.SubscribeUserEvents(func(platform.UserEvent) {
		exec.Post(func() {
			if c.HasObservers() {
				c.UpdateAsync()
			} else {
				c.MarkStale()
			}
		})
	})
	if err != nil {
		c.logger.Warn("user event subscription failed", "error", err)
		return
	}
	c.sub = sub
}

func (c *UsersCell) unsubscribe() {
	if c.sub == nil {
		return
	}
	if err := c.sub.Unsubscribe(); err != nil {
		c.logger.Warn("user event unsubscribe failed", "error", err)
	}
	c.sub = nil
}

func sameUsers(a, b []platform.UserHandle) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
