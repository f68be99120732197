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

// AppOpKey identifies one op for one (package, user).
type AppOpKey struct {
	Op   string
	Pkg  string
	User platform.UserHandle
}

// AppOpCell mirrors the stored mode of one op. The value is the raw stored
// mode; OpModeDefault is resolved against the platform's per-op default by
// the aggregation layer, not here.
type AppOpCell struct {
	*observe.AsyncCell[platform.AppOpMode]

	reg *multiplex.Registration
}

// AppOpRepository caches one AppOpCell per (op, package, user). Each active
// cell holds one logical listener on the shared multiplexer; the multiplexer
// collapses those to one platform registration per op.
type AppOpRepository struct {
	*repository.Repository[AppOpKey, *AppOpCell]
}

// NewAppOpRepository creates the repository.
func NewAppOpRepository(
	exec *mainline.Executor,
	notifier *repository.PressureNotifier,
	packages platform.PackageService,
	appOps platform.AppOpsService,
	mux *multiplex.AppOpMultiplexer,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *AppOpRepository {
	if logger == nil {
		logger = slog.Default()
	}
	newCell := func(key AppOpKey) *AppOpCell {
		c := &AppOpCell{}
		load := func(ctx context.Context) (platform.AppOpMode, error) {
			info, err := packages.PackageInfo(ctx, key.Pkg, key.User)
			if errors.IsNotFound(err) {
				// Package gone; the op has no meaningful mode.
				return platform.OpModeDefault, nil
			}
			if err != nil {
				return platform.OpModeDefault, err
			}
			return appOps.OpMode(ctx, key.Op, info.UID, key.Pkg)
		}
		c.AsyncCell = observe.NewAsyncCell(exec, logger, load,
			observe.WithEquals(func(a, b platform.AppOpMode) bool { return a == b }),
			observe.OnActive[platform.AppOpMode](func() { c.attach(mux, key, logger) }),
			observe.OnInactive[platform.AppOpMode](c.detach),
		)
		return c
	}
	return &AppOpRepository{
		Repository: repository.New("app_op", notifier, newCell, logger,
			repository.WithMetrics[AppOpKey, *AppOpCell](metrics),
			repository.WithEvictHook(func(_ AppOpKey, c *AppOpCell) { c.detach() })),
	}
}

func (c *AppOpCell) attach(mux *multiplex.AppOpMultiplexer, key AppOpKey, logger *slog.Logger) {
	reg, err := mux.AddListener(key.Op,
		multiplex.AppOpIdentity{PackageName: key.Pkg, User: key.User},
		func(platform.AppOpEvent) { c.UpdateAsync() })
	if err != nil {
		// The cell still loads on activation; it just won't see live changes
		// until the next activation cycle.
		logger.Warn("app-op listener registration failed",
			"op", key.Op, "package", key.Pkg, "error", err)
		return
	}
	c.reg = reg
}

func (c *AppOpCell) detach() {
	c.reg.Cancel()
	c.reg = nil
}
