package sources

import (
	"context"
	"log/slog"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/multiplex"
	"github.com/c360/permstream/observe"
	"github.com/c360/permstream/pkg/retry"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
)

// Sensitivity is the resolved user-sensitivity state of one uid: per
// permission, the sensitivity bits now recorded in its flags. Nil means the
// package is not installed.
type Sensitivity struct {
	UID  int32
	Bits map[string]uint32
}

// SensitivityCell keeps the user-sensitivity flag bits of one (package, user)
// converged: each load recomputes the expected bits and writes back any that
// drifted. Flag writes race with system service restarts, so they retry with
// backoff before giving up; a failed write self-corrects on the next
// permission event.
type SensitivityCell struct {
	*observe.AsyncCell[*Sensitivity]

	mux    *multiplex.PermissionMultiplexer
	logger *slog.Logger

	reg    *multiplex.Registration
	regUID int32
}

// SensitivityRepository caches one SensitivityCell per (package, user).
type SensitivityRepository struct {
	*repository.Repository[PackageKey, *SensitivityCell]
}

// NewSensitivityRepository creates the repository.
func NewSensitivityRepository(
	exec *mainline.Executor,
	notifier *repository.PressureNotifier,
	packages platform.PackageService,
	mux *multiplex.PermissionMultiplexer,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *SensitivityRepository {
	if logger == nil {
		logger = slog.Default()
	}
	newCell := func(key PackageKey) *SensitivityCell {
		c := &SensitivityCell{mux: mux, logger: logger}
		load := func(ctx context.Context) (*Sensitivity, error) {
			s, err := loadSensitivity(ctx, packages, key, logger)
			if err != nil || s == nil {
				return s, err
			}
			uid := s.UID
			exec.Post(func() { c.ensureListener(uid) })
			return s, nil
		}
		c.AsyncCell = observe.NewAsyncCell(exec, logger, load,
			observe.WithEquals(sameSensitivity),
			observe.OnInactive[*Sensitivity](c.dropListener),
		)
		return c
	}
	return &SensitivityRepository{
		Repository: repository.New("user_sensitivity", notifier, newCell, logger,
			repository.WithMetrics[PackageKey, *SensitivityCell](metrics),
			repository.WithEvictHook(func(_ PackageKey, c *SensitivityCell) { c.dropListener() })),
	}
}

// ExpectedSensitivity computes the sensitivity bits a permission should carry
// given its current flags: sensitive in both directions unless the grant came
// from an install default or an OS role, in which case it is hidden from the
// user entirely.
func ExpectedSensitivity(flags uint32) uint32 {
	if flags&(platform.FlagGrantedByDefault|platform.FlagGrantedByRole) != 0 {
		return 0
	}
	return platform.FlagsUserSensitive
}

func loadSensitivity(ctx context.Context, packages platform.PackageService, key PackageKey, logger *slog.Logger) (*Sensitivity, error) {
	info, err := packages.PackageInfo(ctx, key.Pkg, key.User)
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	bits := make(map[string]uint32, len(info.RequestedPermissions))
	for _, perm := range info.RequestedPermissions {
		flags, err := packages.PermissionFlags(ctx, perm, key.Pkg, key.User)
		if err != nil {
			return nil, err
		}
		expected := ExpectedSensitivity(flags)
		if flags&platform.FlagsUserSensitive != expected {
			err := retry.Do(ctx, retry.FlagUpdate(), func() error {
				return packages.UpdatePermissionFlags(ctx, perm, key.Pkg, key.User,
					platform.FlagsUserSensitive, expected)
			})
			if err != nil {
				// Converges on the next permission event for this uid.
				logger.Error("sensitivity flag update failed",
					"uid", info.UID, "package", key.Pkg, "permission", perm, "error", err)
				expected = flags & platform.FlagsUserSensitive
			}
		}
		bits[perm] = expected
	}

	return &Sensitivity{UID: info.UID, Bits: bits}, nil
}

func (c *SensitivityCell) ensureListener(uid int32) {
	if !c.HasObservers() {
		return
	}
	if c.reg != nil && c.regUID == uid {
		return
	}
	c.dropListener()

	reg, err := c.mux.AddListener(uid, func(platform.PermissionEvent) { c.UpdateAsync() })
	if err != nil {
		c.logger.Warn("sensitivity listener registration failed", "uid", uid, "error", err)
		return
	}
	c.reg = reg
	c.regUID = uid
}

func (c *SensitivityCell) dropListener() {
	c.reg.Cancel()
	c.reg = nil
}

func sameSensitivity(a, b *Sensitivity) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.UID != b.UID || len(a.Bits) != len(b.Bits) {
		return false
	}
	for perm, v := range a.Bits {
		w, ok := b.Bits[perm]
		if !ok || v != w {
			return false
		}
	}
	return true
}
