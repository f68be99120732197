package autorevoke

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/platform"
)

// Regrant is the one-time restore sweep: it walks every installed package of
// every user and re-grants exactly the permissions the engine flagged
// auto-revoked, clearing the flag as it goes. Re-granting an already-granted
// permission is a no-op at the platform layer, so the sweep is idempotent.
type Regrant struct {
	svc    *platform.Services
	logger *slog.Logger
}

// NewRegrant creates the sweep over the given platform services.
func NewRegrant(svc *platform.Services, logger *slog.Logger) *Regrant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Regrant{svc: svc, logger: logger}
}

// Run executes one full sweep. Per-permission failures are logged and the
// sweep continues; a cancelled context aborts loudly, since a partial restore
// means the caller tore the service down before completion.
func (r *Regrant) Run(ctx context.Context) error {
	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID)
	logger.Info("re-grant sweep starting")

	users, err := r.svc.Users.Users(ctx)
	if err != nil {
		return errors.Wrap(err, "autorevoke", "Regrant.Run", "list users")
	}

	restored := 0
	for _, user := range users {
		installed, ierr := r.svc.Packages.InstalledPackages(ctx, user)
		if ierr != nil {
			logger.Error("package listing failed", "user", user, "error", ierr)
			continue
		}
		for _, pkg := range installed {
			if ctx.Err() != nil {
				logger.Error("re-grant sweep interrupted before completion",
					"restored", restored, "error", ctx.Err())
				return errors.Wrap(ctx.Err(), "autorevoke", "Regrant.Run", "sweep cancelled")
			}
			restored += r.sweepPackage(ctx, logger, runID, pkg, user)
		}
	}

	logger.Info("re-grant sweep complete", "restored", restored)
	return nil
}

func (r *Regrant) sweepPackage(ctx context.Context, logger *slog.Logger, runID string, pkg *platform.PackageInfo, user platform.UserHandle) int {
	restored := 0
	for _, perm := range pkg.RequestedPermissions {
		flags, err := r.svc.Packages.PermissionFlags(ctx, perm, pkg.PackageName, user)
		if err != nil {
			if !errors.IsNotFound(err) {
				logger.Error("flag read failed",
					"package", pkg.PackageName, "permission", perm, "error", err)
			}
			continue
		}
		if flags&platform.FlagAutoRevoked == 0 {
			continue
		}

		if err := r.svc.Packages.GrantRuntimePermission(ctx, perm, pkg.PackageName, user); err != nil {
			logger.Error("re-grant failed",
				"package", pkg.PackageName, "permission", perm, "error", err)
			continue
		}
		if err := r.svc.Packages.UpdatePermissionFlags(
			ctx, perm, pkg.PackageName, user, platform.FlagAutoRevoked, 0); err != nil {
			logger.Error("flag clear failed",
				"package", pkg.PackageName, "permission", perm, "error", err)
		}
		r.svc.Stats.LogPermissionRegranted(runID, pkg.UID, perm)
		restored++
	}
	return restored
}
