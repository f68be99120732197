package platform

import (
	"context"
	"time"
)

// PackageService is the package/permission query and mutation surface of the
// system of record. Lookup misses return the errors package's not-found
// sentinels; the reactive layer maps those to absent values.
type PackageService interface {
	// PackageInfo returns install state for one (package, user).
	PackageInfo(ctx context.Context, pkg string, user UserHandle) (*PackageInfo, error)

	// InstalledPackages lists every installed package for the user.
	InstalledPackages(ctx context.Context, user UserHandle) ([]*PackageInfo, error)

	// PermissionInfo returns metadata for a single permission.
	PermissionInfo(ctx context.Context, name string) (*PermissionInfo, error)

	// PermissionGroupInfo returns metadata for a permission group.
	PermissionGroupInfo(ctx context.Context, name string) (*PermissionGroupInfo, error)

	// GroupPermissions lists the platform permissions belonging to a group.
	GroupPermissions(ctx context.Context, group string) ([]*PermissionInfo, error)

	// PermissionFlags reads the flag bitmask for (permission, package, user).
	PermissionFlags(ctx context.Context, perm, pkg string, user UserHandle) (uint32, error)

	// UpdatePermissionFlags sets the bits in mask to the corresponding bits
	// of values, leaving other bits untouched.
	UpdatePermissionFlags(ctx context.Context, perm, pkg string, user UserHandle, mask, values uint32) error

	// GrantRuntimePermission grants a runtime permission.
	GrantRuntimePermission(ctx context.Context, perm, pkg string, user UserHandle) error

	// RevokeRuntimePermission revokes a runtime permission.
	RevokeRuntimePermission(ctx context.Context, perm, pkg string, user UserHandle) error
}

// UserService enumerates users and their profile groups.
type UserService interface {
	Users(ctx context.Context) ([]UserHandle, error)

	// EnabledProfiles returns every enabled profile associated with the
	// user, including the user itself. Cross-profile packages aggregate
	// usage over this set.
	EnabledProfiles(ctx context.Context, user UserHandle) ([]UserHandle, error)
}

// AppOpsService reads and writes app-op modes.
type AppOpsService interface {
	OpMode(ctx context.Context, op string, uid int32, pkg string) (AppOpMode, error)
	SetOpMode(ctx context.Context, op string, uid int32, pkg string, mode AppOpMode) error

	// DefaultOpMode returns the platform's default mode for an op, applied
	// when the stored mode is OpModeDefault. The convention is the
	// platform's, not this layer's.
	DefaultOpMode(op string) AppOpMode
}

// UsageStatsService queries package usage.
type UsageStatsService interface {
	// LastVisibleTimes returns, per package, the last time the package was
	// visible to the user within [since, now].
	LastVisibleTimes(ctx context.Context, user UserHandle, since time.Time) (map[string]time.Time, error)
}

// ImportanceService reports current process visibility per uid.
type ImportanceService interface {
	UidImportance(ctx context.Context, uid int32) (Importance, error)
}

// LocationService answers the location-specific grant overrides.
type LocationService interface {
	LocationEnabled(ctx context.Context, user UserHandle) (bool, error)
	IsLocationProvider(ctx context.Context, pkg string, user UserHandle) (bool, error)
	ExtraLocationControllerPackage(ctx context.Context, user UserHandle) (string, error)
	ExtraLocationControllerEnabled(ctx context.Context, user UserHandle) (bool, error)
}

// Scheduler registers persistent periodic jobs and immediate triggers.
type Scheduler interface {
	// SchedulePeriodic registers job to run every period, surviving process
	// restarts. Re-registering the same name replaces the previous schedule.
	SchedulePeriodic(name string, period time.Duration, job func(context.Context) error) error

	// TriggerNow runs a registered job immediately, out of band.
	TriggerNow(ctx context.Context, name string) error

	// Cancel removes a registered job.
	Cancel(name string) error
}

// NotificationService schedules the user-facing unused-apps notification.
type NotificationService interface {
	NotifyUnusedAppsRevoked(ctx context.Context, user UserHandle, packages []string, notificationID string) error
}

// StatsLogger is the telemetry sink. Each permission considered for
// revocation is logged before the mutating call, whether or not the
// mutation proceeds this run.
type StatsLogger interface {
	LogPermissionAutoRevoked(runID string, uid int32, permission string)
	LogPermissionRegranted(runID string, uid int32, permission string)
}

// Services bundles every external collaborator. One instance is constructed
// at process start and threaded through constructors; there is no ambient
// global registry.
type Services struct {
	Packages      PackageService
	Users         UserService
	AppOps        AppOpsService
	Usage         UsageStatsService
	Importance    ImportanceService
	Location      LocationService
	Scheduler     Scheduler
	Notifications NotificationService
	Stats         StatsLogger
}
