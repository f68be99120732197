package platnats

import (
	"context"
	"time"

	"github.com/c360/permstream/platform"
)

// Request payloads. One struct per method keeps the wire format explicit.

type pkgUserReq struct {
	Pkg  string              `json:"pkg"`
	User platform.UserHandle `json:"user"`
}

type userReq struct {
	User platform.UserHandle `json:"user"`
}

type nameReq struct {
	Name string `json:"name"`
}

type permPkgUserReq struct {
	Perm string              `json:"perm"`
	Pkg  string              `json:"pkg"`
	User platform.UserHandle `json:"user"`
}

type flagUpdateReq struct {
	Perm   string              `json:"perm"`
	Pkg    string              `json:"pkg"`
	User   platform.UserHandle `json:"user"`
	Mask   uint32              `json:"mask"`
	Values uint32              `json:"values"`
}

type opModeReq struct {
	Op  string `json:"op"`
	UID int32  `json:"uid"`
	Pkg string `json:"pkg"`
}

type setOpModeReq struct {
	Op   string             `json:"op"`
	UID  int32              `json:"uid"`
	Pkg  string             `json:"pkg"`
	Mode platform.AppOpMode `json:"mode"`
}

type usageReq struct {
	User  platform.UserHandle `json:"user"`
	Since time.Time           `json:"since"`
}

type uidReq struct {
	UID int32 `json:"uid"`
}

type notifyReq struct {
	User     platform.UserHandle `json:"user"`
	Packages []string            `json:"packages"`
	ID       string              `json:"id"`
}

type statsEvent struct {
	RunID      string `json:"runId"`
	UID        int32  `json:"uid"`
	Permission string `json:"permission"`
	Regranted  bool   `json:"regranted,omitempty"`
}

// --- PackageService ---

// PackageInfo implements platform.PackageService.
func (c *Client) PackageInfo(ctx context.Context, pkg string, user platform.UserHandle) (*platform.PackageInfo, error) {
	var out platform.PackageInfo
	if err := c.call(ctx, "package.info", pkgUserReq{Pkg: pkg, User: user}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InstalledPackages implements platform.PackageService.
func (c *Client) InstalledPackages(ctx context.Context, user platform.UserHandle) ([]*platform.PackageInfo, error) {
	var out []*platform.PackageInfo
	if err := c.call(ctx, "package.installed", userReq{User: user}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PermissionInfo implements platform.PackageService.
func (c *Client) PermissionInfo(ctx context.Context, name string) (*platform.PermissionInfo, error) {
	var out platform.PermissionInfo
	if err := c.call(ctx, "package.permission_info", nameReq{Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PermissionGroupInfo implements platform.PackageService.
func (c *Client) PermissionGroupInfo(ctx context.Context, name string) (*platform.PermissionGroupInfo, error) {
	var out platform.PermissionGroupInfo
	if err := c.call(ctx, "package.group_info", nameReq{Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GroupPermissions implements platform.PackageService.
func (c *Client) GroupPermissions(ctx context.Context, group string) ([]*platform.PermissionInfo, error) {
	var out []*platform.PermissionInfo
	if err := c.call(ctx, "package.group_permissions", nameReq{Name: group}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PermissionFlags implements platform.PackageService.
func (c *Client) PermissionFlags(ctx context.Context, perm, pkg string, user platform.UserHandle) (uint32, error) {
	var out uint32
	if err := c.call(ctx, "package.flags", permPkgUserReq{Perm: perm, Pkg: pkg, User: user}, &out); err != nil {
		return 0, err
	}
	return out, nil
}

// UpdatePermissionFlags implements platform.PackageService.
func (c *Client) UpdatePermissionFlags(ctx context.Context, perm, pkg string, user platform.UserHandle, mask, values uint32) error {
	return c.call(ctx, "package.update_flags",
		flagUpdateReq{Perm: perm, Pkg: pkg, User: user, Mask: mask, Values: values}, nil)
}

// GrantRuntimePermission implements platform.PackageService.
func (c *Client) GrantRuntimePermission(ctx context.Context, perm, pkg string, user platform.UserHandle) error {
	return c.call(ctx, "package.grant", permPkgUserReq{Perm: perm, Pkg: pkg, User: user}, nil)
}

// RevokeRuntimePermission implements platform.PackageService.
func (c *Client) RevokeRuntimePermission(ctx context.Context, perm, pkg string, user platform.UserHandle) error {
	return c.call(ctx, "package.revoke", permPkgUserReq{Perm: perm, Pkg: pkg, User: user}, nil)
}

// --- UserService ---

// Users implements platform.UserService.
func (c *Client) Users(ctx context.Context) ([]platform.UserHandle, error) {
	var out []platform.UserHandle
	if err := c.call(ctx, "user.list", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EnabledProfiles implements platform.UserService.
func (c *Client) EnabledProfiles(ctx context.Context, user platform.UserHandle) ([]platform.UserHandle, error) {
	var out []platform.UserHandle
	if err := c.call(ctx, "user.profiles", userReq{User: user}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- AppOpsService ---

// OpMode implements platform.AppOpsService.
func (c *Client) OpMode(ctx context.Context, op string, uid int32, pkg string) (platform.AppOpMode, error) {
	var out platform.AppOpMode
	if err := c.call(ctx, "appop.get", opModeReq{Op: op, UID: uid, Pkg: pkg}, &out); err != nil {
		return platform.OpModeDefault, err
	}
	return out, nil
}

// SetOpMode implements platform.AppOpsService.
func (c *Client) SetOpMode(ctx context.Context, op string, uid int32, pkg string, mode platform.AppOpMode) error {
	return c.call(ctx, "appop.set", setOpModeReq{Op: op, UID: uid, Pkg: pkg, Mode: mode}, nil)
}

// DefaultOpMode implements platform.AppOpsService. The interface is
// synchronous, so a lookup failure falls back to the platform convention of
// allowed-by-default.
func (c *Client) DefaultOpMode(op string) platform.AppOpMode {
	var out platform.AppOpMode
	if err := c.call(context.Background(), "appop.default", nameReq{Name: op}, &out); err != nil {
		c.logger.Warn("default op mode lookup failed, assuming allowed", "op", op, "error", err)
		return platform.OpModeAllowed
	}
	return out
}

// --- UsageStatsService ---

// LastVisibleTimes implements platform.UsageStatsService.
func (c *Client) LastVisibleTimes(ctx context.Context, user platform.UserHandle, since time.Time) (map[string]time.Time, error) {
	var out map[string]time.Time
	if err := c.call(ctx, "usage.last_visible", usageReq{User: user, Since: since}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- ImportanceService ---

// UidImportance implements platform.ImportanceService.
func (c *Client) UidImportance(ctx context.Context, uid int32) (platform.Importance, error) {
	var out platform.Importance
	if err := c.call(ctx, "importance.uid", uidReq{UID: uid}, &out); err != nil {
		return 0, err
	}
	return out, nil
}

// --- LocationService ---

// LocationEnabled implements platform.LocationService.
func (c *Client) LocationEnabled(ctx context.Context, user platform.UserHandle) (bool, error) {
	var out bool
	if err := c.call(ctx, "location.enabled", userReq{User: user}, &out); err != nil {
		return false, err
	}
	return out, nil
}

// IsLocationProvider implements platform.LocationService.
func (c *Client) IsLocationProvider(ctx context.Context, pkg string, user platform.UserHandle) (bool, error) {
	var out bool
	if err := c.call(ctx, "location.is_provider", pkgUserReq{Pkg: pkg, User: user}, &out); err != nil {
		return false, err
	}
	return out, nil
}

// ExtraLocationControllerPackage implements platform.LocationService.
func (c *Client) ExtraLocationControllerPackage(ctx context.Context, user platform.UserHandle) (string, error) {
	var out string
	if err := c.call(ctx, "location.extra_controller_pkg", userReq{User: user}, &out); err != nil {
		return "", err
	}
	return out, nil
}

// ExtraLocationControllerEnabled implements platform.LocationService.
func (c *Client) ExtraLocationControllerEnabled(ctx context.Context, user platform.UserHandle) (bool, error) {
	var out bool
	if err := c.call(ctx, "location.extra_controller_enabled", userReq{User: user}, &out); err != nil {
		return false, err
	}
	return out, nil
}

// --- NotificationService ---

// NotifyUnusedAppsRevoked implements platform.NotificationService.
func (c *Client) NotifyUnusedAppsRevoked(ctx context.Context, user platform.UserHandle, packages []string, notificationID string) error {
	return c.call(ctx, "notification.unused_apps",
		notifyReq{User: user, Packages: packages, ID: notificationID}, nil)
}

// --- StatsLogger ---

// Telemetry is fire-and-forget: a publish failure is logged, never surfaced,
// so a flaky sink cannot fail an engine run.

// LogPermissionAutoRevoked implements platform.StatsLogger.
func (c *Client) LogPermissionAutoRevoked(runID string, uid int32, permission string) {
	c.publishStats("stats.permission_auto_revoked",
		statsEvent{RunID: runID, UID: uid, Permission: permission})
}

// LogPermissionRegranted implements platform.StatsLogger.
func (c *Client) LogPermissionRegranted(runID string, uid int32, permission string) {
	c.publishStats("stats.permission_regranted",
		statsEvent{RunID: runID, UID: uid, Permission: permission, Regranted: true})
}
