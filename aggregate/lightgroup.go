// Package aggregate builds the derived permission-group views: point-in-time
// snapshots merging package install state, group metadata, per-permission
// grant state, and live app-op modes. Aggregators are mediators over the leaf
// sources; they recompute from current source values on any change, so the
// result never depends on event ordering.
package aggregate

import (
	"github.com/c360/permstream/platform"
)

// LightPermission is the as-of-now state of one permission inside a group.
type LightPermission struct {
	Info  *platform.PermissionInfo
	State platform.PermState

	// Granted is the effective grant after the app-op merge and the
	// LOCATION overrides.
	Granted bool

	// OpMode is the effective mode with OpModeDefault already resolved to
	// the platform's per-op default. OpModeAllowed when the permission has
	// no op mapping.
	OpMode platform.AppOpMode
}

// SubGroup aggregates one grant unit: the foreground permissions of a group,
// or the background sub-group gating "always" access.
type SubGroup struct {
	Permissions map[string]LightPermission

	Granted          bool
	SystemFixed      bool
	PolicyFixed      bool
	GrantedByDefault bool
	GrantedByRole    bool
	UserSet          bool
	UserSensitive    bool
}

// IsFixed reports whether the sub-group's grant state is locked against this
// layer, by the OS or by device policy.
func (g SubGroup) IsFixed() bool { return g.SystemFixed || g.PolicyFixed }

// LightAppPermGroup is the full snapshot of one permission group for one
// (package, user). A nil *LightAppPermGroup means the package or the group
// does not exist, or the package requests nothing in the group.
type LightAppPermGroup struct {
	Pkg       *platform.PackageInfo
	GroupInfo *platform.PermissionGroupInfo

	Foreground SubGroup

	// Background is meaningful only when HasBackground is true.
	Background    SubGroup
	HasBackground bool
}

// AreRuntimePermissionsGranted reports whether any permission in the group is
// effectively granted.
func (g *LightAppPermGroup) AreRuntimePermissionsGranted() bool {
	if g == nil {
		return false
	}
	return g.Foreground.Granted || (g.HasBackground && g.Background.Granted)
}

// AllPermissions returns every permission of both sub-groups, keyed by name.
func (g *LightAppPermGroup) AllPermissions() map[string]LightPermission {
	if g == nil {
		return nil
	}
	all := make(map[string]LightPermission, len(g.Foreground.Permissions)+len(g.Background.Permissions))
	for name, p := range g.Foreground.Permissions {
		all[name] = p
	}
	for name, p := range g.Background.Permissions {
		all[name] = p
	}
	return all
}

// sameLightGroup is the mediator's change-suppression predicate.
func sameLightGroup(a, b *LightAppPermGroup) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.HasBackground != b.HasBackground {
		return false
	}
	if a.Pkg.UID != b.Pkg.UID || a.Pkg.TargetSDK != b.Pkg.TargetSDK {
		return false
	}
	if !sameSubGroup(a.Foreground, b.Foreground) {
		return false
	}
	if a.HasBackground && !sameSubGroup(a.Background, b.Background) {
		return false
	}
	return true
}

func sameSubGroup(a, b SubGroup) bool {
	if a.Granted != b.Granted || a.SystemFixed != b.SystemFixed ||
		a.PolicyFixed != b.PolicyFixed || a.GrantedByDefault != b.GrantedByDefault ||
		a.GrantedByRole != b.GrantedByRole || a.UserSet != b.UserSet ||
		a.UserSensitive != b.UserSensitive {
		return false
	}
	if len(a.Permissions) != len(b.Permissions) {
		return false
	}
	for name, pa := range a.Permissions {
		pb, ok := b.Permissions[name]
		if !ok || pa.State != pb.State || pa.Granted != pb.Granted || pa.OpMode != pb.OpMode {
			return false
		}
	}
	return true
}
