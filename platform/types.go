// Package platform defines the boundary to the external system of record:
// the value types mirrored from it (package info, permission metadata, flag
// bitmasks, app-op modes) and the service interfaces the controller calls
// into. Nothing here caches or owns consistency; the reactive layer re-reads
// rather than trusting local copies of authoritative grant state.
package platform

import (
	"time"
)

// UserHandle identifies a user profile. Packages, grants, and app-op modes
// are all addressed per user.
type UserHandle int32

// PackageInfo is the per-(package,user) snapshot of install state.
type PackageInfo struct {
	PackageName string     `json:"packageName"`
	User        UserHandle `json:"user"`
	UID         int32      `json:"uid"`
	TargetSDK   int        `json:"targetSdk"`
	Enabled     bool       `json:"enabled"`

	FirstInstallTime time.Time `json:"firstInstallTime"`

	// CrossProfile marks packages whose usage must be aggregated across all
	// enabled profiles before they can be considered unused.
	CrossProfile bool `json:"crossProfile"`

	// ManifestAutoRevokeExempt marks packages that declared the auto-revoke
	// opt-out in their manifest. Only consulted while the opt-out app-op is
	// still in its default state; once the op is set it wins.
	ManifestAutoRevokeExempt bool `json:"manifestAutoRevokeExempt,omitempty"`

	RequestedPermissions []string `json:"requestedPermissions"`

	// RequestedPermissionsFlags carries the per-request flags (notably
	// whether the request is currently granted at install level).
	RequestedPermissionsFlags map[string]uint32 `json:"requestedPermissionsFlags"`
}

// Requested-permission flags (per entry in RequestedPermissions).
const (
	// ReqFlagGranted marks a requested permission as granted.
	ReqFlagGranted uint32 = 1 << 0
)

// PermissionInfo is platform metadata for a single permission.
type PermissionInfo struct {
	Name  string `json:"name"`
	Group string `json:"group"`

	// BackgroundPermission names the permission gating "always" access for
	// permissions that split foreground/background, empty otherwise.
	BackgroundPermission string `json:"backgroundPermission,omitempty"`

	// AppOp names the app-op checked in addition to the grant, empty when
	// the permission has no op mapping.
	AppOp string `json:"appOp,omitempty"`

	Runtime bool `json:"runtime"`
}

// PermissionGroupInfo is platform metadata for a permission group.
type PermissionGroupInfo struct {
	Name             string `json:"name"`
	DeclaringPackage string `json:"declaringPackage"`
	Label            string `json:"label,omitempty"`
}

// PermState is the per-permission grant state: the flags bitmask plus the
// install-level granted bit.
type PermState struct {
	Flags   uint32 `json:"flags"`
	Granted bool   `json:"granted"`
}

// Permission flag bits.
const (
	// FlagSystemFixed locks the grant state at the OS level.
	FlagSystemFixed uint32 = 1 << iota
	// FlagPolicyFixed locks the grant state by device policy.
	FlagPolicyFixed
	// FlagUserSet marks a grant decided explicitly by the user.
	FlagUserSet
	// FlagUserFixed marks a denial the user asked not to be prompted about again.
	FlagUserFixed
	// FlagGrantedByDefault marks permissions granted implicitly at install.
	FlagGrantedByDefault
	// FlagGrantedByRole marks permissions granted because of an OS role.
	FlagGrantedByRole
	// FlagRevokedCompat marks compat-mode revocations that keep the install
	// grant but deny at runtime.
	FlagRevokedCompat
	// FlagAutoRevoked marks permissions stripped by the auto-revoke engine.
	FlagAutoRevoked
	// FlagUserSensitiveWhenGranted surfaces the permission to the user while granted.
	FlagUserSensitiveWhenGranted
	// FlagUserSensitiveWhenDenied surfaces the permission to the user while denied.
	FlagUserSensitiveWhenDenied
)

// FlagsUserSensitive is the mask of both user-sensitivity bits.
const FlagsUserSensitive = FlagUserSensitiveWhenGranted | FlagUserSensitiveWhenDenied

// FlagsFixed is the mask of bits that lock a grant against this engine.
const FlagsFixed = FlagSystemFixed | FlagPolicyFixed

// AppOpMode is the mode of an app-op for one (op, uid, package).
type AppOpMode int

// App-op modes, matching the platform convention.
const (
	OpModeAllowed AppOpMode = iota
	OpModeIgnored
	OpModeErrored
	// OpModeDefault means the op has never been explicitly set; the
	// effective mode is the platform's per-op default.
	OpModeDefault
	OpModeForeground
)

// String returns the string representation of AppOpMode
func (m AppOpMode) String() string {
	switch m {
	case OpModeAllowed:
		return "allowed"
	case OpModeIgnored:
		return "ignored"
	case OpModeErrored:
		return "errored"
	case OpModeDefault:
		return "default"
	case OpModeForeground:
		return "foreground"
	default:
		return "unknown"
	}
}

// Importance is a process-visibility level. Lower values are more visible.
type Importance int32

// Importance levels, matching the platform convention.
const (
	ImportanceForeground        Importance = 100
	ImportanceForegroundService Importance = 125
	ImportanceVisible           Importance = 200
	ImportancePerceptible       Importance = 230
	ImportanceTopSleeping       Importance = 325
	ImportanceCached            Importance = 400
	ImportanceGone              Importance = 1000
)

// Well-known names.
const (
	// GroupLocation gets special grant computation for location providers.
	GroupLocation = "LOCATION"

	// GroupNonRuntime is the synthetic pseudo-group collecting normal,
	// non-runtime permissions. Never auto-revoked.
	GroupNonRuntime = "NON_RUNTIME_NORMAL_PERMS"

	// OpAutoRevokeExempt is the app-op packages use to opt out of
	// auto-revoke. Explicitly allowed means permanently exempt.
	OpAutoRevokeExempt = "auto-revoke-exempt"
)

// TargetSDKManifestExemption is the minimum target SDK at which a package
// must declare its auto-revoke exemption in the manifest. Packages targeting
// below it are implicitly exempt while the opt-out op is unset.
const TargetSDKManifestExemption = 30

// IsGranted reports whether a requested permission is effectively granted:
// the request flag says granted and the compat-revoke bit is not set.
func IsGranted(requestedFlags uint32, state PermState) bool {
	return requestedFlags&ReqFlagGranted != 0 && state.Flags&FlagRevokedCompat == 0
}
