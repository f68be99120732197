package platform

// PackageEventKind distinguishes the package broadcast types.
type PackageEventKind int

// Package broadcast kinds.
const (
	PackageAdded PackageEventKind = iota
	PackageChanged
	PackageRemoved
)

// String returns the string representation of PackageEventKind
func (k PackageEventKind) String() string {
	switch k {
	case PackageAdded:
		return "added"
	case PackageChanged:
		return "changed"
	case PackageRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// PackageEvent is a package added/changed/removed broadcast.
type PackageEvent struct {
	Kind        PackageEventKind `json:"kind"`
	PackageName string           `json:"packageName"`
	User        UserHandle       `json:"user"`
	UID         int32            `json:"uid"`
}

// PermissionEvent signals that some permission state changed for a uid.
// It carries no detail beyond the uid: consumers re-read current state.
type PermissionEvent struct {
	UID  int32      `json:"uid"`
	User UserHandle `json:"user"`
}

// AppOpEvent signals that an op's mode changed for a package.
type AppOpEvent struct {
	Op          string     `json:"op"`
	PackageName string     `json:"packageName"`
	User        UserHandle `json:"user"`
	UID         int32      `json:"uid"`
}

// UserEvent signals that a user profile was added or removed.
type UserEvent struct {
	User    UserHandle `json:"user"`
	Removed bool       `json:"removed"`
}

// Subscription is a live event registration.
type Subscription interface {
	Unsubscribe() error
}

// Events is the change-notification surface of the system of record. One
// Subscribe call is one underlying registration; the multiplexer layer is
// responsible for keeping the number of registrations at {0,1} per concern
// no matter how many logical listeners sit on top.
//
// Callbacks may be invoked on arbitrary goroutines. Consumers must marshal
// to the mainline executor before touching graph state.
type Events interface {
	SubscribePackageEvents(fn func(PackageEvent)) (Subscription, error)
	SubscribePermissionEvents(fn func(PermissionEvent)) (Subscription, error)
	SubscribeAppOpEvents(op string, fn func(AppOpEvent)) (Subscription, error)
	SubscribeUserEvents(fn func(UserEvent)) (Subscription, error)
}
