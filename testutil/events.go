// Package testutil provides in-memory fakes of the platform boundary: the
// change-notification bus, the package/permission services, and a manual
// clock. Tests drive them directly instead of standing up a live system.
package testutil

import (
	"sync"

	"github.com/c360/permstream/platform"
)

type fakeSubscription struct {
	unsubscribe func()
}

func (s *fakeSubscription) Unsubscribe() error {
	s.unsubscribe()
	return nil
}

// FakeBus implements platform.Events in memory. Fire* methods deliver events
// synchronously on the calling goroutine, mimicking a bus callback arriving
// off the mainline thread. Subscription counts are exposed so multiplexer
// tests can verify the 0-or-1 registration invariant.
type FakeBus struct {
	mu sync.Mutex

	nextID int

	pkgSubs  map[int]func(platform.PackageEvent)
	permSubs map[int]func(platform.PermissionEvent)
	opSubs   map[int]opSub
	userSubs map[int]func(platform.UserEvent)

	// Counters by kind. Op subscriptions count per op name.
	PackageSubscribes      int
	PackageUnsubscribes    int
	PermissionSubscribes   int
	PermissionUnsubscribes int
	OpSubscribes           map[string]int
	OpUnsubscribes         map[string]int
	UserSubscribes         int

	// SubscribeErr, when set, fails every subscribe call.
	SubscribeErr error
}

type opSub struct {
	op string
	fn func(platform.AppOpEvent)
}

// NewFakeBus creates an empty fake bus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		pkgSubs:        make(map[int]func(platform.PackageEvent)),
		permSubs:       make(map[int]func(platform.PermissionEvent)),
		opSubs:         make(map[int]opSub),
		userSubs:       make(map[int]func(platform.UserEvent)),
		OpSubscribes:   make(map[string]int),
		OpUnsubscribes: make(map[string]int),
	}
}

// SubscribePackageEvents implements platform.Events.
func (b *FakeBus) SubscribePackageEvents(fn func(platform.PackageEvent)) (platform.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubscribeErr != nil {
		return nil, b.SubscribeErr
	}
	id := b.nextID
	b.nextID++
	b.pkgSubs[id] = fn
	b.PackageSubscribes++
	return &fakeSubscription{unsubscribe: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.pkgSubs, id)
		b.PackageUnsubscribes++
	}}, nil
}

// SubscribePermissionEvents implements platform.Events.
func (b *FakeBus) SubscribePermissionEvents(fn func(platform.PermissionEvent)) (platform.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubscribeErr != nil {
		return nil, b.SubscribeErr
	}
	id := b.nextID
	b.nextID++
	b.permSubs[id] = fn
	b.PermissionSubscribes++
	return &fakeSubscription{unsubscribe: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.permSubs, id)
		b.PermissionUnsubscribes++
	}}, nil
}

// SubscribeAppOpEvents implements platform.Events.
func (b *FakeBus) SubscribeAppOpEvents(op string, fn func(platform.AppOpEvent)) (platform.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubscribeErr != nil {
		return nil, b.SubscribeErr
	}
	id := b.nextID
	b.nextID++
	b.opSubs[id] = opSub{op: op, fn: fn}
	b.OpSubscribes[op]++
	return &fakeSubscription{unsubscribe: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.opSubs, id)
		b.OpUnsubscribes[op]++
	}}, nil
}

// SubscribeUserEvents implements platform.Events.
func (b *FakeBus) SubscribeUserEvents(fn func(platform.UserEvent)) (platform.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubscribeErr != nil {
		return nil, b.SubscribeErr
	}
	id := b.nextID
	b.nextID++
	b.userSubs[id] = fn
	b.UserSubscribes++
	return &fakeSubscription{unsubscribe: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.userSubs, id)
	}}, nil
}

// FirePackageEvent delivers a package event to all subscribers.
func (b *FakeBus) FirePackageEvent(ev platform.PackageEvent) {
	b.mu.Lock()
	fns := make([]func(platform.PackageEvent), 0, len(b.pkgSubs))
	for _, fn := range b.pkgSubs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// FirePermissionEvent delivers a permission event to all subscribers.
func (b *FakeBus) FirePermissionEvent(ev platform.PermissionEvent) {
	b.mu.Lock()
	fns := make([]func(platform.PermissionEvent), 0, len(b.permSubs))
	for _, fn := range b.permSubs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// FireAppOpEvent delivers an op event to subscribers of the matching op.
func (b *FakeBus) FireAppOpEvent(ev platform.AppOpEvent) {
	b.mu.Lock()
	fns := make([]func(platform.AppOpEvent), 0)
	for _, s := range b.opSubs {
		if s.op == ev.Op {
			fns = append(fns, s.fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// FireUserEvent delivers a user event to all subscribers.
func (b *FakeBus) FireUserEvent(ev platform.UserEvent) {
	b.mu.Lock()
	fns := make([]func(platform.UserEvent), 0, len(b.userSubs))
	for _, fn := range b.userSubs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// ActiveSubscriptions returns the total number of live subscriptions.
func (b *FakeBus) ActiveSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pkgSubs) + len(b.permSubs) + len(b.opSubs) + len(b.userSubs)
}

// ActiveOpSubscriptions returns the number of live subscriptions for one op.
func (b *FakeBus) ActiveOpSubscriptions(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.opSubs {
		if s.op == op {
			n++
		}
	}
	return n
}
