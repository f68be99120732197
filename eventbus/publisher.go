package eventbus

import (
	"encoding/json"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/platform"
)

// Publisher is the emitting side of the bus. The permission controller itself
// publishes permission events after its own mutations so that other
// subscribers converge without polling; in tests it stands in for the system
// of record.
type Publisher struct {
	bus *Bus
}

// NewPublisher creates a publisher over an already-connected bus.
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

func (p *Publisher) publish(subject string, ev any) error {
	if p.bus.conn == nil || !p.bus.conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNoConnection, "Publisher", "publish", subject)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err, "Publisher", "publish", "encode event")
	}
	if err := p.bus.conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Publisher", "publish", subject)
	}
	return nil
}

// PublishPackageEvent emits a package added/changed/removed event.
func (p *Publisher) PublishPackageEvent(ev platform.PackageEvent) error {
	return p.publish(SubjectPackageEvents, ev)
}

// PublishPermissionEvent emits a permission-state-changed event for a uid.
func (p *Publisher) PublishPermissionEvent(ev platform.PermissionEvent) error {
	return p.publish(SubjectPermissionEvents, ev)
}

// PublishAppOpEvent emits an op-mode-changed event on the op's subject.
func (p *Publisher) PublishAppOpEvent(ev platform.AppOpEvent) error {
	return p.publish(SubjectForOp(ev.Op), ev)
}

// PublishUserEvent emits a user added/removed event.
func (p *Publisher) PublishUserEvent(ev platform.UserEvent) error {
	return p.publish(SubjectUserEvents, ev)
}
