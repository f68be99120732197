// Package eventbus carries platform change notifications over NATS. The
// system of record publishes package, permission, app-op, and user events on
// well-known subjects; this package is the subscribing side, implementing
// platform.Events for the multiplexers and repositories.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/pkg/retry"
	"github.com/c360/permstream/platform"
)

// Subjects the system of record publishes on. App-op events are fanned out
// per op so subscribers only receive the ops they asked for.
const (
	SubjectPackageEvents    = "platform.events.package"
	SubjectPermissionEvents = "platform.events.permission"
	SubjectAppOpPrefix      = "platform.events.appop." // + op name
	SubjectUserEvents       = "platform.events.user"
)

// SubjectForOp returns the subject carrying mode changes for one op.
func SubjectForOp(op string) string {
	return SubjectAppOpPrefix + op
}

// ConnectionStatus is the bus connection state.
type ConnectionStatus int32

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Bus is a NATS-backed implementation of platform.Events. Event callbacks run
// on NATS delivery goroutines; consumers marshal to the mainline executor
// before touching graph state.
type Bus struct {
	url     string
	logger  *slog.Logger
	metrics *metric.Metrics

	status     atomic.Int32
	reconnects atomic.Int32

	conn *nats.Conn

	clientName    string
	maxReconnects int
	reconnectWait time.Duration
	dialTimeout   time.Duration
	drainTimeout  time.Duration
	username      string
	password      string
}

// New creates a bus for the given NATS URL. Connect must be called before
// subscribing.
func New(url string, opts ...Option) (*Bus, error) {
	b := &Bus{
		url:           url,
		logger:        slog.Default(),
		clientName:    "permstream",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		dialTimeout:   5 * time.Second,
		drainTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, errors.WrapInvalid(err, "Bus", "New", "apply option")
		}
	}
	b.status.Store(int32(StatusDisconnected))
	return b, nil
}

// Status returns the current connection status.
func (b *Bus) Status() ConnectionStatus {
	return ConnectionStatus(b.status.Load())
}

// Reconnects returns how many times the underlying connection has recovered.
func (b *Bus) Reconnects() int32 {
	return b.reconnects.Load()
}

// IsHealthy reports whether the bus is connected.
func (b *Bus) IsHealthy() bool {
	return b.Status() == StatusConnected
}

func (b *Bus) setStatus(s ConnectionStatus) {
	b.status.Store(int32(s))
	if b.metrics != nil {
		if s == StatusConnected {
			b.metrics.BusConnected.Set(1)
		} else {
			b.metrics.BusConnected.Set(0)
		}
	}
}

// Connect dials the NATS server, retrying with backoff until ctx is done or
// the retry budget is exhausted. Connecting an already-connected bus is a
// no-op.
func (b *Bus) Connect(ctx context.Context) error {
	if b.conn != nil && b.conn.IsConnected() {
		return nil
	}
	b.setStatus(StatusConnecting)

	opts := []nats.Option{
		nats.Name(b.clientName),
		nats.Timeout(b.dialTimeout),
		nats.MaxReconnects(b.maxReconnects),
		nats.ReconnectWait(b.reconnectWait),
		nats.DrainTimeout(b.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.setStatus(StatusReconnecting)
			b.logger.Warn("event bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.setStatus(StatusConnected)
			b.reconnects.Add(1)
			if b.metrics != nil {
				b.metrics.BusReconnects.Inc()
			}
			b.logger.Info("event bus reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.setStatus(StatusDisconnected)
		}),
	}
	if b.username != "" {
		opts = append(opts, nats.UserInfo(b.username, b.password))
	}

	err := retry.Do(ctx, retry.Connect(), func() error {
		conn, err := nats.Connect(b.url, opts...)
		if err != nil {
			return err
		}
		b.conn = conn
		return nil
	})
	if err != nil {
		b.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Bus", "Connect", "dial nats")
	}

	b.setStatus(StatusConnected)
	b.logger.Info("event bus connected", "url", b.url)
	return nil
}

// JetStream returns a JetStream context over the bus connection, used for
// the configuration KV bucket.
func (b *Bus) JetStream() (jetstream.JetStream, error) {
	if b.conn == nil || !b.conn.IsConnected() {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Bus", "JetStream", "create context")
	}
	js, err := jetstream.New(b.conn)
	if err != nil {
		return nil, errors.Wrap(err, "Bus", "JetStream", "create context")
	}
	return js, nil
}

// Request performs one request/reply round trip, used by the platform RPC
// client.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if b.conn == nil || !b.conn.IsConnected() {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Bus", "Request", subject)
	}
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, errors.WrapTransient(err, "Bus", "Request", subject)
	}
	return msg.Data, nil
}

// Publish sends a fire-and-forget message, used for telemetry.
func (b *Bus) Publish(subject string, data []byte) error {
	if b.conn == nil || !b.conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNoConnection, "Bus", "Publish", subject)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Bus", "Publish", subject)
	}
	return nil
}

// Close drains outstanding subscriptions and closes the connection.
func (b *Bus) Close() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Drain()
	b.conn = nil
	b.setStatus(StatusDisconnected)
	if err != nil {
		return errors.Wrap(err, "Bus", "Close", "drain connection")
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// subscribe wires a raw subject to a decode-and-dispatch handler.
func subscribe[E any](b *Bus, subject string, fn func(E)) (platform.Subscription, error) {
	if b.conn == nil || !b.conn.IsConnected() {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Bus", "subscribe", subject)
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev E
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("dropping malformed event", "subject", subject, "error", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Bus", "subscribe", subject)
	}
	return &natsSubscription{sub: sub}, nil
}

// SubscribePackageEvents implements platform.Events.
func (b *Bus) SubscribePackageEvents(fn func(platform.PackageEvent)) (platform.Subscription, error) {
	return subscribe(b, SubjectPackageEvents, fn)
}

// SubscribePermissionEvents implements platform.Events.
func (b *Bus) SubscribePermissionEvents(fn func(platform.PermissionEvent)) (platform.Subscription, error) {
	return subscribe(b, SubjectPermissionEvents, fn)
}

// SubscribeAppOpEvents implements platform.Events.
func (b *Bus) SubscribeAppOpEvents(op string, fn func(platform.AppOpEvent)) (platform.Subscription, error) {
	return subscribe(b, SubjectForOp(op), fn)
}

// SubscribeUserEvents implements platform.Events.
func (b *Bus) SubscribeUserEvents(fn func(platform.UserEvent)) (platform.Subscription, error) {
	return subscribe(b, SubjectUserEvents, fn)
}
