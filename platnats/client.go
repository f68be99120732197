// Package platnats implements the platform service interfaces over NATS
// request/reply. The system of record exposes one RPC subject per method;
// this client marshals the typed calls, so the rest of the process only sees
// the platform interfaces.
package platnats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/platform"
)

// SubjectPrefix is prepended to every RPC method name.
const SubjectPrefix = "platform.rpc."

// statsPrefix is prepended to fire-and-forget telemetry subjects.
const statsPrefix = "platform."

// DefaultTimeout bounds one request/reply round trip.
const DefaultTimeout = 5 * time.Second

// Transport is the request/reply surface the client needs. *eventbus.Bus
// satisfies it.
type Transport interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Publish(subject string, data []byte) error
}

// Client implements platform.PackageService, UserService, AppOpsService,
// UsageStatsService, ImportanceService, LocationService,
// NotificationService, and StatsLogger over a Transport.
type Client struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client over the given transport.
func New(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		logger:    slog.Default(),
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Services bundles the client into a platform.Services value. The scheduler
// is local to this process, so the caller supplies it.
func (c *Client) Services(sched platform.Scheduler) *platform.Services {
	return &platform.Services{
		Packages:      c,
		Users:         c,
		AppOps:        c,
		Usage:         c,
		Importance:    c,
		Location:      c,
		Scheduler:     sched,
		Notifications: c,
		Stats:         c,
	}
}

// envelope is the reply wire format. Code carries machine-readable failure
// identities that map back to the errors package sentinels.
type envelope struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Failure codes the system of record replies with.
var codeToErr = map[string]error{
	"package_not_found":    errors.ErrPackageNotFound,
	"permission_not_found": errors.ErrPermissionNotFound,
	"group_not_found":      errors.ErrGroupNotFound,
	"user_not_found":       errors.ErrUserNotFound,
	"permission_fixed":     errors.ErrPermissionFixed,
	"not_runtime":          errors.ErrNotRuntime,
	"flag_update_failed":   errors.ErrFlagUpdateFailed,
}

// call performs one round trip and decodes the reply value into out. A nil
// out discards the value.
func (c *Client) call(ctx context.Context, method string, req any, out any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errors.WrapInvalid(err, "platnats", method, "marshal request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.transport.Request(ctx, SubjectPrefix+method, data)
	if err != nil {
		return errors.WrapTransient(err, "platnats", method, "request")
	}

	var env envelope
	if err := json.Unmarshal(reply, &env); err != nil {
		return errors.Wrap(err, "platnats", method, "decode reply")
	}
	if !env.OK {
		if sentinel, ok := codeToErr[env.Code]; ok {
			return sentinel
		}
		return errors.Wrap(fmt.Errorf("%s", env.Error), "platnats", method, "remote error")
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Value, out); err != nil {
		return errors.Wrap(err, "platnats", method, "decode value")
	}
	return nil
}

// publishStats emits one telemetry event, logging and dropping on failure.
func (c *Client) publishStats(subject string, ev statsEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("telemetry event marshal failed", "subject", subject, "error", err)
		return
	}
	if err := c.transport.Publish(statsPrefix+subject, data); err != nil {
		c.logger.Warn("telemetry publish failed", "subject", subject, "error", err)
	}
}
