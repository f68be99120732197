package eventbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/permstream/metric"
)

// Option configures a Bus.
type Option func(*Bus) error

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// WithMetrics wires connection gauges and reconnect counters.
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bus) error {
		b.metrics = m
		return nil
	}
}

// WithClientName sets the connection name reported to the server.
func WithClientName(name string) Option {
	return func(b *Bus) error {
		if name == "" {
			return fmt.Errorf("client name cannot be empty")
		}
		b.clientName = name
		return nil
	}
}

// WithCredentials sets username/password authentication.
func WithCredentials(username, password string) Option {
	return func(b *Bus) error {
		b.username = username
		b.password = password
		return nil
	}
}

// WithMaxReconnects bounds automatic reconnection attempts. Negative means
// unlimited.
func WithMaxReconnects(n int) Option {
	return func(b *Bus) error {
		b.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the delay between reconnection attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("reconnect wait must be positive, got %v", d)
		}
		b.reconnectWait = d
		return nil
	}
}

// WithDialTimeout sets the per-attempt connection timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("dial timeout must be positive, got %v", d)
		}
		b.dialTimeout = d
		return nil
	}
}
