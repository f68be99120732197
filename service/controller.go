// Package service assembles the process: configuration, the event bus, the
// reactive graph, the auto-revoke engine, health tracking, and the metrics
// endpoint. The controller owns subsystem lifecycles; cmd/permstream only
// parses flags and forwards signals.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/permstream/aggregate"
	"github.com/c360/permstream/autorevoke"
	"github.com/c360/permstream/config"
	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/eventbus"
	"github.com/c360/permstream/health"
	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/multiplex"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/repository"
	"github.com/c360/permstream/sources"
)

const systemName = "permstream"

// Subsystem names reported to the health monitor.
const (
	subsysEventBus = "event_bus"
	subsysConfig   = "config"
	subsysEngine   = "engine"
	subsysRegrant  = "regrant"
	subsysMetrics  = "metrics"
)

// Controller wires every subsystem together and drives their lifecycles.
// Construct with New, then Initialize, Start, and finally Stop.
type Controller struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	svc      *platform.Services

	mu              sync.RWMutex
	safe            *config.SafeConfig
	currentInterval time.Duration

	// events is the change-notification source for the graph. Normally the
	// NATS bus; tests inject a fake and the bus stays nil.
	events platform.Events
	bus    *eventbus.Bus

	manager *config.Manager

	exec     *mainline.Executor
	notifier *repository.PressureNotifier
	appOpMux *multiplex.AppOpMultiplexer
	permMux  *multiplex.PermissionMultiplexer
	src      *sources.Sources
	groups   *aggregate.AppPermGroupRepository
	engine   *autorevoke.Engine
	regrant  *autorevoke.Regrant

	monitor      *health.Monitor
	metricServer *metric.Server
	metricErrCh  chan error

	watchWg sync.WaitGroup

	initialized bool
	started     atomic.Bool
	stopped     atomic.Bool
}

// Option configures the controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller and every subsystem it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithEvents injects an external change-notification source instead of the
// NATS bus. With this set, Start skips the bus connection and the KV-backed
// config manager.
func WithEvents(events platform.Events) Option {
	return func(c *Controller) { c.events = events }
}

// WithBus supplies a pre-built event bus, shared with the platform RPC
// client. The controller still owns connecting and closing it.
func WithBus(bus *eventbus.Bus) Option {
	return func(c *Controller) {
		c.bus = bus
		c.events = bus
	}
}

// WithRegistry supplies a pre-built metrics registry, for processes that
// register their own collectors alongside ours.
func WithRegistry(registry *metric.MetricsRegistry) Option {
	return func(c *Controller) { c.registry = registry }
}

// New validates the boot configuration and creates an uninitialized
// controller.
func New(cfg *config.Config, svc *platform.Services, opts ...Option) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Controller", "New", "validate config")
	}
	if svc == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("platform services are required"), "Controller", "New", "validate services")
	}

	c := &Controller{
		logger:  slog.Default(),
		svc:     svc,
		safe:    config.NewSafeConfig(cfg.Clone()),
		monitor: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = metric.NewMetricsRegistry()
	}
	c.metrics = c.registry.CoreMetrics()
	return c, nil
}

// Initialize builds the subsystem graph without touching the network.
func (c *Controller) Initialize() error {
	if c.initialized {
		return errors.ErrAlreadyStarted
	}
	cfg := c.currentConfig()

	if c.events == nil {
		busOpts := []eventbus.Option{
			eventbus.WithLogger(c.logger),
			eventbus.WithMetrics(c.metrics),
			eventbus.WithMaxReconnects(cfg.NATS.MaxReconnects),
		}
		if cfg.NATS.ReconnectWait > 0 {
			busOpts = append(busOpts, eventbus.WithReconnectWait(cfg.NATS.ReconnectWait))
		}
		if cfg.NATS.Username != "" {
			busOpts = append(busOpts, eventbus.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
		}
		bus, err := eventbus.New(cfg.NATS.URL, busOpts...)
		if err != nil {
			return errors.Wrap(err, "Controller", "Initialize", "create event bus")
		}
		c.bus = bus
		c.events = bus
	}

	c.exec = mainline.New(c.logger)
	c.notifier = repository.NewPressureNotifier(c.exec, c.logger)
	c.appOpMux = multiplex.NewAppOpMultiplexer(c.exec, c.events, c.logger, c.metrics)
	c.permMux = multiplex.NewPermissionMultiplexer(c.exec, c.events, c.logger, c.metrics)
	c.src = sources.New(c.exec, c.notifier, c.svc, c.events, c.appOpMux, c.permMux, c.logger, c.metrics)
	c.groups = aggregate.NewAppPermGroupRepository(c.exec, c.notifier, c.src, c.svc.AppOps, c.logger, c.metrics)

	engineOpts := []autorevoke.EngineOption{
		autorevoke.WithThreshold(func() time.Duration {
			return c.currentConfig().UnusedThreshold()
		}),
	}
	if cfg.AutoRevoke.Workers > 0 {
		engineOpts = append(engineOpts, autorevoke.WithWorkers(cfg.AutoRevoke.Workers))
	}
	c.engine = autorevoke.NewEngine(c.exec, c.svc, c.src, c.groups, c.logger, c.metrics, engineOpts...)
	c.regrant = autorevoke.NewRegrant(c.svc, c.logger)

	if addr := cfg.Metrics.Addr; addr != "" {
		c.metricServer = metric.NewServer(parsePort(addr), "/metrics", c.registry)
		c.metricServer.Handle("/healthz", c.monitor.Handler(systemName))
		c.metricErrCh = make(chan error, 1)
	}

	c.initialized = true
	return nil
}

// Start connects the bus, reconciles configuration, registers the scheduled
// engine run, and begins serving metrics and health.
func (c *Controller) Start(ctx context.Context) error {
	if !c.initialized {
		return errors.ErrNotStarted
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	if c.bus != nil {
		if err := c.bus.Connect(ctx); err != nil {
			c.monitor.UpdateUnhealthy(subsysEventBus, "connect failed: "+err.Error())
			return errors.Wrap(err, "Controller", "Start", "connect event bus")
		}
		c.monitor.UpdateHealthy(subsysEventBus, "connected")
		c.startConfigManager(ctx)
	} else {
		c.monitor.UpdateHealthy(subsysEventBus, "external events source")
		c.monitor.UpdateHealthy(subsysConfig, "running on boot configuration")
	}

	if err := c.src.Monitor.Start(); err != nil {
		c.logger.Warn("package monitor start failed, caches rely on TTL eviction", "error", err)
	}

	interval := c.currentConfig().CheckInterval()
	c.mu.Lock()
	c.currentInterval = interval
	c.mu.Unlock()
	if err := c.svc.Scheduler.SchedulePeriodic(autorevoke.JobName, interval, c.runEngine); err != nil {
		return errors.Wrap(err, "Controller", "Start", "schedule engine run")
	}
	c.monitor.UpdateHealthy(subsysEngine, "scheduled, no run yet")

	if c.metricServer != nil {
		if err := c.metricServer.Start(c.metricErrCh); err != nil {
			return errors.Wrap(err, "Controller", "Start", "start metrics server")
		}
		c.monitor.UpdateHealthy(subsysMetrics, "serving")
	}

	c.logger.Info("controller started",
		"check_interval", interval,
		"unused_threshold", c.currentConfig().UnusedThreshold())
	return nil
}

// startConfigManager brings up the KV-backed config manager. Failures degrade
// rather than abort: the process keeps running on its boot configuration.
func (c *Controller) startConfigManager(ctx context.Context) {
	js, err := c.bus.JetStream()
	if err != nil {
		c.logger.Warn("jetstream unavailable, running on boot configuration", "error", err)
		c.monitor.UpdateDegraded(subsysConfig, "live configuration unavailable")
		return
	}
	manager, err := config.NewManager(c.safeConfig().Get(), js, c.logger)
	if err != nil {
		c.logger.Warn("config manager unavailable, running on boot configuration", "error", err)
		c.monitor.UpdateDegraded(subsysConfig, "live configuration unavailable")
		return
	}
	if err := manager.Start(ctx); err != nil {
		c.logger.Warn("config watch failed, running on boot configuration", "error", err)
		c.monitor.UpdateDegraded(subsysConfig, "live configuration unavailable")
		return
	}

	c.manager = manager
	c.mu.Lock()
	c.safe = manager.GetConfig()
	c.mu.Unlock()
	c.monitor.UpdateHealthy(subsysConfig, "synced with KV")

	ch := manager.OnChange(config.KeyAutoRevoke)
	c.watchWg.Add(1)
	go c.watchConfig(ch)
}

// watchConfig reschedules the engine when the check interval changes. The
// channel closes on manager shutdown.
func (c *Controller) watchConfig(ch <-chan config.Update) {
	defer c.watchWg.Done()
	for update := range ch {
		c.applyAutoRevokeConfig(update.Config.Get())
	}
}

// applyAutoRevokeConfig re-registers the scheduled run when the interval
// changed. The unused threshold needs no action here: the engine reads it
// through a getter at the start of each run.
func (c *Controller) applyAutoRevokeConfig(cfg *config.Config) {
	interval := cfg.CheckInterval()

	c.mu.Lock()
	changed := interval != c.currentInterval
	c.currentInterval = interval
	c.mu.Unlock()
	if !changed {
		return
	}

	if err := c.svc.Scheduler.SchedulePeriodic(autorevoke.JobName, interval, c.runEngine); err != nil {
		c.logger.Error("engine reschedule failed", "error", err, "interval", interval)
		c.monitor.UpdateDegraded(subsysConfig, "engine reschedule failed")
		return
	}
	c.logger.Info("engine rescheduled", "interval", interval)
}

// runEngine is the scheduled job body.
func (c *Controller) runEngine(ctx context.Context) error {
	start := time.Now()
	err := c.engine.Run(ctx)
	if err != nil {
		c.monitor.UpdateDegraded(subsysEngine, "last run failed: "+err.Error())
		return err
	}
	c.monitor.UpdateHealthy(subsysEngine,
		fmt.Sprintf("last run completed in %s", time.Since(start).Round(time.Millisecond)))
	return nil
}

// TriggerRun runs the engine immediately, out of band of the schedule.
func (c *Controller) TriggerRun(ctx context.Context) error {
	if !c.started.Load() {
		return errors.ErrNotStarted
	}
	return c.svc.Scheduler.TriggerNow(ctx, autorevoke.JobName)
}

// RunRegrant sweeps previously auto-revoked grants back, used when the
// feature is being turned off.
func (c *Controller) RunRegrant(ctx context.Context) error {
	if !c.initialized {
		return errors.ErrNotStarted
	}
	err := c.regrant.Run(ctx)
	if err != nil {
		c.monitor.UpdateDegraded(subsysRegrant, "sweep failed: "+err.Error())
		return err
	}
	c.monitor.UpdateHealthy(subsysRegrant, "sweep completed")
	return nil
}

// Health returns the aggregate status across subsystems.
func (c *Controller) Health() health.Status {
	return c.monitor.AggregateHealth(systemName)
}

// Stop shuts subsystems down in reverse start order.
func (c *Controller) Stop(timeout time.Duration) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStopped
	}
	if !c.initialized {
		return nil
	}

	var firstErr error
	record := func(err error, what string) {
		if err != nil {
			c.logger.Warn("shutdown step failed", "step", what, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if c.started.Load() {
		record(c.svc.Scheduler.Cancel(autorevoke.JobName), "cancel engine job")
	}
	if c.manager != nil {
		record(c.manager.Stop(timeout), "stop config manager")
		c.watchWg.Wait()
	}
	record(c.src.Monitor.Stop(), "stop package monitor")
	if c.metricServer != nil && c.started.Load() {
		record(c.metricServer.Stop(timeout), "stop metrics server")
	}
	if c.bus != nil {
		record(c.bus.Close(), "close event bus")
	}
	record(c.exec.Stop(timeout), "stop executor")

	c.logger.Info("controller stopped")
	return firstErr
}

// currentConfig returns a deep copy of the live configuration.
func (c *Controller) currentConfig() *config.Config {
	return c.safeConfig().Get()
}

func (c *Controller) safeConfig() *config.SafeConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.safe
}

// parsePort extracts the port from a listen address like ":9090".
func parsePort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
