package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KV keys the manager reads and writes. Each key holds the JSON of one config
// section, so an operator can change one section without touching the rest.
const (
	kvBucket        = "permstream_config"
	keyVersion      = "version"
	KeyNATS         = "nats"
	KeyAutoRevoke   = "autorevoke"
	KeyMetrics      = "metrics"
	subscriberDepth = 1
)

// Update is one configuration change notification.
type Update struct {
	Key    string      // Changed section key
	Config *SafeConfig // Full latest configuration
}

// Manager keeps the in-process configuration synchronized with the KV bucket
// and fans changes out to subscribers over channels.
type Manager struct {
	config *SafeConfig
	kv     jetstream.KeyValue
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string][]chan Update

	watcher    jetstream.KeyWatcher
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// NewManager creates the manager and ensures the KV bucket exists.
func NewManager(cfg *Config, js jetstream.JetStream, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if js == nil {
		return nil, fmt.Errorf("jetstream context cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:      kvBucket,
		Description: "permstream runtime configuration",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("create/get KV bucket: %w", err)
	}

	return &Manager{
		config:      NewSafeConfig(cfg),
		kv:          kv,
		logger:      logger,
		subscribers: make(map[string][]chan Update),
	}, nil
}

// GetConfig returns the shared thread-safe configuration.
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

// OnChange subscribes to changes of one section key, or "*" for all. The
// returned channel receives the current config immediately and an Update per
// subsequent change. Sends never block; a slow consumer misses intermediate
// updates but always converges on the latest read.
func (cm *Manager) OnChange(key string) <-chan Update {
	ch := make(chan Update, subscriberDepth)

	cm.mu.Lock()
	cm.subscribers[key] = append(cm.subscribers[key], ch)
	cm.mu.Unlock()

	select {
	case ch <- Update{Key: key, Config: cm.config}:
	default:
	}
	return ch
}

// Start reconciles boot config with the KV bucket and begins watching for
// updates. On first boot the file/default config is pushed to KV; afterwards
// the newer version wins.
func (cm *Manager) Start(ctx context.Context) error {
	cm.shutdownCh = make(chan struct{})

	keys, err := cm.kv.Keys(ctx)
	if err != nil || len(keys) == 0 {
		cm.logger.Info("first boot, pushing config to KV")
		if perr := cm.PushToKV(ctx); perr != nil {
			cm.logger.Error("initial config push failed", "error", perr)
		}
	} else {
		fileVersion := cm.config.Get().Version
		kvVersion := cm.kvVersion(ctx)
		if compareVersions(fileVersion, kvVersion) > 0 {
			cm.logger.Info("local config is newer, updating KV",
				"local_version", fileVersion, "kv_version", kvVersion)
			if perr := cm.PushToKV(ctx); perr != nil {
				cm.logger.Error("config push failed", "error", perr)
			}
		} else {
			if serr := cm.syncFromKV(ctx); serr != nil {
				cm.logger.Warn("sync from KV failed", "error", serr)
			}
		}
	}

	watcher, err := cm.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return fmt.Errorf("watch config bucket: %w", err)
	}
	cm.watcher = watcher

	cm.wg.Add(1)
	go cm.processWatcher(ctx)
	return nil
}

// Stop ends the watch and closes every subscriber channel.
func (cm *Manager) Stop(timeout time.Duration) error {
	if !cm.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if cm.shutdownCh != nil {
		close(cm.shutdownCh)
	}
	if cm.watcher != nil {
		_ = cm.watcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		cm.logger.Warn("config manager shutdown timeout", "timeout", timeout)
	}

	cm.mu.Lock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
	cm.mu.Unlock()
	return nil
}

func (cm *Manager) processWatcher(ctx context.Context) {
	defer cm.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case entry := <-cm.watcher.Updates():
			if entry != nil {
				cm.handleUpdate(entry.Key(), entry.Value())
			}
		}
	}
}

// handleUpdate applies one KV change and notifies matching subscribers.
func (cm *Manager) handleUpdate(key string, value []byte) {
	if cm.stopped.Load() {
		return
	}
	if err := cm.applyUpdate(key, value); err != nil {
		cm.logger.Error("config update rejected", "key", key, "error", err)
		return
	}

	update := Update{Key: key, Config: cm.config}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for pattern, channels := range cm.subscribers {
		if pattern != key && pattern != "*" {
			continue
		}
		for _, ch := range channels {
			if cm.stopped.Load() {
				return
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// applyUpdate merges one section's new JSON into a clone of the current
// config and swaps it in after validation, so a bad push never corrupts the
// running configuration.
func (cm *Manager) applyUpdate(key string, value []byte) error {
	current := cm.config.Get()

	switch key {
	case keyVersion:
		if err := json.Unmarshal(value, &current.Version); err != nil {
			return fmt.Errorf("parse version: %w", err)
		}
	case KeyNATS:
		if err := json.Unmarshal(value, &current.NATS); err != nil {
			return fmt.Errorf("parse nats config: %w", err)
		}
	case KeyAutoRevoke:
		if err := json.Unmarshal(value, &current.AutoRevoke); err != nil {
			return fmt.Errorf("parse autorevoke config: %w", err)
		}
	case KeyMetrics:
		if err := json.Unmarshal(value, &current.Metrics); err != nil {
			return fmt.Errorf("parse metrics config: %w", err)
		}
	default:
		// Unknown keys are ignored so newer writers can coexist.
		return nil
	}

	return cm.config.Update(current)
}

// PushToKV writes every config section to the bucket.
func (cm *Manager) PushToKV(ctx context.Context) error {
	cfg := cm.config.Get()

	sections := []struct {
		key   string
		value any
	}{
		{keyVersion, cfg.Version},
		{KeyNATS, cfg.NATS},
		{KeyAutoRevoke, cfg.AutoRevoke},
		{KeyMetrics, cfg.Metrics},
	}
	for _, s := range sections {
		data, err := json.Marshal(s.value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", s.key, err)
		}
		if _, err := cm.kv.Put(ctx, s.key, data); err != nil {
			return fmt.Errorf("push %s: %w", s.key, err)
		}
	}
	return nil
}

func (cm *Manager) kvVersion(ctx context.Context) string {
	entry, err := cm.kv.Get(ctx, keyVersion)
	if err != nil {
		return "0.0.0"
	}
	var version string
	if err := json.Unmarshal(entry.Value(), &version); err != nil {
		cm.logger.Warn("unparseable version in KV, treating as 0.0.0", "error", err)
		return "0.0.0"
	}
	return version
}

// syncFromKV loads every section from the bucket into the running config.
func (cm *Manager) syncFromKV(ctx context.Context) error {
	keys, err := cm.kv.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list KV keys: %w", err)
	}
	for _, key := range keys {
		entry, gerr := cm.kv.Get(ctx, key)
		if gerr != nil {
			cm.logger.Warn("KV read failed during sync", "key", key, "error", gerr)
			continue
		}
		if aerr := cm.applyUpdate(key, entry.Value()); aerr != nil {
			cm.logger.Warn("KV entry rejected during sync", "key", key, "error", aerr)
		}
	}
	cm.logger.Info("configuration synced from KV", "keys", len(keys))
	return nil
}
