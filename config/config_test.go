package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 90, cfg.AutoRevoke.UnusedThresholdDays)
	assert.Equal(t, 15, cfg.AutoRevoke.CheckIntervalDays)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"zero threshold", func(c *Config) { c.AutoRevoke.UnusedThresholdDays = 0 }},
		{"negative interval", func(c *Config) { c.AutoRevoke.CheckIntervalDays = -1 }},
		{"negative workers", func(c *Config) { c.AutoRevoke.Workers = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIntervalsHonorDebugOverride(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 90*24*time.Hour, cfg.UnusedThreshold())
	assert.Equal(t, 15*24*time.Hour, cfg.CheckInterval())

	cfg.AutoRevoke.DebugOverride = true
	assert.Equal(t, 90*time.Second, cfg.UnusedThreshold())
	assert.Equal(t, 15*time.Second, cfg.CheckInterval())
}

func TestCloneIsDeep(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.AutoRevoke.UnusedThresholdDays = 7
	clone.NATS.URL = "nats://elsewhere:4222"

	assert.Equal(t, 90, cfg.AutoRevoke.UnusedThresholdDays)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
}

func TestSafeConfigUpdateValidates(t *testing.T) {
	sc := NewSafeConfig(Default())

	bad := Default()
	bad.AutoRevoke.UnusedThresholdDays = 0
	assert.Error(t, sc.Update(bad))
	assert.Equal(t, 90, sc.Get().AutoRevoke.UnusedThresholdDays, "rejected update leaves config untouched")

	good := Default()
	good.AutoRevoke.UnusedThresholdDays = 30
	require.NoError(t, sc.Update(good))
	assert.Equal(t, 30, sc.Get().AutoRevoke.UnusedThresholdDays)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"autoRevoke": {"unusedThresholdDays": 30}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.AutoRevoke.UnusedThresholdDays)
	assert.Equal(t, 15, cfg.AutoRevoke.CheckIntervalDays, "unset fields keep defaults")
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"autoRevoke": {"unusedDays": 30}}`},
		{"wrong type", `{"autoRevoke": {"unusedThresholdDays": "ninety"}}`},
		{"below minimum", `{"autoRevoke": {"unusedThresholdDays": 0}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestCompareVersions(t *testing.T) {
	assert.Positive(t, compareVersions("1.2.0", "1.1.9"))
	assert.Negative(t, compareVersions("1.0.0", "2.0.0"))
	assert.Zero(t, compareVersions("1.0.0", "1.0.0"))
	assert.Positive(t, compareVersions("1.0.1", "1.0"))
	assert.Negative(t, compareVersions("garbage", "0.0.1"))
}
