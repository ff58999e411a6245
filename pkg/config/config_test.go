package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := []byte(`
environment: production
log_level: debug
server:
  port: 8080
  allowed_origins:
    - http://localhost:5173
session:
  subscriber_buffer: 64
idempotency:
  capacity: 500
sources:
  allow_fallback: false
  backoff_base: 100ms
  backoff_max: 2s
  official:
    vendor_id: 0x1234
  transport:
    path: /dev/ttyUSB0
    baud: 57600
  synthetic:
    interval: 1s
    pool_size: 5
archive:
  enabled: true
  url: postgres://clicker@localhost:5432/clicker
`)

	err := os.WriteFile(configPath, configContent, 0644)
	require.NoError(t, err)

	t.Run("LoadValidConfig", func(t *testing.T) {
		cfg, err := Load(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "production", cfg.Environment)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
		assert.Equal(t, 64, cfg.Session.SubscriberBuffer)
		assert.Equal(t, 500, cfg.Idempotency.Capacity)
		assert.False(t, cfg.Sources.AllowFallback)
		assert.Equal(t, 100*time.Millisecond, cfg.Sources.BackoffBase)
		assert.Equal(t, 2*time.Second, cfg.Sources.BackoffMax)
		assert.Equal(t, 0x1234, cfg.Sources.Official.VendorID)
		assert.Equal(t, 0x0150, cfg.Sources.Official.ProductID)
		assert.Equal(t, "/dev/ttyUSB0", cfg.Sources.Transport.Path)
		assert.Equal(t, 57600, cfg.Sources.Transport.Baud)
		assert.Equal(t, time.Second, cfg.Sources.Synthetic.Interval)
		assert.Equal(t, 5, cfg.Sources.Synthetic.PoolSize)
		assert.True(t, cfg.Archive.Enabled)
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		t.Setenv("CLICKER_LOG_LEVEL", "error")
		t.Setenv("CLICKER_SERVER_PORT", "9090")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.LogLevel)
		assert.Equal(t, 9090, cfg.Server.Port)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		invalidPath := filepath.Join(tmpDir, "invalid.yaml")
		err := os.WriteFile(invalidPath, []byte("invalid: [yaml: syntax"), 0644)
		require.NoError(t, err)

		cfg, err := Load(invalidPath)
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("DefaultValues", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "nonexistent.yaml"))
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "development", cfg.Environment)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, 3001, cfg.Server.Port)
		assert.Equal(t, int64(4096), cfg.Server.MaxBodyBytes)
		assert.Equal(t, int64(1<<20), cfg.Server.MaxSyncBytes)
		assert.Equal(t, 256, cfg.Session.SubscriberBuffer)
		assert.Equal(t, 2000, cfg.Idempotency.Capacity)
		assert.True(t, cfg.Sources.AllowFallback)
		assert.Equal(t, 250*time.Millisecond, cfg.Sources.BackoffBase)
		assert.Equal(t, 5*time.Second, cfg.Sources.BackoffMax)
		assert.Equal(t, 512, cfg.Sources.MaxFrameBytes)
		assert.Equal(t, "auto", cfg.Sources.Transport.Path)
		assert.Equal(t, 115200, cfg.Sources.Transport.Baud)
		assert.Equal(t, 350*time.Millisecond, cfg.Sources.Synthetic.Interval)
		assert.Equal(t, 30, cfg.Sources.Synthetic.PoolSize)
		assert.Equal(t, "ID_", cfg.Sources.Synthetic.IDPrefix)
		assert.Equal(t, 1000, cfg.Sources.Synthetic.FirstID)
		assert.False(t, cfg.Archive.Enabled)
	})

	t.Run("EmptyPathUsesDefaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 3001, cfg.Server.Port)
	})
}

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name         string
		modifyConfig func(*Config)
		wantErr      bool
		errSubstr    string
	}{
		{
			name:         "ValidConfig",
			modifyConfig: func(c *Config) {},
		},
		{
			name:         "InvalidPort",
			modifyConfig: func(c *Config) { c.Server.Port = -1 },
			wantErr:      true,
			errSubstr:    "invalid port number",
		},
		{
			name:         "ZeroSyncLimit",
			modifyConfig: func(c *Config) { c.Server.MaxSyncBytes = 0 },
			wantErr:      true,
			errSubstr:    "max_sync_bytes",
		},
		{
			name:         "ZeroSubscriberBuffer",
			modifyConfig: func(c *Config) { c.Session.SubscriberBuffer = 0 },
			wantErr:      true,
			errSubstr:    "subscriber_buffer",
		},
		{
			name:         "ZeroCapacity",
			modifyConfig: func(c *Config) { c.Idempotency.Capacity = 0 },
			wantErr:      true,
			errSubstr:    "capacity",
		},
		{
			name: "BackoffMaxBelowBase",
			modifyConfig: func(c *Config) {
				c.Sources.BackoffBase = time.Second
				c.Sources.BackoffMax = 500 * time.Millisecond
			},
			wantErr:   true,
			errSubstr: "backoff_max",
		},
		{
			name:         "InvalidVendorID",
			modifyConfig: func(c *Config) { c.Sources.Official.VendorID = 0x10000 },
			wantErr:      true,
			errSubstr:    "vendor_id",
		},
		{
			name: "DisabledOfficialSkipsChecks",
			modifyConfig: func(c *Config) {
				c.Sources.Official.Enabled = false
				c.Sources.Official.VendorID = 0
			},
		},
		{
			name:         "EmptyTransportPath",
			modifyConfig: func(c *Config) { c.Sources.Transport.Path = " " },
			wantErr:      true,
			errSubstr:    "transport path",
		},
		{
			name:         "ZeroPool",
			modifyConfig: func(c *Config) { c.Sources.Synthetic.PoolSize = 0 },
			wantErr:      true,
			errSubstr:    "pool_size",
		},
		{
			name:         "ArchiveWithoutURL",
			modifyConfig: func(c *Config) { c.Archive.Enabled = true },
			wantErr:      true,
			errSubstr:    "url is required",
		},
		{
			name: "EmbeddedArchiveNeedsNoURL",
			modifyConfig: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Embedded = true
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.modifyConfig(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zap.AtomicLevel
	}{
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"WARN", zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"error", zap.NewAtomicLevelAt(zap.ErrorLevel)},
		{"bogus", zap.NewAtomicLevelAt(zap.InfoLevel)},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		assert.Equal(t, tt.want.Level(), cfg.GetLogLevel().Level(), tt.level)
	}

	assert.True(t, (&Config{Environment: "Development"}).IsDevelopment())
	assert.False(t, (&Config{Environment: "production"}).IsDevelopment())
}
