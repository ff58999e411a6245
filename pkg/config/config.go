package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is prepended to every environment override, e.g. CLICKER_SERVER_PORT
const EnvPrefix = "CLICKER"

// Config holds all configuration settings for the application
type Config struct {
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Session     SessionConfig     `mapstructure:"session"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Sources     SourcesConfig     `mapstructure:"sources"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
}

// LogConfig holds log file rotation settings
type LogConfig struct {
	OutputPath string `mapstructure:"output_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
	Console    bool   `mapstructure:"console"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	MaxSyncBytes   int64         `mapstructure:"max_sync_bytes"`
}

// SessionConfig holds tally engine and viewer fan-out settings
type SessionConfig struct {
	SubscriberBuffer int    `mapstructure:"subscriber_buffer"`
	StatusSchedule   string `mapstructure:"status_schedule"`
}

// IdempotencyConfig holds the submission token window settings
type IdempotencyConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// SourcesConfig holds vote source discovery and failover settings
type SourcesConfig struct {
	ForceSynthetic bool            `mapstructure:"force_synthetic"`
	AllowFallback  bool            `mapstructure:"allow_fallback"`
	BackoffBase    time.Duration   `mapstructure:"backoff_base"`
	BackoffMax     time.Duration   `mapstructure:"backoff_max"`
	ProbeSchedule  string          `mapstructure:"probe_schedule"`
	MaxFrameBytes  int             `mapstructure:"max_frame_bytes"`
	Official       OfficialConfig  `mapstructure:"official"`
	Transport      TransportConfig `mapstructure:"transport"`
	Synthetic      SyntheticConfig `mapstructure:"synthetic"`
}

// OfficialConfig identifies the vendor receiver on the USB bus
type OfficialConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	VendorID    int  `mapstructure:"vendor_id"`
	ProductID   int  `mapstructure:"product_id"`
	FrameLength int  `mapstructure:"frame_length"`
}

// TransportConfig holds serial port settings. Path "auto" picks the first USB serial port.
type TransportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Baud    int    `mapstructure:"baud"`
}

// SyntheticConfig drives the demo vote generator
type SyntheticConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	PoolSize int           `mapstructure:"pool_size"`
	IDPrefix string        `mapstructure:"id_prefix"`
	FirstID  int           `mapstructure:"first_id"`
	Alphabet string        `mapstructure:"alphabet"`
}

// ArchiveConfig holds the optional Postgres audit log settings
type ArchiveConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	MaxConns      int           `mapstructure:"max_conns"`
	Embedded      bool          `mapstructure:"embedded"`
	EmbeddedPort  int           `mapstructure:"embedded_port"`
	EmbeddedPath  string        `mapstructure:"embedded_path"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// Load reads the configuration file and environment variables.
// A missing file is not an error; defaults and env vars still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("log.output_path", "logs/clickerd.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.console", true)

	v.SetDefault("server.port", 3001)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 4096)
	v.SetDefault("server.max_sync_bytes", 1<<20)

	v.SetDefault("session.subscriber_buffer", 256)
	v.SetDefault("session.status_schedule", "@every 5s")

	v.SetDefault("idempotency.capacity", 2000)

	v.SetDefault("sources.force_synthetic", false)
	v.SetDefault("sources.allow_fallback", true)
	v.SetDefault("sources.backoff_base", "250ms")
	v.SetDefault("sources.backoff_max", "5s")
	v.SetDefault("sources.probe_schedule", "@every 10s")
	v.SetDefault("sources.max_frame_bytes", 512)

	v.SetDefault("sources.official.enabled", true)
	v.SetDefault("sources.official.vendor_id", 0x1881)
	v.SetDefault("sources.official.product_id", 0x0150)
	v.SetDefault("sources.official.frame_length", 8)

	v.SetDefault("sources.transport.enabled", true)
	v.SetDefault("sources.transport.path", "auto")
	v.SetDefault("sources.transport.baud", 115200)

	v.SetDefault("sources.synthetic.interval", "350ms")
	v.SetDefault("sources.synthetic.pool_size", 30)
	v.SetDefault("sources.synthetic.id_prefix", "ID_")
	v.SetDefault("sources.synthetic.first_id", 1000)
	v.SetDefault("sources.synthetic.alphabet", "ABCDE")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.url", "")
	v.SetDefault("archive.max_conns", 4)
	v.SetDefault("archive.embedded", false)
	v.SetDefault("archive.embedded_port", 5433)
	v.SetDefault("archive.embedded_path", "./data/postgres")
	v.SetDefault("archive.batch_size", 100)
	v.SetDefault("archive.flush_interval", "2s")
	v.SetDefault("archive.queue_size", 1024)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.validateSession(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if c.Idempotency.Capacity <= 0 {
		return fmt.Errorf("idempotency config: capacity must be positive")
	}
	if err := c.validateSources(); err != nil {
		return fmt.Errorf("sources config: %w", err)
	}
	if err := c.validateArchive(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if c.Server.MaxSyncBytes <= 0 {
		return fmt.Errorf("max_sync_bytes must be positive")
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive")
	}
	return nil
}

func (c *Config) validateSources() error {
	s := c.Sources
	if s.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be positive")
	}
	if s.BackoffMax < s.BackoffBase {
		return fmt.Errorf("backoff_max (%s) cannot be less than backoff_base (%s)",
			s.BackoffMax, s.BackoffBase)
	}
	if s.MaxFrameBytes <= 0 {
		return fmt.Errorf("max_frame_bytes must be positive")
	}

	if s.Official.Enabled {
		if s.Official.VendorID <= 0 || s.Official.VendorID > 0xFFFF {
			return fmt.Errorf("invalid official vendor_id: %#x", s.Official.VendorID)
		}
		if s.Official.ProductID <= 0 || s.Official.ProductID > 0xFFFF {
			return fmt.Errorf("invalid official product_id: %#x", s.Official.ProductID)
		}
		if s.Official.FrameLength < 5 {
			return fmt.Errorf("official frame_length must be at least 5")
		}
	}

	if s.Transport.Enabled {
		if strings.TrimSpace(s.Transport.Path) == "" {
			return fmt.Errorf("transport path cannot be empty")
		}
		if s.Transport.Baud <= 0 {
			return fmt.Errorf("transport baud must be positive")
		}
	}

	if s.Synthetic.Interval <= 0 {
		return fmt.Errorf("synthetic interval must be positive")
	}
	if s.Synthetic.PoolSize <= 0 {
		return fmt.Errorf("synthetic pool_size must be positive")
	}
	if strings.TrimSpace(s.Synthetic.Alphabet) == "" {
		return fmt.Errorf("synthetic alphabet cannot be empty")
	}
	return nil
}

func (c *Config) validateArchive() error {
	a := c.Archive
	if !a.Enabled {
		return nil
	}
	if !a.Embedded && a.URL == "" {
		return fmt.Errorf("url is required unless embedded is set")
	}
	if a.Embedded && (a.EmbeddedPort <= 0 || a.EmbeddedPort > 65535) {
		return fmt.Errorf("invalid embedded_port: %d", a.EmbeddedPort)
	}
	if a.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if a.BatchSize <= 0 || a.QueueSize <= 0 {
		return fmt.Errorf("batch_size and queue_size must be positive")
	}
	if a.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
