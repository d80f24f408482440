package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/odvcencio/browserd/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultMaxInstances           = 5
	DefaultMaxContextsPerInstance = 4
	DefaultIdleTimeout            = 5 * time.Minute
	DefaultAcquireTimeout         = 10 * time.Second
	DefaultSweepInterval          = 60 * time.Second
	DefaultSampleInterval         = 30 * time.Second
	DefaultMaxMemoryMB            = 1024

	DefaultBind            = "127.0.0.1:4590"
	DefaultMaxEventClients = 128
	DefaultEventBufferSize = 256
	DefaultMessageInterval = 50 * time.Millisecond

	DefaultLogDir      = "logs"
	DefaultStoragePath = "browserd.db"
)

// Config represents the complete browserd configuration
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Server  ServerConfig  `yaml:"server"`
	Events  EventsConfig  `yaml:"events"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// PoolConfig controls the browser instance pool.
type PoolConfig struct {
	MaxInstances           int           `yaml:"max_instances"`
	MaxContextsPerInstance int           `yaml:"max_contexts_per_instance"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	AcquireTimeout         time.Duration `yaml:"acquire_timeout"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	SampleInterval         time.Duration `yaml:"sample_interval"`
	MaxMemoryMB            int           `yaml:"max_memory_mb"`
	Headless               *bool         `yaml:"headless"`
	AllowedDomains         []string      `yaml:"allowed_domains"`
	BlockedDomains         []string      `yaml:"blocked_domains"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Bind            string        `yaml:"bind"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxEventClients int           `yaml:"max_event_clients"`
	MessageInterval time.Duration `yaml:"message_interval"`
}

// EventsConfig controls the event bus and optional NATS fan-out.
type EventsConfig struct {
	BufferSize int    `yaml:"buffer_size"`
	NATSURL    string `yaml:"nats_url"`
	NATSPrefix string `yaml:"nats_prefix"`
}

// StorageConfig controls the session history store.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file, falling back to defaults
// for any omitted fields. A missing file yields the default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.applyDefaults()
				return cfg, nil
			}
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "failed to read config file").
				WithContext("path", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigParse, "failed to parse config file").
				WithContext("path", path)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Pool.MaxInstances <= 0 {
		c.Pool.MaxInstances = DefaultMaxInstances
	}
	if c.Pool.MaxContextsPerInstance <= 0 {
		c.Pool.MaxContextsPerInstance = DefaultMaxContextsPerInstance
	}
	if c.Pool.IdleTimeout <= 0 {
		c.Pool.IdleTimeout = DefaultIdleTimeout
	}
	if c.Pool.AcquireTimeout <= 0 {
		c.Pool.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.Pool.SweepInterval <= 0 {
		c.Pool.SweepInterval = DefaultSweepInterval
	}
	if c.Pool.SampleInterval <= 0 {
		c.Pool.SampleInterval = DefaultSampleInterval
	}
	if c.Pool.MaxMemoryMB <= 0 {
		c.Pool.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if c.Pool.Headless == nil {
		headless := true
		c.Pool.Headless = &headless
	}
	if c.Server.Bind == "" {
		c.Server.Bind = DefaultBind
	}
	if c.Server.MaxEventClients <= 0 {
		c.Server.MaxEventClients = DefaultMaxEventClients
	}
	if c.Server.MessageInterval <= 0 {
		c.Server.MessageInterval = DefaultMessageInterval
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = DefaultEventBufferSize
	}
	if c.Events.NATSPrefix == "" {
		c.Events.NATSPrefix = "browserd.events"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = DefaultLogDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "server.bind must be host:port").
			WithContext("bind", c.Server.Bind)
	}
	if c.Pool.MaxInstances > 64 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid,
			fmt.Sprintf("pool.max_instances %d exceeds hard cap 64", c.Pool.MaxInstances))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "logging.level must be debug|info|warn|error").
			WithContext("level", c.Logging.Level)
	}
	return nil
}
