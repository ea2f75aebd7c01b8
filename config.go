package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file and environment configuration for a pipeline server.
//
// LoadConfig layers it as:
//  1. Built-in defaults
//  2. YAML file (explicit path or PIPELINE_CONFIG)
//  3. PIPELINE_* environment overrides
//  4. Validation
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Workers      WorkersConfig       `yaml:"workers"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	TempDir      string              `yaml:"temp_dir"`      // default: os.TempDir()
	LogLevel     string              `yaml:"log_level"`     // default: "info"
	DefaultMode  ExecutionMode       `yaml:"default_mode"`  // default: "default"
	Capabilities map[Capability]bool `yaml:"capabilities"` // unset means available
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`                // default: ":8080"
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"` // default: 10s
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`    // default: 30s
}

// WorkersConfig holds worker pool settings.
type WorkersConfig struct {
	Count     int `yaml:"count"`      // default: 16
	QueueSize int `yaml:"queue_size"` // default: 1024
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Workers: WorkersConfig{
			Count:     defaultWorkerCount,
			QueueSize: defaultQueueSize,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		TempDir:  os.TempDir(),
		LogLevel: "info",
	}
}

// LoadConfig loads configuration from defaults, an optional YAML file and
// the environment. An empty path falls back to PIPELINE_CONFIG; with
// neither set, only defaults and environment apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("PIPELINE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error

	if v := os.Getenv("PIPELINE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PIPELINE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PIPELINE_WORKERS: %w", err))
		}
		cfg.Workers.Count = n
	}
	if v := os.Getenv("PIPELINE_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PIPELINE_QUEUE_SIZE: %w", err))
		}
		cfg.Workers.QueueSize = n
	}
	if v := os.Getenv("PIPELINE_TEMP_DIR"); v != "" {
		cfg.TempDir = v
	}
	if v := os.Getenv("PIPELINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PIPELINE_DEFAULT_MODE"); v != "" {
		mode, err := ParseExecutionMode(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PIPELINE_DEFAULT_MODE: %w", err))
		}
		cfg.DefaultMode = mode
	}
	if v := os.Getenv("PIPELINE_REACTIVE"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PIPELINE_REACTIVE: %w", err))
		}
		if cfg.Capabilities == nil {
			cfg.Capabilities = make(map[Capability]bool)
		}
		cfg.Capabilities[CapabilityReactive] = on
	}

	return errors.Join(errs...)
}

// Validate checks the configuration for valid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be >= 0, got %s", c.Server.ShutdownTimeout))
	}
	if c.Workers.Count <= 0 {
		errs = append(errs, fmt.Errorf("workers.count must be > 0, got %d", c.Workers.Count))
	}
	if c.Workers.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("workers.queue_size must be > 0, got %d", c.Workers.QueueSize))
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		errs = append(errs, errors.New("metrics.path is required when metrics are enabled"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	return errors.Join(errs...)
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewWorkerPool creates a worker pool sized by the configuration.
func (c *Config) NewWorkerPool(opts ...WorkerOption) *WorkerPool {
	base := []WorkerOption{
		WithWorkerCount(c.Workers.Count),
		WithQueueSize(c.Workers.QueueSize),
	}
	return NewWorkerPool(append(base, opts...)...)
}

// Options returns the Pipeline options the configuration implies.
func (c *Config) Options() []Option {
	opts := []Option{WithTempDir(c.TempDir)}
	for name, on := range c.Capabilities {
		opts = append(opts, WithCapability(name, func() bool { return on }))
	}
	return opts
}

// RouterOptions returns the Router options the configuration implies.
func (c *Config) RouterOptions() []RouterOption {
	return []RouterOption{
		WithDefaultMode(c.DefaultMode),
		WithReadHeaderTimeout(c.Server.ReadHeaderTimeout),
		WithShutdownTimeout(c.Server.ShutdownTimeout),
	}
}
