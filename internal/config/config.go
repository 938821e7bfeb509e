// Package config loads the application configuration from YAML, an optional
// .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sawpanic/alphaforge/internal/backtest/walkforward"
	"github.com/sawpanic/alphaforge/internal/data/provider"
	"github.com/sawpanic/alphaforge/internal/data/synthetic"
	"github.com/sawpanic/alphaforge/internal/infrastructure/db"
	"github.com/sawpanic/alphaforge/internal/report/assemble"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given
const DefaultPath = "config/alphaforge.yaml"

// Market data sources
const (
	SourceSynthetic = "synthetic"
	SourceSQL       = "sql"
)

// AppConfig represents the overall application configuration
type AppConfig struct {
	Database db.Config          `yaml:"database"`
	Redis    RedisSection       `yaml:"redis"`
	Provider ProviderSection    `yaml:"provider"`
	Backtest walkforward.Config `yaml:"backtest"`
	Report   ReportSection      `yaml:"report"`
	PIT      PITSection         `yaml:"pit"`
	HTTP     HTTPSection        `yaml:"http"`
	Log      LogSection         `yaml:"log"`
}

// RedisSection configures the price cache and the shared run-status store
type RedisSection struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

// ProviderSection selects and tunes the market-data source
type ProviderSection struct {
	Source     string                    `yaml:"source"`
	Resilience provider.ResilienceConfig `yaml:"resilience"`
	Synthetic  synthetic.Config          `yaml:"synthetic"`
}

// ReportSection configures report assembly and artifact output
type ReportSection struct {
	OutputDir string          `yaml:"output_dir"`
	Assemble  assemble.Config `yaml:",inline"`
}

// PITSection configures the point-in-time model snapshot audit
type PITSection struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// HTTPSection configures the read-only monitor
type HTTPSection struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LogSection configures the global logger
type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, console or json
}

// Default returns the configuration used when no file is present
func Default() *AppConfig {
	return &AppConfig{
		Database: db.DefaultConfig(),
		Redis: RedisSection{
			Addr:   "localhost:6379",
			TTL:    24 * time.Hour,
			Prefix: "alphaforge",
		},
		Provider: ProviderSection{
			Source:     SourceSynthetic,
			Resilience: provider.DefaultResilienceConfig(),
			Synthetic:  synthetic.DefaultConfig(),
		},
		Backtest: walkforward.DefaultConfig(),
		Report: ReportSection{
			OutputDir: "out/backtests",
			Assemble:  assemble.DefaultConfig(),
		},
		PIT: PITSection{
			Enabled: true,
			Dir:     "artifacts/pit",
		},
		HTTP: HTTPSection{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Log: LogSection{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads path over the defaults, then .env, then environment overrides.
// A missing file is not an error.
func Load(path string) (*AppConfig, error) {
	config := Default()

	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnvOverrides(config)
	config.Database.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies AF_* variables and the database PG_* variables
func applyEnvOverrides(config *AppConfig) {
	db.ApplyEnvOverrides(&config.Database)

	if source := os.Getenv("AF_PROVIDER_SOURCE"); source != "" {
		config.Provider.Source = source
	}

	if addr := os.Getenv("AF_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
		config.Redis.Enabled = true
	}
	if password := os.Getenv("AF_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if ttl := os.Getenv("AF_REDIS_TTL"); ttl != "" {
		if val, err := time.ParseDuration(ttl); err == nil {
			config.Redis.TTL = val
		}
	}

	if dir := os.Getenv("AF_OUTPUT_DIR"); dir != "" {
		config.Report.OutputDir = dir
	}
	if dir := os.Getenv("AF_PIT_DIR"); dir != "" {
		config.PIT.Dir = dir
	}

	if port := os.Getenv("AF_HTTP_PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = val
		}
	}

	if level := os.Getenv("AF_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if format := os.Getenv("AF_LOG_FORMAT"); format != "" {
		config.Log.Format = format
	}
}

// Validate validates the application configuration. The backtest section is
// validated per run, after command-line overrides.
func (c *AppConfig) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	switch c.Provider.Source {
	case SourceSynthetic:
	case SourceSQL:
		if !c.Database.Enabled {
			return fmt.Errorf("provider: source %q requires database.enabled", SourceSQL)
		}
	default:
		return fmt.Errorf("provider: unknown source %q", c.Provider.Source)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required when enabled")
	}
	if c.Redis.Enabled && c.Redis.TTL <= 0 {
		return fmt.Errorf("redis: ttl must be positive")
	}

	if c.Report.OutputDir == "" {
		return fmt.Errorf("report: output_dir is required")
	}
	if c.PIT.Enabled && c.PIT.Dir == "" {
		return fmt.Errorf("pit: dir is required when enabled")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http: port %d out of range", c.HTTP.Port)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	return nil
}

// Save writes the configuration to a YAML file
func Save(config *AppConfig, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
