package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level application config.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	ETL         ETLConfig         `koanf:"etl"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Reporting   ReportingConfig   `koanf:"reporting"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// ETLConfig controls normalization and batch loading. The timezone is a
// deployment decision, applied uniformly to every record.
type ETLConfig struct {
	Timezone       string `koanf:"timezone"`
	InternalDomain string `koanf:"internal_domain"`
	RulesDir       string `koanf:"rules_dir"`
	LoadWorkers    int    `koanf:"load_workers"`
}

type AggregationConfig struct {
	Enabled           bool   `koanf:"enabled"`
	SweepInterval     string `koanf:"sweep_interval"` // parsed and validated on startup
	BatchSize         int    `koanf:"batch_size"`
	WorkerCount       int    `koanf:"worker_count"`
	SessionInactivity string `koanf:"session_inactivity"`
}

type ReportingConfig struct {
	MaxRangeDays int `koanf:"max_range_days"`
}

func (c AggregationConfig) SweepIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func (c AggregationConfig) SessionInactivityDuration() time.Duration {
	d, err := time.ParseDuration(c.SessionInactivity)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}
	if c.Database.Type != "" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if _, err := time.LoadLocation(c.ETL.Timezone); err != nil {
		return fmt.Errorf("invalid etl.timezone %q: %w", c.ETL.Timezone, err)
	}
	if c.ETL.LoadWorkers <= 0 {
		return fmt.Errorf("etl.load_workers must be > 0")
	}
	if c.ETL.RulesDir != "" {
		if info, err := os.Stat(c.ETL.RulesDir); err == nil && !info.IsDir() {
			return fmt.Errorf("etl.rules_dir %q is not a directory", c.ETL.RulesDir)
		}
	}

	interval, err := time.ParseDuration(c.Aggregation.SweepInterval)
	if err != nil {
		return fmt.Errorf("invalid aggregation.sweep_interval %q: %w", c.Aggregation.SweepInterval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("aggregation.sweep_interval must be > 0")
	}
	inactivity, err := time.ParseDuration(c.Aggregation.SessionInactivity)
	if err != nil {
		return fmt.Errorf("invalid aggregation.session_inactivity %q: %w", c.Aggregation.SessionInactivity, err)
	}
	if inactivity <= 0 {
		return fmt.Errorf("aggregation.session_inactivity must be > 0")
	}
	if c.Aggregation.BatchSize <= 0 {
		return fmt.Errorf("aggregation.batch_size must be > 0")
	}
	if c.Aggregation.WorkerCount <= 0 {
		return fmt.Errorf("aggregation.worker_count must be > 0")
	}

	if c.Reporting.MaxRangeDays <= 0 {
		return fmt.Errorf("reporting.max_range_days must be > 0")
	}

	return nil
}

// Load parses config from file + env and validates it. Env vars use the
// MEDIAPULSE_ prefix with "__" as the section separator, e.g.
// MEDIAPULSE_DATABASE__DSN overrides database.dsn.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                    8080,
		"server.host":                    "0.0.0.0",
		"server.max_body_size_mb":        4,
		"server.mode":                    "release",
		"database.type":                  "postgres",
		"database.dsn":                   "",
		"database.max_open_conns":        25,
		"database.max_idle_conns":        25,
		"database.auto_migrate":          true,
		"etl.timezone":                   "UTC",
		"etl.internal_domain":            "",
		"etl.rules_dir":                  "",
		"etl.load_workers":               4,
		"aggregation.enabled":            true,
		"aggregation.sweep_interval":     "30s",
		"aggregation.batch_size":         50000,
		"aggregation.worker_count":       8,
		"aggregation.session_inactivity": "30m",
		"reporting.max_range_days":       92,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("MEDIAPULSE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "MEDIAPULSE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
