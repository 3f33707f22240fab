package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Runner    RunnerConfig    `yaml:"runner"`
	Auth      AuthConfig      `yaml:"auth"`
	Processor ProcessorConfig `yaml:"processor"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type RunnerConfig struct {
	Workers    int    `yaml:"workers"`     // concurrent item slots per batch
	LeaseKey   int64  `yaml:"lease_key"`   // fixed lease identifier shared by the fleet
	BatchPause string `yaml:"batch_pause"` // pause between batches, e.g. "1s"
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	TokenDuration string `yaml:"token_duration"` // e.g. "24h"
}

type ProcessorConfig struct {
	Endpoint string `yaml:"endpoint"` // RPA worker submit endpoint
	Timeout  string `yaml:"timeout"`  // per-request timeout, e.g. "10m"
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) BatchPause() time.Duration {
	d, err := time.ParseDuration(c.Runner.BatchPause)
	if err != nil || d < 0 {
		return time.Second
	}
	return d
}

func (c *Config) ProcessorTimeout() time.Duration {
	d, err := time.ParseDuration(c.Processor.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("CASEPILOT_JWT_SECRET must be set to a non-default value")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("CASEPILOT_JWT_SECRET must be at least 16 characters (current length: %d)", len(c.Auth.JWTSecret))
	}
	if c.Runner.Workers <= 0 {
		return fmt.Errorf("runner.workers must be positive")
	}
	if c.Processor.Endpoint == "" {
		return fmt.Errorf("processor.endpoint must be configured")
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "casepilot.db",
		},
		Runner: RunnerConfig{
			Workers:    5,
			LeaseKey:   999999,
			BatchPause: "1s",
		},
		Auth: AuthConfig{
			JWTSecret:     "change-me-in-production",
			TokenDuration: "24h",
		},
		Processor: ProcessorConfig{
			Endpoint: "http://localhost:8090/submit",
			Timeout:  "10m",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CASEPILOT_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CASEPILOT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CASEPILOT_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CASEPILOT_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CASEPILOT_RUNNER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runner.Workers = n
		}
	}
	if v := os.Getenv("CASEPILOT_RUNNER_LEASE_KEY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Runner.LeaseKey = n
		}
	}
	if v := os.Getenv("CASEPILOT_RUNNER_BATCH_PAUSE"); v != "" {
		cfg.Runner.BatchPause = v
	}
	if v := os.Getenv("CASEPILOT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("CASEPILOT_TOKEN_DURATION"); v != "" {
		cfg.Auth.TokenDuration = v
	}
	if v := os.Getenv("CASEPILOT_PROCESSOR_ENDPOINT"); v != "" {
		cfg.Processor.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("CASEPILOT_PROCESSOR_TIMEOUT"); v != "" {
		cfg.Processor.Timeout = v
	}
}
