// Package config loads server configuration from a YAML file with
// environment variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the research server.
type Config struct {
	Server     Server     `yaml:"server"`
	ClickHouse ClickHouse `yaml:"clickhouse"`
	Storage    Storage    `yaml:"storage"`
	Logging    Logging    `yaml:"logging"`
	Optimizer  Optimizer  `yaml:"optimizer"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ClickHouse holds the bar warehouse connection settings.
type ClickHouse struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Storage holds local persistence paths.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	JournalPath string `yaml:"journal_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Optimizer holds sweep defaults the API applies when a request leaves them
// unset.
type Optimizer struct {
	Workers         int `yaml:"workers"`
	MaxCombinations int `yaml:"max_combinations"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server:     Server{Host: "0.0.0.0", Port: 8080},
		ClickHouse: ClickHouse{Addr: "localhost:9000", Database: "quantlab", Table: "bars"},
		Storage:    Storage{DataDir: "data", JournalPath: "data/sweeps.db"},
		Logging:    Logging{Level: "info", Format: "json"},
		Optimizer:  Optimizer{Workers: 4, MaxCombinations: 500, TimeoutSeconds: 300},
	}
}

// Load reads the YAML file at path into the defaults and then applies
// environment overrides. An empty path skips the file and loads defaults
// plus environment only.
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
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployments inject secrets and endpoints without
// editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUANTLAB_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = v
	}
	if v := os.Getenv("CH_DATABASE"); v != "" {
		cfg.ClickHouse.Database = v
	}
	if v := os.Getenv("CH_USER"); v != "" {
		cfg.ClickHouse.User = v
	}
	if v := os.Getenv("CH_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := os.Getenv("QUANTLAB_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("QUANTLAB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
