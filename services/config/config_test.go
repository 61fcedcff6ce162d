package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Optimizer.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Optimizer.Workers)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  host: 127.0.0.1
  port: 9999
clickhouse:
  addr: ch.internal:9000
optimizer:
  workers: 16
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.ClickHouse.Addr != "ch.internal:9000" {
		t.Errorf("clickhouse addr = %q", cfg.ClickHouse.Addr)
	}
	if cfg.Optimizer.Workers != 16 {
		t.Errorf("workers = %d, want 16", cfg.Optimizer.Workers)
	}
	// Untouched sections keep their defaults.
	if cfg.Storage.DataDir != "data" {
		t.Errorf("data dir = %q, want default", cfg.Storage.DataDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUANTLAB_HTTP_PORT", "7001")
	t.Setenv("CH_PASSWORD", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("port = %d, want env override 7001", cfg.Server.Port)
	}
	if cfg.ClickHouse.Password != "secret" {
		t.Errorf("password not taken from env")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
