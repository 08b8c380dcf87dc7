package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ToteLedger/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http_addr: got %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.SnapshotInterval != 5*time.Minute {
		t.Errorf("snapshot_interval: got %v, want 5m", cfg.SnapshotInterval)
	}
	if cfg.CustodyAccount != "tote_custody" {
		t.Errorf("custody_account: got %q, want tote_custody", cfg.CustodyAccount)
	}
	if len(cfg.OperatorAccounts) != 1 || cfg.OperatorAccounts[0] != "operator" {
		t.Errorf("operator_accounts: got %v", cfg.OperatorAccounts)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("TOTE_HTTP_ADDR", ":9999")
	t.Setenv("TOTE_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("http_addr: got %q, want :9999", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level: got %q, want debug", cfg.LogLevel)
	}
	// Untouched keys keep their defaults.
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("metrics_addr: got %q, want :9090", cfg.MetricsAddr)
	}
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tote.yaml")
	yaml := "http_addr: \":7777\"\nmetrics_addr: \":7778\"\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("TOTE_CONFIG", path)
	t.Setenv("TOTE_HTTP_ADDR", ":6666") // env wins over file

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":6666" {
		t.Errorf("http_addr: got %q, want :6666 (env over file)", cfg.HTTPAddr)
	}
	if cfg.MetricsAddr != ":7778" {
		t.Errorf("metrics_addr: got %q, want :7778 (file over default)", cfg.MetricsAddr)
	}
}

func TestLoad_RejectsEmptyRequiredKeys(t *testing.T) {
	t.Setenv("TOTE_POSTGRES_DSN", "")

	// koanf treats an empty env var as an override to empty string.
	if _, err := config.Load(); err == nil {
		t.Error("empty postgres_dsn should be rejected")
	}
}
