package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "riskpipe.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level=%s", cfg.LogLevel)
	}
	if cfg.Bus.Prefetch != 100 || cfg.Bus.ConnectRetries != 30 {
		t.Fatalf("bus defaults missing: %+v", cfg.Bus)
	}
	if cfg.History.Capacity != 10 {
		t.Fatalf("history capacity=%d", cfg.History.Capacity)
	}
	if cfg.Bus.Topics.Transactions != "transactions.raw" {
		t.Fatalf("topics defaults missing: %+v", cfg.Bus.Topics)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskpipe.json")
	if err := os.WriteFile(path, []byte(`{"log_level":"warn"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log_level=%s", cfg.LogLevel)
	}
}

func TestValidateRejectsBadRulesMode(t *testing.T) {
	if _, err := Load(writeConfig(t, "rules:\n  mode: magic\n")); err == nil {
		t.Fatalf("expected error for unknown rules mode")
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	if _, err := Load(writeConfig(t, "policy:\n  tau: 0.9\n  tau_high: 0.5\n")); err == nil {
		t.Fatalf("expected error for tau_high < tau")
	}
}

func TestEmptyConfigRejected(t *testing.T) {
	if _, err := Load(writeConfig(t, "")); err == nil {
		t.Fatalf("expected error for empty config file")
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := os.WriteFile(path, []byte("log_level: error\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "error" || m.Get().LogLevel != "error" {
		t.Fatalf("reload not applied: %s", m.Get().LogLevel)
	}
}
