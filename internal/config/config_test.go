package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.hcl"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver)
	}
	if cfg.SyncInterval != 30*time.Minute {
		t.Errorf("SyncInterval = %s, want 30m", cfg.SyncInterval)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Errorf("FetchTimeout = %s, want 30s", cfg.FetchTimeout)
	}
	if cfg.FetchRetries != 3 {
		t.Errorf("FetchRetries = %d, want 3", cfg.FetchRetries)
	}
	if cfg.ProxyURL != "" {
		t.Errorf("ProxyURL = %q, want empty", cfg.ProxyURL)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sniffle.hcl")
	content := `
proxy_url = "https://proxy.example.com/?url="
fetch_retries = 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SNIFFLE_LISTEN_ADDR", ":9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProxyURL != "https://proxy.example.com/?url=" {
		t.Errorf("ProxyURL = %q", cfg.ProxyURL)
	}
	if cfg.FetchRetries != 5 {
		t.Errorf("FetchRetries = %d, want 5", cfg.FetchRetries)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
}

func TestValidate(t *testing.T) {
	base := Config{DBDriver: "sqlite", FetchRetries: 3, FetchTimeout: time.Second, SyncInterval: time.Minute}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := base
	bad.DBDriver = "mysql"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown driver")
	}

	bad = base
	bad.FetchRetries = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero retries")
	}

	bad = base
	bad.SyncInterval = 10 * time.Second
	if err := bad.Validate(); err == nil {
		t.Error("expected error for short interval")
	}
}
