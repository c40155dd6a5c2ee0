package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func loadFromDir(t *testing.T, dir string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	InitViper(dir, "")
	return Load(dir)
}

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := loadFromDir(t, t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.Proxy.MaxBodySize != 1<<20 {
		t.Errorf("max body size = %d, want 1 MiB", cfg.Proxy.MaxBodySize)
	}
	if cfg.Store.MaxRequests != 5000 {
		t.Errorf("max requests = %d, want 5000", cfg.Store.MaxRequests)
	}
	if got := cfg.MatchTimeout(); got != time.Second {
		t.Errorf("match timeout = %v, want 1s", got)
	}
	if got := cfg.HandlerTimeout(); got != 10*time.Second {
		t.Errorf("handler timeout = %v, want 10s", got)
	}
	if ConfigFileUsed() != "" {
		t.Errorf("config file used = %q, want none", ConfigFileUsed())
	}
}

func TestLoadReadsProjectYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
log_level: debug
proxy:
  preferred_port: 9099
  bypass_list:
    - "*.corp.test"
store:
  max_requests: 250
interceptors:
  handler_timeout: 20s
`
	if err := os.WriteFile(filepath.Join(dir, "procsi.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadFromDir(t, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Proxy.PreferredPort != 9099 {
		t.Errorf("preferred port = %d", cfg.Proxy.PreferredPort)
	}
	if len(cfg.Proxy.BypassList) != 1 || cfg.Proxy.BypassList[0] != "*.corp.test" {
		t.Errorf("bypass list = %v", cfg.Proxy.BypassList)
	}
	if cfg.Store.MaxRequests != 250 {
		t.Errorf("max requests = %d", cfg.Store.MaxRequests)
	}
	if got := cfg.HandlerTimeout(); got != 20*time.Second {
		t.Errorf("handler timeout = %v", got)
	}
	// Untouched fields still default.
	if cfg.Proxy.UpstreamTimeout != "30s" {
		t.Errorf("upstream timeout = %q, want default", cfg.Proxy.UpstreamTimeout)
	}
}

func TestLoadFindsConfigInStateDir(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, ".procsi")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "procsi.yml"), []byte("log_level: warn\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadFromDir(t, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q, want warn", cfg.LogLevel)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "procsi.yaml"), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PROCSI_LOG_LEVEL", "error")
	t.Setenv("PROCSI_STORE_MAX_REQUESTS", "900")

	cfg, err := loadFromDir(t, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("log level = %q, want env override", cfg.LogLevel)
	}
	if cfg.Store.MaxRequests != 900 {
		t.Errorf("max requests = %d, want env override", cfg.Store.MaxRequests)
	}
}

func TestResolveProjectRoot(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PROJECT_ROOT", dir)
	got, err := ResolveProjectRoot()
	if err != nil {
		t.Fatalf("ResolveProjectRoot: %v", err)
	}
	if got != dir {
		t.Errorf("root = %q, want %q", got, dir)
	}

	t.Setenv("PROJECT_ROOT", "")
	got, err = ResolveProjectRoot()
	if err != nil {
		t.Fatalf("ResolveProjectRoot without env: %v", err)
	}
	cwd, _ := os.Getwd()
	if got != cwd {
		t.Errorf("root = %q, want cwd %q", got, cwd)
	}
}
