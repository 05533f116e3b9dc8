package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPassesValidation(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Fatalf("default config failed validation: %v", errs)
	}
}

func TestLoadMergesPartialFileWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	contents := "server:\n  port: 9000\nsecurity:\n  allowedDomains:\n    - example.com\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("server.port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.Host != Default().Server.Host {
		t.Fatalf("expected unset fields to retain defaults, got host=%q", cfg.Server.Host)
	}
	if len(cfg.Security.AllowedDomains) != 1 || cfg.Security.AllowedDomains[0] != "example.com" {
		t.Fatalf("allowedDomains = %v", cfg.Security.AllowedDomains)
	}
}

func TestLoadParsesDurationStrings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	contents := "server:\n  timeout: 45s\nbrowser:\n  sessionTimeout: 2m\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Timeout.Duration() != 45*time.Second {
		t.Fatalf("server.timeout = %v, want 45s", cfg.Server.Timeout.Duration())
	}
	if cfg.Browser.SessionTimeout.Duration() != 2*time.Minute {
		t.Fatalf("browser.sessionTimeout = %v, want 2m", cfg.Browser.SessionTimeout.Duration())
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("server:\n  timeout: not-a-duration\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for malformed duration")
	}
}

func TestValidateReportsEveryOutOfRangeField(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Browser.MaxSessions = 0
	cfg.Security.RateLimit.Requests = 0
	cfg.Performance.ContextPool.Min = 5
	cfg.Performance.ContextPool.Max = 2

	errs := cfg.Validate()
	if len(errs) != 4 {
		t.Fatalf("got %d errors, want 4: %v", len(errs), errs)
	}
}

func TestValidateRejectsNonPositiveDurations(t *testing.T) {
	cfg := Default()
	cfg.Server.Timeout = Duration(0)
	if errs := cfg.Validate(); len(errs) == 0 {
		t.Fatal("expected error for zero server.timeout")
	}
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
