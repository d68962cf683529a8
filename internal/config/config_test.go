package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, "webhook_secret: s3cret\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default info", cfg.LogLevel)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want default :8080", cfg.ListenAddr)
	}
	if cfg.RateWindow != time.Minute {
		t.Errorf("RateWindow = %s, want default 1m", cfg.RateWindow)
	}
	if cfg.RateMaxSubmit != 3 {
		t.Errorf("RateMaxSubmit = %d, want default 3", cfg.RateMaxSubmit)
	}
	if cfg.GraceDays != 3 {
		t.Errorf("GraceDays = %d, want default 3", cfg.GraceDays)
	}
	if cfg.WebhookSecret != "s3cret" {
		t.Errorf("WebhookSecret = %q, want s3cret", cfg.WebhookSecret)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing webhook secret", yaml: "log_level: info\n"},
		{name: "bad log level", yaml: "webhook_secret: s\nlog_level: verbose\n"},
		{name: "bad base url", yaml: "webhook_secret: s\nwebhook_base_url: not-a-url\n"},
		{name: "zero submit budget", yaml: "webhook_secret: s\nrate_max_submit: 0\n"},
		{name: "sub-second window", yaml: "webhook_secret: s\nrate_window: 100ms\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("Load() error = nil, want validation error")
			}
		})
	}
}

func TestProviderReloadSwapsSnapshot(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "webhook_secret: s\nrate_max_submit: 3\n")
	provider, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider.Current().RateMaxSubmit != 3 {
		t.Fatalf("RateMaxSubmit = %d, want 3", provider.Current().RateMaxSubmit)
	}

	if err := os.WriteFile(path, []byte("webhook_secret: s\nrate_max_submit: 9\n"), 0o600); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if _, err := provider.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if provider.Current().RateMaxSubmit != 9 {
		t.Errorf("RateMaxSubmit after reload = %d, want 9", provider.Current().RateMaxSubmit)
	}
}

func TestProviderReloadFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "webhook_secret: s\nrate_max_submit: 5\n")
	provider, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	// An invalid rewrite must not disturb the published snapshot.
	if err := os.WriteFile(path, []byte("webhook_secret: s\nlog_level: verbose\n"), 0o600); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if _, err := provider.Reload(); err == nil {
		t.Fatal("Reload() with invalid config error = nil, want error")
	}
	if provider.Current().RateMaxSubmit != 5 {
		t.Errorf("RateMaxSubmit after failed reload = %d, want previous 5", provider.Current().RateMaxSubmit)
	}
}
