package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.HTTP.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %s", cfg.HTTP.Addr())
	}
	if cfg.Auth.Enabled() {
		t.Error("auth should be disabled without a secret")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port zero", func(c *Config) { c.HTTP.Port = 0 }},
		{"port too large", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"read timeout below ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }},
		{"negative grace", func(c *Config) { c.Session.ClientGracePeriod = -time.Second }},
		{"zero rate limit", func(c *Config) { c.Session.RateLimit = 0 }},
		{"unknown archive", func(c *Config) { c.Archive.Driver = "cassandra" }},
		{"redis without addr", func(c *Config) { c.Archive.Driver = "redis"; c.Archive.Redis.Addr = "" }},
		{"bad log output", func(c *Config) { c.Log.Output = "syslog" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.ClientGracePeriod != 30*time.Second {
		t.Errorf("ClientGracePeriod = %v, want 30s", cfg.Session.ClientGracePeriod)
	}
	if cfg.Archive.SQLite.DatabasePath != "./data/livedesk.db" {
		t.Errorf("sqlite path = %s", cfg.Archive.SQLite.DatabasePath)
	}
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livedesk.yaml")
	content := []byte(`
http:
  port: 9090
session:
  client_grace_period: 45s
archive:
  driver: memory
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LIVEDESK_HTTP_PORT", "9191")
	t.Setenv("LIVEDESK_AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Port != 9191 {
		t.Errorf("env should win over file: port = %d", cfg.HTTP.Port)
	}
	if cfg.Session.ClientGracePeriod != 45*time.Second {
		t.Errorf("file should win over defaults: grace = %v", cfg.Session.ClientGracePeriod)
	}
	if cfg.Archive.Driver != "memory" {
		t.Errorf("driver = %s, want memory", cfg.Archive.Driver)
	}
	if !cfg.Auth.Enabled() {
		t.Error("auth should be enabled from env secret")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("LIVEDESK_HTTP_PORT", "0")
	if _, err := Load(""); err == nil {
		t.Error("expected validation error from env override")
	}
}
