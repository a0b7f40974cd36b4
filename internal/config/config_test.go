package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxConcurrent != 100 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 100", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.Limits.WallTimeout != 10*time.Second {
		t.Errorf("Limits.WallTimeout = %s, want 10s", cfg.Sandbox.Limits.WallTimeout)
	}
	if cfg.Sandbox.Limits.MemoryBytes != 256<<20 {
		t.Errorf("Limits.MemoryBytes = %d, want 256MB", cfg.Sandbox.Limits.MemoryBytes)
	}
	if cfg.Network.Mode != "block_all" {
		t.Errorf("Network.Mode = %q, want block_all", cfg.Network.Mode)
	}
	if !cfg.Sandbox.UnshareNetwork {
		t.Error("Sandbox.UnshareNetwork = false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "firecracker" }, true},
		{"process backend", func(c *Config) { c.Sandbox.Backend = "process" }, false},
		{"wall_timeout > max_timeout", func(c *Config) {
			c.Sandbox.Limits.WallTimeout = 2 * time.Minute
			c.Sandbox.MaxTimeout = 1 * time.Minute
		}, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"memory below 32MB", func(c *Config) { c.Sandbox.Limits.MemoryBytes = 8 << 20 }, true},
		{"memory zero uses default", func(c *Config) { c.Sandbox.Limits.MemoryBytes = 0 }, false},
		{"negative cpu", func(c *Config) { c.Sandbox.Limits.CPUSeconds = -1 }, true},
		{"negative stdout cap", func(c *Config) { c.Sandbox.MaxStdoutBytes = -1 }, true},
		{"unknown network mode", func(c *Config) { c.Network.Mode = "allow" }, true},
		{"hosts without whitelist", func(c *Config) { c.Network.AllowedHosts = []string{"pypi.org"} }, true},
		{"whitelist with hosts", func(c *Config) {
			c.Network.Mode = "whitelist"
			c.Network.AllowedHosts = []string{"pypi.org"}
		}, false},
		{"mcp bad transport", func(c *Config) {
			c.MCP.Enabled = true
			c.MCP.Transport = "websocket"
		}, true},
		{"mcp sse without port", func(c *Config) {
			c.MCP.Enabled = true
			c.MCP.Transport = "sse"
			c.MCP.Port = 0
		}, true},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, true},
		{"tracing with endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Endpoint = "otel-collector:4318"
		}, false},
		{"sample rate above 1", func(c *Config) { c.Tracing.Sample = 1.5 }, true},
		{"audit buffer 0", func(c *Config) { c.Audit.BufferSize = 0 }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  backend: process
  max_concurrent: 50
  limits:
    cpu_seconds: 2
    wall_timeout: 15s
network:
  mode: whitelist
  allowed_hosts: [pypi.org, files.pythonhosted.org]
audit:
  sqlite_path: /var/lib/sandbox/audit.db
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "process" {
		t.Errorf("Sandbox.Backend = %q, want process", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.MaxConcurrent != 50 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 50", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.Limits.CPUSeconds != 2 {
		t.Errorf("Limits.CPUSeconds = %d, want 2", cfg.Sandbox.Limits.CPUSeconds)
	}
	if cfg.Sandbox.Limits.WallTimeout != 15*time.Second {
		t.Errorf("Limits.WallTimeout = %s, want 15s", cfg.Sandbox.Limits.WallTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Sandbox.Limits.MemoryBytes != 256<<20 {
		t.Errorf("Limits.MemoryBytes = %d, want default", cfg.Sandbox.Limits.MemoryBytes)
	}
	if cfg.Network.Mode != "whitelist" || len(cfg.Network.AllowedHosts) != 2 {
		t.Errorf("Network = %+v", cfg.Network)
	}
	if cfg.Audit.SQLitePath != "/var/lib/sandbox/audit.db" {
		t.Errorf("Audit.SQLitePath = %q", cfg.Audit.SQLitePath)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("network:\n  mode: sometimes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault(missing): %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected defaults, got port %d", cfg.Server.Port)
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrDefault(path); err == nil {
		t.Error("expected parse error for an existing malformed file")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
