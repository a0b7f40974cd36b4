package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Network  NetworkConfig  `yaml:"network"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Database DatabaseConfig `yaml:"database"`
	Audit    AuditConfig    `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	MCP      MCPConfig      `yaml:"mcp"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend          string `yaml:"backend"` // "auto" (default), "process", "containerd", or "docker"
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
	PythonBinary     string `yaml:"python_binary"`
	PythonImage      string `yaml:"python_image"`
	MaxStdoutBytes   int    `yaml:"max_stdout_bytes"`
	MaxStderrBytes   int    `yaml:"max_stderr_bytes"`
	// UnshareNetwork gives block-all submissions of the process backend an
	// empty network namespace. Falls back to the guard alone when user
	// namespaces are unavailable.
	UnshareNetwork bool          `yaml:"unshare_network"`
	Limits         LimitsConfig  `yaml:"limits"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
}

// LimitsConfig is the default execution policy applied to submissions that
// carry none. Zero fields fall back to the built-in defaults.
type LimitsConfig struct {
	CPUSeconds    int64         `yaml:"cpu_seconds"`
	MemoryBytes   int64         `yaml:"memory_bytes"`
	FileSizeBytes int64         `yaml:"file_size_bytes"`
	MaxProcesses  int64         `yaml:"max_processes"`
	WallTimeout   time.Duration `yaml:"wall_timeout"`
}

// NetworkConfig is the default network policy.
type NetworkConfig struct {
	Mode         string   `yaml:"mode"` // "block_all" (default), "whitelist", or "unrestricted"
	AllowedHosts []string `yaml:"allowed_hosts"`
}

type AnalyzerConfig struct {
	DenylistPath string `yaml:"denylist_path"` // empty uses the built-in table
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuditConfig controls durable audit storage. SQLitePath is used when no
// Postgres DSN is configured, and always by the local CLI.
type AuditConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	BufferSize int    `yaml:"buffer_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls span export over OTLP/HTTP. Endpoint is host:port.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	Sample      float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	AllowedKeys  []string `yaml:"allowed_keys"`
	// AllowUnauthenticated accepts requests when no keys are configured.
	// Without it an empty key list rejects everything.
	AllowUnauthenticated bool    `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64 `yaml:"rate_limit_rps"`
	RateLimitBurst       int     `yaml:"rate_limit_burst"`
}

// MCPConfig controls the Model Context Protocol server.
type MCPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Transport string `yaml:"transport"` // "stdio" or "sse"
	Port      int    `yaml:"port"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to DefaultConfig
// otherwise. A file that exists but does not parse is still an error.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); err != nil {
		log.Info().Str("path", path).Msg("no config file found, using defaults")
		return DefaultConfig(), nil
	}
	return Load(path)
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20, // 1MB of source plus JSON overhead
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "sandbox",
			MaxConcurrent:    100,
			PythonBinary:     "python3",
			PythonImage:      "docker.io/library/python:3.12-slim",
			MaxStdoutBytes:   1 << 20,
			MaxStderrBytes:   256 * 1024,
			UnshareNetwork:   true,
			Limits: LimitsConfig{
				CPUSeconds:    5,
				MemoryBytes:   256 << 20,
				FileSizeBytes: 1 << 20,
				MaxProcesses:  10,
				WallTimeout:   10 * time.Second,
			},
			MaxTimeout: 60 * time.Second,
		},
		Network: NetworkConfig{
			Mode: "block_all",
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Audit: AuditConfig{
			SQLitePath: "",
			BufferSize: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "code-sandbox",
			Sample:      0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		MCP: MCPConfig{
			Enabled:   false,
			Transport: "stdio",
			Port:      8090,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

var (
	backends     = []string{"auto", "process", "containerd", "docker"}
	networkModes = []string{"unrestricted", "block_all", "whitelist"}
	transports   = []string{"stdio", "sse"}
)

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if !oneOf(c.Sandbox.Backend, backends) {
		return fmt.Errorf("sandbox.backend must be one of %s, got %q", strings.Join(backends, ", "), c.Sandbox.Backend)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MaxStdoutBytes < 0 || c.Sandbox.MaxStderrBytes < 0 {
		return fmt.Errorf("sandbox output caps must be >= 0")
	}
	l := c.Sandbox.Limits
	if l.CPUSeconds < 0 || l.MemoryBytes < 0 || l.FileSizeBytes < 0 || l.MaxProcesses < 0 || l.WallTimeout < 0 {
		return fmt.Errorf("sandbox.limits must not be negative")
	}
	if l.MemoryBytes != 0 && l.MemoryBytes < 32<<20 {
		return fmt.Errorf("sandbox.limits.memory_bytes must be >= 32MB, got %d", l.MemoryBytes)
	}
	if c.Sandbox.MaxTimeout > 0 && l.WallTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.limits.wall_timeout (%s) must be <= max_timeout (%s)",
			l.WallTimeout, c.Sandbox.MaxTimeout)
	}
	if !oneOf(c.Network.Mode, networkModes) {
		return fmt.Errorf("network.mode must be one of %s, got %q", strings.Join(networkModes, ", "), c.Network.Mode)
	}
	if len(c.Network.AllowedHosts) > 0 && c.Network.Mode != "whitelist" {
		return fmt.Errorf("network.allowed_hosts requires network.mode whitelist")
	}
	if c.MCP.Enabled {
		if !oneOf(c.MCP.Transport, transports) {
			return fmt.Errorf("mcp.transport must be stdio or sse, got %q", c.MCP.Transport)
		}
		if c.MCP.Transport == "sse" && (c.MCP.Port < 1 || c.MCP.Port > 65535) {
			return fmt.Errorf("mcp.port must be 1-65535, got %d", c.MCP.Port)
		}
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %g", c.Tracing.Sample)
	}
	if c.Audit.BufferSize < 1 {
		return fmt.Errorf("audit.buffer_size must be >= 1")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
