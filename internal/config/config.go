// Package config handles loading and validating Sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	Provider      ProviderConfig        `json:"provider" yaml:"provider"`
	Sessions      SessionsConfig        `json:"sessions" yaml:"sessions"`
	Bridge        *BridgeConfig         `json:"bridge,omitempty" yaml:"bridge,omitempty"`               // nil = defaults
	History       *HistoryConfig        `json:"history,omitempty" yaml:"history,omitempty"`             // nil = history disabled
	Reaper        *ReaperConfig         `json:"reaper,omitempty" yaml:"reaper,omitempty"`               // nil = reaper disabled
	Gateway       GatewayConfig         `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ProviderConfig selects and configures the execution provider.
type ProviderConfig struct {
	Kind   string                `json:"kind" yaml:"kind"` // "docker" (default) or "remote".
	Docker *DockerProviderConfig `json:"docker,omitempty" yaml:"docker,omitempty"`
	Remote *RemoteProviderConfig `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// ProviderKind returns the configured provider kind, defaulting to "docker".
func (p *ProviderConfig) ProviderKind() string {
	if p != nil && p.Kind != "" {
		return p.Kind
	}
	return "docker"
}

// DockerProviderConfig configures the local Docker provider.
type DockerProviderConfig struct {
	Image          string  `json:"image,omitempty" yaml:"image,omitempty"`                   // Default: sanduku runtime image.
	ExecTimeoutS   int     `json:"exec_timeout_s,omitempty" yaml:"exec_timeout_s,omitempty"` // Default: 60.
	MemoryMB       int     `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`           // Default: 512.
	CPUCores       float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`           // Default: 1.0.
	PIDsLimit      int     `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`         // Default: 64.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"`                   // Default: false.
}

// ExecTimeout returns the per-exec timeout, defaulting to 60s.
func (d *DockerProviderConfig) ExecTimeout() time.Duration {
	if d != nil && d.ExecTimeoutS > 0 {
		return time.Duration(d.ExecTimeoutS) * time.Second
	}
	return 60 * time.Second
}

// RemoteProviderConfig configures the WebSocket runner provider.
type RemoteProviderConfig struct {
	URL             string `json:"url" yaml:"url"` // ws:// or wss:// runner endpoint. Override: SANDUKU_RUNNER_URL.
	Token           string `json:"token,omitempty" yaml:"token,omitempty"`
	DialTimeoutS    int    `json:"dial_timeout_s,omitempty" yaml:"dial_timeout_s,omitempty"`       // Default: 10.
	RequestTimeoutS int    `json:"request_timeout_s,omitempty" yaml:"request_timeout_s,omitempty"` // Default: 300.
}

// DialTimeout returns the runner dial timeout, defaulting to 10s.
func (r *RemoteProviderConfig) DialTimeout() time.Duration {
	if r != nil && r.DialTimeoutS > 0 {
		return time.Duration(r.DialTimeoutS) * time.Second
	}
	return 10 * time.Second
}

// RequestTimeout returns the per-request timeout, defaulting to 5m.
func (r *RemoteProviderConfig) RequestTimeout() time.Duration {
	if r != nil && r.RequestTimeoutS > 0 {
		return time.Duration(r.RequestTimeoutS) * time.Second
	}
	return 5 * time.Minute
}

// SessionsConfig configures session lifecycle behavior.
type SessionsConfig struct {
	// PersistSessions keeps remote sessions alive past manager cleanup so
	// a later manager instance can reconnect to them.
	PersistSessions bool `json:"persist_sessions" yaml:"persist_sessions"`
	// DefaultTimeoutS is the session lifetime hint passed to the provider.
	DefaultTimeoutS int `json:"default_timeout_s,omitempty" yaml:"default_timeout_s,omitempty"` // Default: 1800.
}

// DefaultTimeout returns the session lifetime hint, defaulting to 30m.
func (s *SessionsConfig) DefaultTimeout() time.Duration {
	if s != nil && s.DefaultTimeoutS > 0 {
		return time.Duration(s.DefaultTimeoutS) * time.Second
	}
	return 30 * time.Minute
}

// ReaperConfig configures the idle-session reaper. nil disables it.
type ReaperConfig struct {
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`   // Cron expression. Default: every 5 minutes.
	IdleTTLS int    `json:"idle_ttl_s,omitempty" yaml:"idle_ttl_s,omitempty"` // Default: 1800.
}

// IdleTTL returns how long a session may idle before reaping, defaulting to 30m.
func (r *ReaperConfig) IdleTTL() time.Duration {
	if r != nil && r.IdleTTLS > 0 {
		return time.Duration(r.IdleTTLS) * time.Second
	}
	return 30 * time.Minute
}

// BridgeConfig configures the file bridge. nil uses defaults.
type BridgeConfig struct {
	MaxPayloadMB int `json:"max_payload_mb,omitempty" yaml:"max_payload_mb,omitempty"` // Default: 8.
}

// MaxPayloadBytes returns the download payload cap, defaulting to 8 MiB.
func (b *BridgeConfig) MaxPayloadBytes() int {
	if b != nil && b.MaxPayloadMB > 0 {
		return b.MaxPayloadMB << 20
	}
	return 8 << 20
}

// HistoryConfig configures the invocation history store.
// When nil, history is disabled with zero overhead.
type HistoryConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteHistoryConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresHistoryConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// HistoryDriver returns the configured driver, defaulting to "sqlite".
func (h *HistoryConfig) HistoryDriver() string {
	if h != nil && h.Driver != "" {
		return h.Driver
	}
	return "sqlite"
}

// SQLiteHistoryConfig holds SQLite-specific settings.
type SQLiteHistoryConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Default: ~/.sanduku/history.db.
}

// DatabasePath returns the SQLite file path, defaulting under the home dir.
func (s *SQLiteHistoryConfig) DatabasePath() string {
	if s != nil && s.Path != "" {
		return s.Path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "sanduku-history.db"
	}
	return filepath.Join(home, ".sanduku", "history.db")
}

// PostgresHistoryConfig holds PostgreSQL-specific settings.
type PostgresHistoryConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: SANDUKU_HISTORY_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800.
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	Addr      string           `json:"addr,omitempty" yaml:"addr,omitempty"` // Default: ":8080". Override: SANDUKU_GATEWAY_ADDR.
	APIKeys   []string         `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Empty = no auth.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // nil = unlimited.
}

// ListenAddr returns the listen address, defaulting to ":8080".
func (g *GatewayConfig) ListenAddr() string {
	if g != nil && g.Addr != "" {
		return g.Addr
	}
	return ":8080"
}

// RateLimitConfig configures per-caller request limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Default: 60.
	Burst             int `json:"burst" yaml:"burst"`                             // Default: 10.
}

// Rate returns requests per minute, defaulting to 60.
func (r *RateLimitConfig) Rate() int {
	if r != nil && r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute
	}
	return 60
}

// BurstSize returns the burst allowance, defaulting to 10.
func (r *RateLimitConfig) BurstSize() int {
	if r != nil && r.Burst > 0 {
		return r.Burst
	}
	return 10
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

// MetricsPath returns the exposition path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc".
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku".
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev.
}

// Default returns the configuration used when no config file is given:
// docker provider, no auth, history and observability disabled.
func Default() *Config {
	return &Config{}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies SANDUKU_* environment variables on top of the
// file values.
func applyEnvOverrides(cfg *Config) {
	if env := os.Getenv("SANDUKU_PROVIDER"); env != "" {
		cfg.Provider.Kind = env
	}
	if env := os.Getenv("SANDUKU_SANDBOX_IMAGE"); env != "" {
		if cfg.Provider.Docker == nil {
			cfg.Provider.Docker = &DockerProviderConfig{}
		}
		cfg.Provider.Docker.Image = env
	}
	if env := os.Getenv("SANDUKU_RUNNER_URL"); env != "" {
		if cfg.Provider.Remote == nil {
			cfg.Provider.Remote = &RemoteProviderConfig{}
		}
		cfg.Provider.Remote.URL = env
	}
	if env := os.Getenv("SANDUKU_RUNNER_TOKEN"); env != "" {
		if cfg.Provider.Remote == nil {
			cfg.Provider.Remote = &RemoteProviderConfig{}
		}
		cfg.Provider.Remote.Token = env
	}
	if env := os.Getenv("SANDUKU_GATEWAY_ADDR"); env != "" {
		cfg.Gateway.Addr = env
	}
	if env := os.Getenv("SANDUKU_API_KEY"); env != "" {
		cfg.Gateway.APIKeys = append(cfg.Gateway.APIKeys, env)
	}
	if env := os.Getenv("SANDUKU_HISTORY_DSN"); env != "" {
		if cfg.History == nil {
			cfg.History = &HistoryConfig{Driver: "postgres"}
		}
		if cfg.History.Postgres == nil {
			cfg.History.Postgres = &PostgresHistoryConfig{}
		}
		cfg.History.Postgres.DSN = env
	}
}

func (c *Config) validate() error {
	switch kind := c.Provider.ProviderKind(); kind {
	case "docker":
	case "remote":
		if c.Provider.Remote == nil || c.Provider.Remote.URL == "" {
			return fmt.Errorf("provider.remote.url is required for the remote provider")
		}
		if !strings.HasPrefix(c.Provider.Remote.URL, "ws://") && !strings.HasPrefix(c.Provider.Remote.URL, "wss://") {
			return fmt.Errorf("provider.remote.url must be a ws:// or wss:// URL, got %q", c.Provider.Remote.URL)
		}
	default:
		return fmt.Errorf("unknown provider kind %q (want docker or remote)", kind)
	}

	if c.History != nil {
		switch driver := c.History.HistoryDriver(); driver {
		case "sqlite":
		case "postgres":
			if c.History.Postgres == nil || c.History.Postgres.DSN == "" {
				return fmt.Errorf("history.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("unknown history driver %q (want sqlite or postgres)", driver)
		}
	}

	if rl := c.Gateway.RateLimit; rl != nil {
		if rl.RequestsPerMinute < 0 || rl.Burst < 0 {
			return fmt.Errorf("gateway.rate_limit values must not be negative")
		}
	}

	if t := c.tracing(); t != nil && t.Enabled && t.Endpoint == "" {
		return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}
