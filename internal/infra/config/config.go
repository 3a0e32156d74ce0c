package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Backends []BackendConfig `yaml:"backends"`
	LLM      LLMConfig       `yaml:"llm"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Health   HealthConfig    `yaml:"health"`
	History  HistoryConfig   `yaml:"history"`
	Logger   LoggerConfig    `yaml:"logger"`
	Tracer   TracerConfig    `yaml:"tracer"`
}

// BackendConfig declares one MCP backend.
type BackendConfig struct {
	Name          string        `yaml:"name"`
	Description   string        `yaml:"description"`
	URL           string        `yaml:"url"`
	Transport     string        `yaml:"transport"` // "streamable-http"
	Enabled       bool          `yaml:"enabled"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	HealthPath    string        `yaml:"health_path"`
	BearerToken   string        `yaml:"bearer_token,omitempty"` // supports "enc:" values

	Tools     map[string]CapabilityConfig `yaml:"tools,omitempty"`
	Resources map[string]CapabilityConfig `yaml:"resources,omitempty"`
}

// CapabilityConfig declares a tool or resource with relevance keywords.
type CapabilityConfig struct {
	Description string   `yaml:"description,omitempty"`
	Keywords    []string `yaml:"keywords,omitempty"`
}

// LLMConfig holds model API settings.
type LLMConfig struct {
	Provider     ProviderConfig       `yaml:"provider"`
	SystemPrompt string               `yaml:"system_prompt"`
	TokenBudget  int                  `yaml:"token_budget"` // prompt budget for backend data blocks
	Breaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderConfig holds settings for one LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"` // supports "enc:" values
	BaseURL     string        `yaml:"base_url,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout,omitempty"`
	RespTimeout time.Duration `yaml:"resp_timeout,omitempty"`
	Pool        PoolConfig    `yaml:"pool,omitempty"`
}

// PoolConfig tunes the pooled HTTP transport.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns,omitempty"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host,omitempty"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host,omitempty"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout,omitempty"`
}

// CircuitBreakerConfig configures the model-call circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// GatewayConfig holds REST gateway settings.
type GatewayConfig struct {
	Addr           string `yaml:"addr"`
	RequestsPerMin int    `yaml:"requests_per_min"`
	Burst          int    `yaml:"burst"`
	MaxQueryLen    int    `yaml:"max_query_len"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HistoryConfig holds query log settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: ProviderConfig{
				Name:  "gemini",
				Model: "gemini-pro",
			},
			TokenBudget: 6000,
		},
		Gateway: GatewayConfig{
			Addr:           "127.0.0.1:8080",
			RequestsPerMin: 100,
			Burst:          20,
			MaxQueryLen:    1000,
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "./data/history.db",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("MEDIGATE_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps MEDIGATE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEDIGATE_LLM_API_KEY"); v != "" {
		cfg.LLM.Provider.APIKey = v
	}
	if v := os.Getenv("MEDIGATE_LLM_MODEL"); v != "" {
		cfg.LLM.Provider.Model = v
	}
	if v := os.Getenv("MEDIGATE_LLM_BASE_URL"); v != "" {
		cfg.LLM.Provider.BaseURL = v
	}
	if v := os.Getenv("MEDIGATE_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("MEDIGATE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MEDIGATE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MEDIGATE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MEDIGATE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("MEDIGATE_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Health.Interval = d
		}
	}
	if v := os.Getenv("MEDIGATE_HISTORY_DB"); v != "" {
		cfg.History.DBPath = v
	}
	if v := os.Getenv("MEDIGATE_GATEWAY_MAX_QUERY_LEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.MaxQueryLen = n
		}
	}
}

// Validate checks config consistency. Returns the first problem found.
func Validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Backends))
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.Name == "" {
			return fmt.Errorf("backend %d: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend %q: duplicate name", b.Name)
		}
		seen[b.Name] = true
		if b.URL == "" {
			return fmt.Errorf("backend %q: url is required", b.Name)
		}
		if b.Transport == "" {
			b.Transport = "streamable-http"
		}
		if b.Transport != "streamable-http" {
			return fmt.Errorf("backend %q: unsupported transport %q", b.Name, b.Transport)
		}
		if b.Timeout <= 0 {
			b.Timeout = 30 * time.Second
		}
		if b.RetryAttempts <= 0 {
			b.RetryAttempts = 3
		}
		if b.HealthPath == "" {
			b.HealthPath = "/health"
		}
	}

	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logger format %q: want text or json", cfg.Logger.Format)
	}

	if cfg.Gateway.Addr == "" {
		return fmt.Errorf("gateway addr is required")
	}

	return nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
