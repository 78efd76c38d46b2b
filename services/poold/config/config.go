package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	telemetry "tickpool/observability/otel"
)

// envOTLPHeaders is the standard OTLP exporter header variable. Entries in
// the file take precedence.
const envOTLPHeaders = "OTEL_EXPORTER_OTLP_HEADERS"

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for poold.
type Config struct {
	ListenAddress     string               `yaml:"listen"`
	PoolConfig        string               `yaml:"pool_config"`
	Environment       string               `yaml:"environment"`
	ReadHeaderTimeout Duration             `yaml:"read_header_timeout"`
	ShutdownTimeout   Duration             `yaml:"shutdown_timeout"`
	Log               LogConfig            `yaml:"log"`
	Auth              AuthConfig           `yaml:"auth"`
	RateLimits        map[string]RateLimit `yaml:"rate_limits"`
	CORS              CORSConfig           `yaml:"cors"`
	Telemetry         TelemetryConfig      `yaml:"telemetry"`
}

// LogConfig selects the log level and optional rotated file output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// AuthConfig configures JWT caller authentication.
type AuthConfig struct {
	Enabled       bool     `yaml:"enabled"`
	HMACSecret    string   `yaml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	WriteScope    string   `yaml:"write_scope"`
	OptionalPaths []string `yaml:"optional_paths"`
}

// RateLimit is a token bucket for one route group (read or write).
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Headers     map[string]string `yaml:"headers"`
	LogRequests bool              `yaml:"log_requests"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.PoolConfig == "" {
		cfg.PoolConfig = "services/poold/pool.toml"
	}
	if cfg.ReadHeaderTimeout.Duration == 0 {
		cfg.ReadHeaderTimeout.Duration = 5 * time.Second
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimit{}
	}
	if raw := strings.TrimSpace(os.Getenv(envOTLPHeaders)); raw != "" {
		if cfg.Telemetry.Headers == nil {
			cfg.Telemetry.Headers = map[string]string{}
		}
		for key, value := range telemetry.ParseHeaders(raw) {
			if _, set := cfg.Telemetry.Headers[key]; !set {
				cfg.Telemetry.Headers[key] = value
			}
		}
	}
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	if a.HMACSecret == "" && strings.TrimSpace(a.HMACSecretEnv) != "" {
		a.HMACSecret = strings.TrimSpace(os.Getenv(strings.TrimSpace(a.HMACSecretEnv)))
	}
	if a.Enabled && a.HMACSecret == "" {
		return errors.New("hmac secret required when auth is enabled")
	}
	return nil
}

func validate(cfg Config) error {
	for group, limit := range cfg.RateLimits {
		if group != "read" && group != "write" {
			return fmt.Errorf("rate_limits: unknown group %q", group)
		}
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limits.%s: requests_per_minute must be positive", group)
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}
