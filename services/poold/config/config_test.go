package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poold.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeYAML(t, "environment: dev\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7090" || cfg.ShutdownTimeout.Duration != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Log.Level != "info" || cfg.RateLimits == nil {
		t.Fatalf("log/rate defaults missing: %+v", cfg)
	}
}

func TestLoadParsesSections(t *testing.T) {
	t.Setenv("POOLD_TEST_SECRET", " s3cret ")
	cfg, err := Load(writeYAML(t, `
listen: 127.0.0.1:9000
pool_config: /etc/pool/pool.toml
shutdown_timeout: 3s
log:
  level: debug
  file: /var/log/poold.log
auth:
  enabled: true
  hmac_secret_env: POOLD_TEST_SECRET
  write_scope: pool:write
  optional_paths: ["/v1/nodes"]
rate_limits:
  write:
    requests_per_minute: 30
    burst: 5
telemetry:
  traces: true
  sample_ratio: 0.25
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.HMACSecret != "s3cret" {
		t.Fatalf("secret not resolved from env: %q", cfg.Auth.HMACSecret)
	}
	if cfg.ShutdownTimeout.Duration != 3*time.Second || cfg.RateLimits["write"].Burst != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Telemetry.SampleRatio != 0.25 || !cfg.Telemetry.Traces {
		t.Fatalf("telemetry not parsed: %+v", cfg.Telemetry)
	}
}

func TestLoadMergesOTLPHeaderEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "api-key=from-env, tenant=pool")
	cfg, err := Load(writeYAML(t, "telemetry:\n  headers:\n    api-key: from-file\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telemetry.Headers["api-key"] != "from-file" || cfg.Telemetry.Headers["tenant"] != "pool" {
		t.Fatalf("unexpected headers: %v", cfg.Telemetry.Headers)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":      "bogus: 1\n",
		"bad duration":       "shutdown_timeout: soon\n",
		"auth without key":   "auth:\n  enabled: true\n",
		"unknown rate group": "rate_limits:\n  admin:\n    requests_per_minute: 1\n",
		"zero rate":          "rate_limits:\n  read:\n    requests_per_minute: 0\n",
		"sample ratio":       "telemetry:\n  sample_ratio: 2\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeYAML(t, contents)); err == nil {
				t.Fatalf("expected %s to fail", name)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "open config") {
		t.Fatalf("expected open error, got %v", err)
	}
}
