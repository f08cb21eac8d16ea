// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/relay/pkg/retry"
)

var configEnv = []string{
	"RELAY_REGION", "AWS_REGION", "AWS_DEFAULT_REGION",
	"RELAY_SERVICE", "RELAY_ENDPOINT", "AWS_ENDPOINT_URL", "RELAY_APP_NAME",
	"RELAY_MAX_ATTEMPTS", "AWS_MAX_ATTEMPTS", "RELAY_RETRY_MODE", "AWS_RETRY_MODE",
	"RELAY_USE_FIPS_ENDPOINT", "RELAY_USE_DUALSTACK_ENDPOINT",
	"RELAY_CREDENTIALS_SOURCE", "RELAY_CLIENT_SECRET",
	"RELAY_LOG_LEVEL", "LOG_LEVEL", "RELAY_LOG_FORMAT", "LOG_FORMAT",
	"RELAY_LOG_SOURCE", "LOG_SOURCE", "RELAY_LOG_FILE", "RELAY_DEBUG",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Retry.Mode != "standard" {
		t.Errorf("expected retry mode standard, got %q", cfg.Retry.Mode)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.ReconnectMode != "reconnect_on_transient_error" {
		t.Errorf("unexpected reconnect mode %q", cfg.Retry.ReconnectMode)
	}
	if cfg.Credentials.Source != SourceDefault {
		t.Errorf("expected credentials source default, got %q", cfg.Credentials.Source)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("unexpected log defaults %+v", cfg.Log)
	}
	if cfg.Tracing.Enabled {
		t.Error("expected tracing disabled by default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:   "endpoint without region",
			modify: func(c *Config) { c.Region = ""; c.Endpoint = "http://localhost:8080" },
		},
		{
			name:    "unknown retry mode",
			modify:  func(c *Config) { c.Retry.Mode = "legacy" },
			wantErr: "legacy",
		},
		{
			name:    "unknown reconnect mode",
			modify:  func(c *Config) { c.Retry.ReconnectMode = "never" },
			wantErr: "retry.reconnect_mode",
		},
		{
			name:    "unknown credentials source",
			modify:  func(c *Config) { c.Credentials.Source = "vault" },
			wantErr: "credentials.source",
		},
		{
			name:    "oauth2 without token url",
			modify:  func(c *Config) { c.Credentials.Source = SourceOAuth2Client; c.Credentials.ClientID = "id" },
			wantErr: "credentials.token_url",
		},
		{
			name:    "negative log rotation",
			modify:  func(c *Config) { c.Log.MaxBackups = -1 },
			wantErr: "log.max_backups",
		},
		{
			name:    "bad log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "tracing without endpoint",
			modify:  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" },
			wantErr: "endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Region = "us-east-1"
			cfg.Service = "things"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("RELAY_REGION", "us-west-2")
	t.Setenv("RELAY_SERVICE", "things")
	t.Setenv("AWS_MAX_ATTEMPTS", "5")
	t.Setenv("RELAY_RETRY_MODE", "ADAPTIVE")
	t.Setenv("RELAY_USE_FIPS_ENDPOINT", "true")
	t.Setenv("RELAY_CLIENT_SECRET", "s3cret")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("RELAY_DEBUG", "1")
	t.Setenv("RELAY_LOG_FILE", "/var/log/relay.log")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Region != "us-west-2" {
		t.Errorf("expected RELAY_REGION to win, got %q", cfg.Region)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected 5 max attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Mode != "adaptive" {
		t.Errorf("expected adaptive, got %q", cfg.Retry.Mode)
	}
	if !cfg.UseFIPS {
		t.Error("expected use_fips true")
	}
	if cfg.Credentials.ClientSecret != "s3cret" {
		t.Error("expected client secret from environment")
	}
	if cfg.Log.Level != "debug" || !cfg.Log.AddSource || cfg.Log.Format != "json" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Log.File != "/var/log/relay.log" {
		t.Errorf("expected log file from environment, got %q", cfg.Log.File)
	}
}

func TestLoadFromEnv_BadNumber(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("RELAY_REGION", "us-west-2")
	t.Setenv("RELAY_SERVICE", "things")
	t.Setenv("RELAY_MAX_ATTEMPTS", "three")

	_, err := Load("")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Key != "environment" {
		t.Errorf("expected key environment, got %q", cfgErr.Key)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearConfigEnv(t)
	path := writeConfig(t, `
region: ap-southeast-2
service: things
app_name: inventory
retry:
  mode: standard
  max_attempts: 4
  initial_backoff: 50ms
  max_backoff: 2s
  reconnect_mode: reuse_all_connections
timeouts:
  operation: 30s
  attempt: 5s
stalled_stream:
  upload: true
  download: true
  min_throughput: 1
  grace_period: 10s
  check_interval: 1s
  check_window: 5s
credentials:
  source: env
log:
  level: warn
  format: json
tracing:
  enabled: true
  exporter: otlp-http
  endpoint: localhost:4318
  insecure: true
  sample_rate: 0.5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cc, err := cfg.ClientConfig()
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	if cc.Region != "ap-southeast-2" || cc.AppName != "inventory" {
		t.Errorf("unexpected client config %+v", cc)
	}
	if cc.Retry.MaxAttempts != 4 || cc.Retry.InitialBackoff != 50*time.Millisecond {
		t.Errorf("unexpected retry config %+v", cc.Retry)
	}
	if cc.Retry.ReconnectMode != retry.ReuseAllConnections {
		t.Errorf("expected reuse_all_connections, got %v", cc.Retry.ReconnectMode)
	}
	if cc.Timeouts.Operation != 30*time.Second || cc.Timeouts.OperationAttempt != 5*time.Second {
		t.Errorf("unexpected timeouts %+v", cc.Timeouts)
	}
	if cc.Stall.GracePeriod != 10*time.Second || !cc.Stall.Upload {
		t.Errorf("unexpected stall config %+v", cc.Stall)
	}
	// Unset sections keep their defaults.
	if cc.Transport.MaxIdleConns != 100 {
		t.Errorf("expected default max idle conns, got %d", cc.Transport.MaxIdleConns)
	}

	lc := cfg.LogConfig()
	if lc.Level != "warn" || lc.Format != "json" {
		t.Errorf("unexpected log config %+v", lc)
	}

	tc := cfg.TracingConfig("relay", "1.2.3")
	if !tc.Enabled || tc.Exporter != "otlp-http" || tc.SampleRate != 0.5 {
		t.Errorf("unexpected tracing config %+v", tc)
	}
	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("expected service version 1.2.3, got %q", tc.ServiceVersion)
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	clearConfigEnv(t)
	path := writeConfig(t, "region: eu-west-1\nservice: things\nlog:\n  level: warn\n")
	t.Setenv("RELAY_REGION", "us-east-2")
	t.Setenv("RELAY_LOG_LEVEL", "error")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Region != "us-east-2" {
		t.Errorf("expected environment to override file, got %q", cfg.Region)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected log level error, got %q", cfg.Log.Level)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantKey string
	}{
		{"invalid yaml", "region: [unclosed", "config_file"},
		{"unknown field", "regoin: us-east-1\n", "config_file"},
		{"validation", "region: us-east-1\n", "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			_, err := Load(writeConfig(t, tt.content))
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Key != tt.wantKey {
				t.Errorf("expected key %q, got %q", tt.wantKey, cfgErr.Key)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearConfigEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist in chain, got %v", err)
	}
}

func TestPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	p, err := Path()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(dir, "relay", "config.yaml"); p != want {
		t.Errorf("expected %q, got %q", want, p)
	}
	if DefaultPath() != "" {
		t.Error("expected empty default path when the file does not exist")
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("region: us-east-1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if DefaultPath() != p {
		t.Errorf("expected default path %q", p)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("RELAY_REGION", "us-east-1")

	cfg, err := Load("", func(c *Config) {
		c.Region = "eu-central-1"
		c.Service = "things"
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Region != "eu-central-1" {
		t.Errorf("expected override to win over environment, got %q", cfg.Region)
	}
}
