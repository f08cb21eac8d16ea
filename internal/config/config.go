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

// Package config loads relay configuration from a YAML file and the
// environment and converts it into runtime configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	relaylog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/tracing"
	"github.com/tombee/relay/pkg/client"
	"github.com/tombee/relay/pkg/health"
	"github.com/tombee/relay/pkg/identity"
	"github.com/tombee/relay/pkg/orchestrator"
	"github.com/tombee/relay/pkg/retry"
	"github.com/tombee/relay/pkg/transport"
)

// ErrInvalidConfig is wrapped by validation failures.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Credential sources accepted in credentials.source.
const (
	SourceDefault      = "default"
	SourceEnv          = "env"
	SourceNone         = "none"
	SourceIMDSToken    = "imds-token"
	SourceOAuth2Client = "oauth2-client-credentials"
)

// Config is the complete relay configuration.
type Config struct {
	Region       string `yaml:"region"`
	Service      string `yaml:"service"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	UseFIPS      bool   `yaml:"use_fips"`
	UseDualStack bool   `yaml:"use_dual_stack"`
	AppName      string `yaml:"app_name,omitempty"`

	Retry         RetryConfig         `yaml:"retry"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	StalledStream StalledStreamConfig `yaml:"stalled_stream"`
	Transport     TransportConfig     `yaml:"transport"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Log           LogConfig           `yaml:"log"`
	Tracing       TracingConfig       `yaml:"tracing"`
}

// RetryConfig configures retries.
type RetryConfig struct {
	// Mode is "standard" or "adaptive".
	Mode           string        `yaml:"mode"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// ReconnectMode is "reconnect_on_transient_error" or
	// "reuse_all_connections".
	ReconnectMode   string `yaml:"reconnect_mode"`
	StrictPoisoning bool   `yaml:"strict_poisoning"`
}

// TimeoutsConfig bounds calls. Zero disables a timeout.
type TimeoutsConfig struct {
	Operation time.Duration `yaml:"operation"`
	Attempt   time.Duration `yaml:"attempt"`
}

// StalledStreamConfig configures minimum-throughput protection.
type StalledStreamConfig struct {
	Upload        bool          `yaml:"upload"`
	Download      bool          `yaml:"download"`
	MinThroughput float64       `yaml:"min_throughput"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	CheckInterval time.Duration `yaml:"check_interval"`
	CheckWindow   time.Duration `yaml:"check_window"`
}

// TransportConfig configures the HTTP connection pool.
type TransportConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
}

// CredentialsConfig selects where credentials or tokens come from.
type CredentialsConfig struct {
	// Source is default, env, none, imds-token or
	// oauth2-client-credentials.
	Source       string        `yaml:"source"`
	LoadTimeout  time.Duration `yaml:"load_timeout"`
	Buffer       time.Duration `yaml:"buffer"`
	IMDSEndpoint string        `yaml:"imds_endpoint,omitempty"`
	TokenURL     string        `yaml:"token_url,omitempty"`
	ClientID     string        `yaml:"client_id,omitempty"`
	// ClientSecret is read from RELAY_CLIENT_SECRET when empty.
	ClientSecret string   `yaml:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
	// File sends logs to a rotating file instead of stderr.
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled    bool              `yaml:"enabled"`
	SampleRate float64           `yaml:"sample_rate"`
	Exporter   string            `yaml:"exporter"`
	Endpoint   string            `yaml:"endpoint,omitempty"`
	Insecure   bool              `yaml:"insecure"`
	Headers    map[string]string `yaml:"headers,omitempty"`
}

// ConfigError describes a configuration problem.
type ConfigError struct {
	// Key is the configuration key with the problem, or the loading step.
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Default returns the configuration used when nothing is set.
func Default() *Config {
	r := retry.DefaultConfig()
	s := health.DefaultStallConfig()
	t := transport.DefaultConfig()
	c := identity.DefaultCacheConfig()
	tr := tracing.DefaultConfig()
	return &Config{
		Retry: RetryConfig{
			Mode:           string(r.Mode),
			MaxAttempts:    r.MaxAttempts,
			InitialBackoff: r.InitialBackoff,
			MaxBackoff:     r.MaxBackoff,
			ReconnectMode:  r.ReconnectMode.String(),
		},
		StalledStream: StalledStreamConfig{
			Upload:        s.Upload,
			Download:      s.Download,
			MinThroughput: s.MinThroughput,
			GracePeriod:   s.GracePeriod,
			CheckInterval: s.CheckInterval,
			CheckWindow:   s.CheckWindow,
		},
		Transport: TransportConfig{
			ConnectTimeout:        t.ConnectTimeout,
			TLSHandshakeTimeout:   t.TLSHandshakeTimeout,
			ResponseHeaderTimeout: t.ResponseHeaderTimeout,
			IdleConnTimeout:       t.IdleConnTimeout,
			MaxIdleConns:          t.MaxIdleConns,
			MaxIdleConnsPerHost:   t.MaxIdleConnsPerHost,
		},
		Credentials: CredentialsConfig{
			Source:      SourceDefault,
			LoadTimeout: c.LoadTimeout,
			Buffer:      c.Buffer,
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(relaylog.FormatText),
		},
		Tracing: TracingConfig{
			SampleRate: tr.SampleRate,
			Exporter:   tr.Exporter,
		},
	}
}

// Load reads configPath (optional), applies environment overrides and then
// overrides, and validates the result.
func Load(configPath string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, &ConfigError{Key: "environment", Reason: "invalid override", Cause: err}
	}
	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv applies environment overrides. RELAY_* variables win over
// their AWS_* counterparts.
func (c *Config) loadFromEnv() error {
	if val := firstEnv("RELAY_REGION", "AWS_REGION", "AWS_DEFAULT_REGION"); val != "" {
		c.Region = val
	}
	if val := os.Getenv("RELAY_SERVICE"); val != "" {
		c.Service = val
	}
	if val := firstEnv("RELAY_ENDPOINT", "AWS_ENDPOINT_URL"); val != "" {
		c.Endpoint = val
	}
	if val := os.Getenv("RELAY_APP_NAME"); val != "" {
		c.AppName = val
	}
	if val := firstEnv("RELAY_MAX_ATTEMPTS", "AWS_MAX_ATTEMPTS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("max attempts %q is not a number: %w", val, err)
		}
		c.Retry.MaxAttempts = n
	}
	if val := firstEnv("RELAY_RETRY_MODE", "AWS_RETRY_MODE"); val != "" {
		c.Retry.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("RELAY_USE_FIPS_ENDPOINT"); val != "" {
		c.UseFIPS = parseBool(val)
	}
	if val := os.Getenv("RELAY_USE_DUALSTACK_ENDPOINT"); val != "" {
		c.UseDualStack = parseBool(val)
	}
	if val := os.Getenv("RELAY_CREDENTIALS_SOURCE"); val != "" {
		c.Credentials.Source = strings.ToLower(val)
	}
	if c.Credentials.ClientSecret == "" {
		c.Credentials.ClientSecret = os.Getenv("RELAY_CLIENT_SECRET")
	}

	if val := firstEnv("RELAY_LOG_LEVEL", "LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := firstEnv("RELAY_LOG_FORMAT", "LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := firstEnv("RELAY_LOG_SOURCE", "LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}
	if val := os.Getenv("RELAY_LOG_FILE"); val != "" {
		c.Log.File = val
	}
	if val := os.Getenv("RELAY_DEBUG"); parseBool(val) {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	}

	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" && c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = val
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

// Validate checks the configuration by converting it and validating the
// runtime configuration it produces.
func (c *Config) Validate() error {
	var errs []error
	cc, err := c.ClientConfig()
	if err != nil {
		errs = append(errs, err)
	} else if err := cc.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Credentials.Source {
	case SourceDefault, SourceEnv, SourceNone, SourceIMDSToken:
	case SourceOAuth2Client:
		if c.Credentials.TokenURL == "" || c.Credentials.ClientID == "" {
			errs = append(errs, errors.New("credentials.token_url and credentials.client_id are required for oauth2-client-credentials"))
		}
	default:
		errs = append(errs, fmt.Errorf("credentials.source must be one of %s, %s, %s, %s, %s, got %q",
			SourceDefault, SourceEnv, SourceNone, SourceIMDSToken, SourceOAuth2Client, c.Credentials.Source))
	}

	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		errs = append(errs, fmt.Errorf("log.max_size_mb and log.max_backups must be non-negative, got %d and %d", c.Log.MaxSizeMB, c.Log.MaxBackups))
	}

	switch relaylog.Format(c.Log.Format) {
	case relaylog.FormatJSON, relaylog.FormatText:
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if err := c.TracingConfig("", "").Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ClientConfig converts the file configuration into a client.Config.
func (c *Config) ClientConfig() (client.Config, error) {
	mode, err := retry.ParseMode(c.Retry.Mode)
	if err != nil {
		return client.Config{}, err
	}
	reconnect, err := parseReconnectMode(c.Retry.ReconnectMode)
	if err != nil {
		return client.Config{}, err
	}

	cfg := client.DefaultConfig()
	cfg.Region = c.Region
	cfg.Service = c.Service
	cfg.Endpoint = c.Endpoint
	cfg.UseFIPS = c.UseFIPS
	cfg.UseDualStack = c.UseDualStack
	cfg.AppName = c.AppName
	cfg.StrictPoisoning = c.Retry.StrictPoisoning
	cfg.Retry = retry.Config{
		Mode:           mode,
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
		ReconnectMode:  reconnect,
	}
	cfg.Timeouts = orchestrator.TimeoutConfig{
		Operation:        c.Timeouts.Operation,
		OperationAttempt: c.Timeouts.Attempt,
	}
	cfg.Stall = health.StallConfig{
		Upload:        c.StalledStream.Upload,
		Download:      c.StalledStream.Download,
		MinThroughput: c.StalledStream.MinThroughput,
		GracePeriod:   c.StalledStream.GracePeriod,
		CheckInterval: c.StalledStream.CheckInterval,
		CheckWindow:   c.StalledStream.CheckWindow,
	}
	cfg.Transport.ConnectTimeout = c.Transport.ConnectTimeout
	cfg.Transport.TLSHandshakeTimeout = c.Transport.TLSHandshakeTimeout
	cfg.Transport.ResponseHeaderTimeout = c.Transport.ResponseHeaderTimeout
	cfg.Transport.IdleConnTimeout = c.Transport.IdleConnTimeout
	cfg.Transport.MaxIdleConns = c.Transport.MaxIdleConns
	cfg.Transport.MaxIdleConnsPerHost = c.Transport.MaxIdleConnsPerHost
	cfg.Credentials.LoadTimeout = c.Credentials.LoadTimeout
	cfg.Credentials.Buffer = c.Credentials.Buffer
	return cfg, nil
}

func parseReconnectMode(s string) (retry.ReconnectMode, error) {
	switch s {
	case "", retry.ReconnectOnTransientError.String():
		return retry.ReconnectOnTransientError, nil
	case retry.ReuseAllConnections.String():
		return retry.ReuseAllConnections, nil
	}
	return 0, fmt.Errorf("retry.reconnect_mode must be %q or %q, got %q",
		retry.ReconnectOnTransientError, retry.ReuseAllConnections, s)
}

// LogConfig converts the log section for internal/log.
func (c *Config) LogConfig() *relaylog.Config {
	cfg := relaylog.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = relaylog.Format(c.Log.Format)
	cfg.AddSource = c.Log.AddSource
	return cfg
}

// TracingConfig converts the tracing section for internal/tracing.
func (c *Config) TracingConfig(serviceName, version string) tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Enabled = c.Tracing.Enabled
	cfg.SampleRate = c.Tracing.SampleRate
	cfg.Exporter = c.Tracing.Exporter
	cfg.Endpoint = c.Tracing.Endpoint
	cfg.Insecure = c.Tracing.Insecure
	cfg.Headers = c.Tracing.Headers
	if serviceName != "" {
		cfg.ServiceName = serviceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}
