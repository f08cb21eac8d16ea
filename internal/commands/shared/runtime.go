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

package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tombee/relay/internal/config"
	relaylog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/tracing"
	"github.com/tombee/relay/pkg/client"
	"github.com/tombee/relay/pkg/identity"
)

// Runtime is everything a command needs to make calls: configuration,
// logging, tracing, metrics and a client.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Tracing  *tracing.Provider
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Client   *client.Client
	// Credentials is nil unless the configured source yields AWS-style
	// credentials.
	Credentials identity.Provider

	logFile io.Closer
}

// NewRuntime loads configuration from the global flags and builds a
// client. Diagnostics go to stderr. Close must be called when done.
func NewRuntime(ctx context.Context, stderr io.Writer, opts ...client.Option) (*Runtime, error) {
	if err := loadEnvFile(envFileFlag); err != nil {
		return nil, NewConfigError("failed to load env file", err)
	}

	path := configFlag
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, applyFlags)
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}

	lc := cfg.LogConfig()
	lc.Output = stderr
	var logFile io.WriteCloser
	if cfg.Log.File != "" {
		logFile = relaylog.RotatingFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
		lc.Output = logFile
	}
	if verboseFlag {
		lc.Level = "debug"
	}
	lc.Masker = relaylog.NewMasker()
	lc.Masker.AddSecretsFromEnv(os.Environ())
	lc.Masker.AddSecret(cfg.Credentials.ClientSecret)
	logger := relaylog.New(lc)

	tp, err := tracing.NewProvider(ctx, cfg.TracingConfig("relay", version), stderr)
	if err != nil {
		return nil, NewConfigError("failed to set up tracing", err)
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Tracing:  tp,
		Registry: prometheus.NewRegistry(),
		logFile:  logFile,
	}
	rt.Metrics = metrics.New(rt.Registry)

	authOpts, creds, err := credentialOptions(ctx, cfg, logger)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, NewCallError("failed to set up credentials", err)
	}
	rt.Credentials = creds

	cc, err := cfg.ClientConfig()
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, NewConfigError("invalid client configuration", err)
	}
	all := append(authOpts,
		client.WithLogger(logger),
		client.WithTracer(tp.Tracer("github.com/tombee/relay")),
		client.WithInstrumentation(rt.Metrics),
	)
	rt.Client, err = client.New(cc, append(all, opts...)...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, NewConfigError("failed to create client", err)
	}
	return rt, nil
}

func applyFlags(c *config.Config) {
	if regionFlag != "" {
		c.Region = regionFlag
	}
	if endpointFlag != "" {
		c.Endpoint = endpointFlag
	}
}

// Close releases connections, flushes spans and closes the log file.
func (r *Runtime) Close(ctx context.Context) error {
	r.Client.Close()
	err := r.Tracing.Shutdown(ctx)
	if r.logFile != nil {
		err = errors.Join(err, r.logFile.Close())
	}
	return err
}

// loadEnvFile loads path into the environment without overriding
// variables that are already set. With no path, .env in the working
// directory is loaded when it exists.
func loadEnvFile(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	err := godotenv.Load(".env")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func credentialOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]client.Option, identity.Provider, error) {
	c := cfg.Credentials
	tokenCfg := identity.TokenCacheConfig{LoadTimeout: c.LoadTimeout, Logger: logger}

	switch c.Source {
	case config.SourceNone:
		return nil, nil, nil
	case config.SourceEnv:
		p := identity.EnvProvider{}
		return []client.Option{client.WithCredentials(p)}, p, nil
	case config.SourceIMDSToken:
		tokens := identity.NewTokenCache(&identity.IMDSTokenLoader{Endpoint: c.IMDSEndpoint}, tokenCfg)
		return []client.Option{client.WithBearerTokens(tokens)}, nil, nil
	case config.SourceOAuth2Client:
		loader := identity.ClientCredentialsLoader{Config: &clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
		}}
		return []client.Option{client.WithBearerTokens(identity.NewTokenCache(loader, tokenCfg))}, nil, nil
	case config.SourceDefault, "":
		p, err := identity.NewDefaultAWSProvider(ctx, cfg.Region)
		if err != nil {
			return nil, nil, err
		}
		return []client.Option{client.WithCredentials(p)}, p, nil
	}
	return nil, nil, fmt.Errorf("unknown credentials source %q", c.Source)
}
