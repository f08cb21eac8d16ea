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

// Package client assembles the runtime into a service client.
//
// A Client owns one orchestrator, one retry token bucket and one HTTP
// connection pool. Operations are described with the generic Operation type
// and run with Invoke:
//
//	c, err := client.New(cfg, client.WithCredentials(identity.EnvProvider{}))
//	out, err := client.Invoke(ctx, c, getThing, &GetThingInput{ID: "42"})
package client

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/relay/pkg/auth"
	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/endpoint"
	"github.com/tombee/relay/pkg/health"
	"github.com/tombee/relay/pkg/identity"
	"github.com/tombee/relay/pkg/orchestrator"
	"github.com/tombee/relay/pkg/retry"
	"github.com/tombee/relay/pkg/transport"
)

// Version is reported in the User-Agent.
const Version = "0.1.0"

// Instrumentation receives runtime telemetry. internal/metrics implements it.
type Instrumentation interface {
	retry.Observer
	CredentialLoadObserver() identity.LoadObserver
	PoisonObserver() health.PoisonObserver
	StallObserver() health.StallObserver
	Interceptor() orchestrator.Interceptor
	RegisterBucket(*retry.TokenBucket) error
}

type options struct {
	credentials     identity.Provider
	tokens          *identity.TokenCache
	authenticator   orchestrator.Authenticator
	connector       orchestrator.Connector
	resolver        endpoint.Resolver
	interceptors    []orchestrator.Interceptor
	bucket          *retry.TokenBucket
	logger          *slog.Logger
	tracer          trace.Tracer
	instrumentation Instrumentation
	jitter          func() float64
	invocationID    func() string
}

// Option configures a Client.
type Option func(*options)

// WithCredentials signs requests with SigV4 using credentials from p. The
// provider is wrapped in an identity.Cache.
func WithCredentials(p identity.Provider) Option {
	return func(o *options) { o.credentials = p }
}

// WithBearerTokens authenticates with tokens from cache instead of SigV4.
func WithBearerTokens(cache *identity.TokenCache) Option {
	return func(o *options) { o.tokens = cache }
}

// WithAuthenticator replaces request authentication entirely.
func WithAuthenticator(a orchestrator.Authenticator) Option {
	return func(o *options) { o.authenticator = a }
}

// WithConnector replaces the HTTP connector.
func WithConnector(c orchestrator.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithResolver replaces the regional endpoint resolver.
func WithResolver(r endpoint.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithInterceptors adds interceptors after the built-in ones.
func WithInterceptors(i ...orchestrator.Interceptor) Option {
	return func(o *options) { o.interceptors = append(o.interceptors, i...) }
}

// WithTokenBucket shares a retry token bucket between clients.
func WithTokenBucket(b *retry.TokenBucket) Option {
	return func(o *options) { o.bucket = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer sets the tracer used for call and attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithInstrumentation reports telemetry to i.
func WithInstrumentation(i Instrumentation) Option {
	return func(o *options) { o.instrumentation = i }
}

// WithJitter replaces the random source for retry backoff.
func WithJitter(fn func() float64) Option {
	return func(o *options) { o.jitter = fn }
}

// WithInvocationIDs replaces the invocation id generator.
func WithInvocationIDs(fn func() string) Option {
	return func(o *options) { o.invocationID = fn }
}

// Client runs operations against one service. It is safe for concurrent use.
type Client struct {
	config Config
	orch   *orchestrator.Orchestrator
	bucket *retry.TokenBucket
	owned  *transport.HTTPConnector
	logger *slog.Logger
}

// New creates a client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("component", "client")

	c := &Client{config: cfg, logger: logger}

	connector := o.connector
	if connector == nil {
		hc, err := transport.New(cfg.Transport, o.logger)
		if err != nil {
			return nil, fmt.Errorf("create connector: %w", err)
		}
		c.owned = hc
		connector = hc
	}

	resolver := o.resolver
	if resolver == nil {
		resolver = endpoint.NewRegionalResolver()
	}

	c.bucket = o.bucket
	if c.bucket == nil {
		c.bucket = retry.NewTokenBucket(retry.DefaultCapacity)
	}
	strategyOpts := []retry.Option{retry.WithTokenBucket(c.bucket), retry.WithLogger(o.logger)}
	if o.jitter != nil {
		strategyOpts = append(strategyOpts, retry.WithJitter(o.jitter))
	}
	if o.instrumentation != nil {
		strategyOpts = append(strategyOpts, retry.WithObserver(o.instrumentation))
		if err := o.instrumentation.RegisterBucket(c.bucket); err != nil {
			return nil, fmt.Errorf("register token bucket: %w", err)
		}
	}
	strategy, err := retry.NewStandardStrategy(cfg.Retry, strategyOpts...)
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Components{
		Connector:        connector,
		EndpointResolver: resolver,
		Auth:             authenticator(cfg, o),
		RetryStrategy:    strategy,
		Interceptors:     interceptors(cfg, o),
		Config:           baseLayer(cfg),
		Logger:           o.logger,
		Tracer:           o.tracer,
	})
	if err != nil {
		return nil, err
	}
	c.orch = orch

	logger.Debug("client created",
		"service", cfg.Service,
		"region", cfg.Region,
		"retry_mode", cfg.Retry.Mode,
		"max_attempts", cfg.Retry.MaxAttempts)
	return c, nil
}

func authenticator(cfg Config, o *options) orchestrator.Authenticator {
	switch {
	case o.authenticator != nil:
		return o.authenticator
	case o.tokens != nil:
		return &auth.BearerScheme{Tokens: o.tokens}
	case o.credentials != nil:
		provider := o.credentials
		if _, cached := provider.(*identity.Cache); !cached {
			cacheOpts := []identity.CacheOption{
				identity.WithCacheConfig(cfg.Credentials),
				identity.WithCacheLogger(o.logger),
			}
			if o.instrumentation != nil {
				cacheOpts = append(cacheOpts, identity.WithLoadObserver(o.instrumentation.CredentialLoadObserver()))
			}
			provider = identity.NewCache(provider, cacheOpts...)
		}
		return auth.NewSigV4Scheme(provider)
	default:
		return nil
	}
}

func interceptors(cfg Config, o *options) []orchestrator.Interceptor {
	var stallObserver health.StallObserver
	poisonOpts := []health.PoisoningOption{health.WithPoisoningLogger(o.logger)}
	if cfg.StrictPoisoning {
		poisonOpts = append(poisonOpts, health.WithStrictPoisoning())
	}
	if o.instrumentation != nil {
		stallObserver = o.instrumentation.StallObserver()
		poisonOpts = append(poisonOpts, health.WithPoisonObserver(o.instrumentation.PoisonObserver()))
	}

	list := []orchestrator.Interceptor{
		newInvocationIDInterceptor(o.invocationID),
		requestInfoInterceptor{},
		newUserAgentInterceptor(cfg.AppName),
		health.NewStalledStreamInterceptor(cfg.Stall, stallObserver, o.logger),
		health.NewPoisoningInterceptor(poisonOpts...),
	}
	if o.instrumentation != nil {
		list = append(list, o.instrumentation.Interceptor())
	}
	return append(list, o.interceptors...)
}

func baseLayer(cfg Config) *configbag.FrozenLayer {
	layer := configbag.NewLayer("client")
	configbag.Put(layer, cfg.Retry)
	configbag.Put(layer, cfg.Timeouts)
	configbag.Put(layer, cfg.Stall)
	configbag.Put(layer, endpoint.Params{
		Service:      cfg.Service,
		Region:       cfg.Region,
		UseFIPS:      cfg.UseFIPS,
		UseDualStack: cfg.UseDualStack,
		Endpoint:     cfg.Endpoint,
	})
	configbag.Put(layer, auth.SigningParams{Service: cfg.Service, Region: cfg.Region})
	return layer.Freeze()
}

// Config returns the client's configuration.
func (c *Client) Config() Config { return c.config }

// TokenBucket returns the retry token bucket.
func (c *Client) TokenBucket() *retry.TokenBucket { return c.bucket }

// Close releases idle connections held by a connector the client created.
func (c *Client) Close() {
	if c.owned != nil {
		c.owned.CloseIdleConnections()
	}
}

// CallOption adjusts the configuration of one call.
type CallOption func(*configbag.Layer)

// WithRetry overrides the retry configuration for one call.
func WithRetry(cfg retry.Config) CallOption {
	return func(l *configbag.Layer) { configbag.Put(l, cfg) }
}

// WithTimeouts overrides the timeouts for one call.
func WithTimeouts(t orchestrator.TimeoutConfig) CallOption {
	return func(l *configbag.Layer) { configbag.Put(l, t) }
}

// WithStallConfig overrides stalled-stream protection for one call.
func WithStallConfig(s health.StallConfig) CallOption {
	return func(l *configbag.Layer) { configbag.Put(l, s) }
}

// WithValue stores an arbitrary typed value in the call configuration.
func WithValue[T any](v T) CallOption {
	return func(l *configbag.Layer) { configbag.Put(l, v) }
}

// InvokeRaw runs an untyped operation.
func (c *Client) InvokeRaw(ctx context.Context, op orchestrator.Operation, input any, opts ...CallOption) (any, error) {
	if len(opts) > 0 {
		layer := op.Config.Extend("call")
		for _, opt := range opts {
			opt(layer)
		}
		op.Config = layer.Freeze()
	}
	return c.orch.Invoke(ctx, op, input)
}
