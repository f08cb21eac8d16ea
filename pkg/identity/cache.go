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

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Defaults for Cache.
const (
	DefaultLoadTimeout  = 5 * time.Second
	DefaultExpiration   = 15 * time.Minute
	DefaultBuffer       = 10 * time.Second
	DefaultBufferJitter = 0.5
)

// CacheConfig configures a credentials Cache.
type CacheConfig struct {
	// LoadTimeout bounds one provider call.
	LoadTimeout time.Duration
	// DefaultExpiration applies to credentials that report no expiry.
	DefaultExpiration time.Duration
	// Buffer is the refresh window before expiry.
	Buffer time.Duration
	// BufferJitter adds up to this fraction of Buffer, chosen at random per
	// load, so that many clients do not refresh in lockstep.
	BufferJitter float64
}

// DefaultCacheConfig returns the default cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		LoadTimeout:       DefaultLoadTimeout,
		DefaultExpiration: DefaultExpiration,
		Buffer:            DefaultBuffer,
		BufferJitter:      DefaultBufferJitter,
	}
}

// Validate checks the cache settings.
func (c CacheConfig) Validate() error {
	if c.LoadTimeout <= 0 {
		return fmt.Errorf("load_timeout must be > 0, got %v", c.LoadTimeout)
	}
	if c.DefaultExpiration <= 0 {
		return fmt.Errorf("default_expiration must be > 0, got %v", c.DefaultExpiration)
	}
	if c.Buffer < 0 {
		return fmt.Errorf("buffer must not be negative, got %v", c.Buffer)
	}
	if c.BufferJitter < 0 || c.BufferJitter > 1 {
		return fmt.Errorf("buffer_jitter must be between 0 and 1, got %v", c.BufferJitter)
	}
	return nil
}

// LoadObserver is told about every provider call the cache makes.
type LoadObserver func(err error, elapsed time.Duration)

// Cache wraps a Provider with expiry-aware caching and coalesced loads.
// It implements Provider and is safe for concurrent use.
type Cache struct {
	provider Provider
	cfg      CacheConfig
	cache    *ExpiringCache[Credentials]
	observer LoadObserver
	jitter   func() float64
	now      func() time.Time
	logger   *slog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheConfig overrides the default settings.
func WithCacheConfig(cfg CacheConfig) CacheOption {
	return func(c *Cache) { c.cfg = cfg }
}

// WithLoadObserver registers fn for provider calls.
func WithLoadObserver(fn LoadObserver) CacheOption {
	return func(c *Cache) { c.observer = fn }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache wraps provider.
func NewCache(provider Provider, opts ...CacheOption) *Cache {
	c := &Cache{
		provider: provider,
		cfg:      DefaultCacheConfig(),
		jitter:   rand.Float64,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "credentials_cache")
	c.cache = NewExpiringCache[Credentials](ExpiringCacheConfig{
		Buffer:      c.cfg.Buffer,
		LoadTimeout: c.cfg.LoadTimeout,
		Now:         c.now,
		Logger:      c.logger,
	})
	return c
}

// Retrieve returns cached credentials, loading them from the provider when
// needed.
func (c *Cache) Retrieve(ctx context.Context) (Credentials, error) {
	return c.cache.GetOrLoad(ctx, c.load)
}

// Invalidate forces the next Retrieve to load.
func (c *Cache) Invalidate() { c.cache.Invalidate() }

func (c *Cache) load(ctx context.Context) (Credentials, time.Time, error) {
	start := c.now()
	creds, err := c.provider.Retrieve(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !IsNotConfigured(err) {
		err = &ProviderError{Kind: ProviderTimedOut, Err: err}
	}
	if c.observer != nil {
		c.observer(err, c.now().Sub(start))
	}
	if err != nil {
		if IsNotConfigured(err) {
			c.logger.Debug("credentials not configured", "error", err)
		} else {
			c.logger.Warn("failed to load credentials", "error", err)
		}
		return Credentials{}, time.Time{}, err
	}

	expiry := creds.Expires
	if expiry.IsZero() {
		expiry = start.Add(c.cfg.DefaultExpiration)
	}
	// Pull the cache expiry forward by the jitter so the refresh window is
	// Buffer plus up to BufferJitter of it.
	jitter := time.Duration(c.jitter() * c.cfg.BufferJitter * float64(c.cfg.Buffer))
	expiry = expiry.Add(-jitter)

	c.logger.Debug("loaded credentials",
		"source", creds.Source,
		"expires", expiry)
	return creds, expiry, nil
}
