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
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenRefreshBuffer is how long before expiry a bearer token is
// refreshed. Tokens are short-lived so the window is wider than for
// credentials.
const DefaultTokenRefreshBuffer = 120 * time.Second

// defaultTokenLifetime applies to tokens issued without an expiry.
const defaultTokenLifetime = time.Hour

// Token is a bearer token.
type Token struct {
	Value   string
	Expires time.Time
}

// String redacts the token value.
func (t Token) String() string {
	return fmt.Sprintf("Token{Value: ** redacted **, Expires: %s}", t.Expires.UTC().Format(time.RFC3339))
}

// TokenLoader fetches a new token.
type TokenLoader interface {
	LoadToken(ctx context.Context) (Token, error)
}

// TokenLoaderFunc adapts a function to TokenLoader.
type TokenLoaderFunc func(ctx context.Context) (Token, error)

// LoadToken calls f.
func (f TokenLoaderFunc) LoadToken(ctx context.Context) (Token, error) { return f(ctx) }

// TokenCacheConfig configures a TokenCache.
type TokenCacheConfig struct {
	Buffer      time.Duration
	LoadTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// TokenCache caches a bearer token with the same coalescing and
// refresh-ahead behavior as the credentials Cache.
type TokenCache struct {
	loader TokenLoader
	cache  *ExpiringCache[Token]
	now    func() time.Time
}

// NewTokenCache wraps loader. Zero config fields take the defaults.
func NewTokenCache(loader TokenLoader, cfg TokenCacheConfig) *TokenCache {
	if cfg.Buffer == 0 {
		cfg.Buffer = DefaultTokenRefreshBuffer
	}
	if cfg.LoadTimeout == 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TokenCache{
		loader: loader,
		now:    cfg.Now,
		cache: NewExpiringCache[Token](ExpiringCacheConfig{
			Buffer:      cfg.Buffer,
			LoadTimeout: cfg.LoadTimeout,
			Now:         cfg.Now,
			Logger:      cfg.Logger.With("component", "token_cache"),
		}),
	}
}

// Token returns the cached token, loading one when needed.
func (c *TokenCache) Token(ctx context.Context) (Token, error) {
	return c.cache.GetOrLoad(ctx, func(ctx context.Context) (Token, time.Time, error) {
		tok, err := c.loader.LoadToken(ctx)
		if err != nil {
			return Token{}, time.Time{}, err
		}
		if tok.Expires.IsZero() {
			tok.Expires = c.now().Add(defaultTokenLifetime)
		}
		return tok, tok.Expires, nil
	})
}

// Invalidate drops the cached token.
func (c *TokenCache) Invalidate() { c.cache.Invalidate() }

// Instance metadata token endpoint settings.
const (
	DefaultIMDSEndpoint = "http://169.254.169.254"
	imdsTokenPath       = "/latest/api/token"
	imdsTTLHeader       = "X-aws-ec2-metadata-token-ttl-seconds"
	DefaultIMDSTokenTTL = 6 * time.Hour
)

// IMDSTokenLoader requests session tokens from an instance metadata
// service.
type IMDSTokenLoader struct {
	Endpoint string
	TTL      time.Duration
	Client   *http.Client
	Now      func() time.Time
}

// LoadToken issues PUT /latest/api/token.
func (l *IMDSTokenLoader) LoadToken(ctx context.Context) (Token, error) {
	endpoint := l.Endpoint
	if endpoint == "" {
		endpoint = DefaultIMDSEndpoint
	}
	ttl := l.TTL
	if ttl == 0 {
		ttl = DefaultIMDSTokenTTL
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, strings.TrimSuffix(endpoint, "/")+imdsTokenPath, nil)
	if err != nil {
		return Token{}, &ProviderError{Kind: InvalidConfiguration, Err: err}
	}
	req.Header.Set(imdsTTLHeader, strconv.Itoa(int(ttl.Seconds())))

	start := now()
	resp, err := client.Do(req)
	if err != nil {
		return Token{}, &ProviderError{Kind: ProviderFailed, Err: fmt.Errorf("request metadata token: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Token{}, &ProviderError{Kind: ProviderFailed, Err: fmt.Errorf("read metadata token: %w", err)}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return Token{}, NotConfigured("metadata token endpoint returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Token{}, &ProviderError{Kind: ProviderFailed, Err: fmt.Errorf("metadata token endpoint returned %d", resp.StatusCode)}
	}

	value := strings.TrimSpace(string(body))
	if value == "" {
		return Token{}, &ProviderError{Kind: ProviderFailed, Err: errors.New("metadata token endpoint returned an empty token")}
	}

	expires := start.Add(ttl)
	if v := resp.Header.Get(imdsTTLHeader); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			expires = start.Add(time.Duration(secs) * time.Second)
		}
	}
	return Token{Value: value, Expires: expires}, nil
}

// OAuth2TokenLoader adapts an oauth2.TokenSource.
type OAuth2TokenLoader struct {
	Source oauth2.TokenSource
}

// LoadToken fetches a token from the source.
func (l OAuth2TokenLoader) LoadToken(context.Context) (Token, error) {
	tok, err := l.Source.Token()
	if err != nil {
		return Token{}, &ProviderError{Kind: ProviderFailed, Err: err}
	}
	return Token{Value: tok.AccessToken, Expires: tok.Expiry}, nil
}

// ClientCredentialsLoader fetches tokens with the OAuth2 client credentials
// grant.
type ClientCredentialsLoader struct {
	Config *clientcredentials.Config
	// Client is used for the token request when set.
	Client *http.Client
}

// LoadToken requests a token from the configured token URL.
func (l ClientCredentialsLoader) LoadToken(ctx context.Context) (Token, error) {
	if l.Config == nil || l.Config.TokenURL == "" || l.Config.ClientID == "" {
		return Token{}, NotConfigured("oauth2 client credentials are not configured")
	}
	if l.Client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, l.Client)
	}
	tok, err := l.Config.Token(ctx)
	if err != nil {
		return Token{}, &ProviderError{Kind: ProviderFailed, Err: err}
	}
	return Token{Value: tok.AccessToken, Expires: tok.Expiry}, nil
}
