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

package transport

import (
	"fmt"
	"time"
)

// Config configures the HTTP connector.
type Config struct {
	// ConnectTimeout bounds dialing a new connection.
	// Default: 10s. Must be > 0.
	ConnectTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake.
	// Default: 10s. Must be > 0.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers after the
	// request is written. Zero means no limit; attempt timeouts still apply.
	ResponseHeaderTimeout time.Duration

	// IdleConnTimeout is how long an idle pooled connection is kept.
	// Default: 90s.
	IdleConnTimeout time.Duration

	// MaxIdleConns caps idle connections across all hosts.
	// Default: 100.
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle connections per host.
	// Default: 10.
	MaxIdleConnsPerHost int

	// UserAgent is sent when the request has no User-Agent.
	// Required. Must be non-empty.
	UserAgent string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		UserAgent:           "relay/1.0",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0, got %v", c.ConnectTimeout)
	}
	if c.TLSHandshakeTimeout <= 0 {
		return fmt.Errorf("tls_handshake_timeout must be > 0, got %v", c.TLSHandshakeTimeout)
	}
	if c.ResponseHeaderTimeout < 0 {
		return fmt.Errorf("response_header_timeout must be >= 0, got %v", c.ResponseHeaderTimeout)
	}
	if c.IdleConnTimeout < 0 {
		return fmt.Errorf("idle_conn_timeout must be >= 0, got %v", c.IdleConnTimeout)
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns must be >= 0, got %d", c.MaxIdleConns)
	}
	if c.MaxIdleConnsPerHost < 0 {
		return fmt.Errorf("max_idle_conns_per_host must be >= 0, got %d", c.MaxIdleConnsPerHost)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required and must be non-empty")
	}
	return nil
}
