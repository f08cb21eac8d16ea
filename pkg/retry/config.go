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

package retry

import (
	"fmt"
	"time"
)

// Mode selects the retry behavior.
type Mode string

const (
	// ModeStandard retries with exponential backoff under a token bucket.
	ModeStandard Mode = "standard"
	// ModeAdaptive adds client-side rate limiting driven by throttling
	// responses.
	ModeAdaptive Mode = "adaptive"
)

// ReconnectMode controls whether connections are dropped after transient
// failures.
type ReconnectMode int

const (
	// ReconnectOnTransientError poisons the connection used by an attempt
	// that failed transiently.
	ReconnectOnTransientError ReconnectMode = iota
	// ReuseAllConnections never poisons connections.
	ReuseAllConnections
)

func (m ReconnectMode) String() string {
	if m == ReuseAllConnections {
		return "reuse_all_connections"
	}
	return "reconnect_on_transient_error"
}

// Config configures retries.
type Config struct {
	Mode Mode
	// MaxAttempts includes the initial attempt. 1 disables retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ReconnectMode  ReconnectMode
}

// DefaultConfig returns standard mode with three attempts.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeStandard,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     20 * time.Second,
		ReconnectMode:  ReconnectOnTransientError,
	}
}

// DisabledConfig returns a configuration making a single attempt.
func DisabledConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	return cfg
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeStandard, ModeAdaptive:
	default:
		return fmt.Errorf("retry mode must be %q or %q, got %q", ModeStandard, ModeAdaptive, c.Mode)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff must be non-negative, got %v", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= initial_backoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	return nil
}

// ParseMode parses a retry mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStandard, ModeAdaptive:
		return Mode(s), nil
	case "":
		return ModeStandard, nil
	}
	return "", fmt.Errorf("unknown retry mode %q", s)
}

// ClientDisabled, when present in a call's configuration, refuses every
// call before its first attempt.
type ClientDisabled struct {
	Reason string
}
