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

package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tombee/relay/pkg/health"
	"github.com/tombee/relay/pkg/identity"
	"github.com/tombee/relay/pkg/orchestrator"
	"github.com/tombee/relay/pkg/retry"
	"github.com/tombee/relay/pkg/transport"
)

// maxAppNameLength caps the application name carried in the User-Agent.
const maxAppNameLength = 50

// Config describes one service client.
type Config struct {
	// Region and Service select the endpoint and the signing scope.
	Region  string
	Service string

	// Endpoint overrides endpoint resolution with a fixed URL.
	Endpoint string

	// UseFIPS and UseDualStack select endpoint variants.
	UseFIPS      bool
	UseDualStack bool

	// AppName is appended to the User-Agent.
	AppName string

	Retry       retry.Config
	Timeouts    orchestrator.TimeoutConfig
	Stall       health.StallConfig
	Transport   transport.Config
	Credentials identity.CacheConfig

	// StrictPoisoning fails a call when a connection should be poisoned
	// but none was captured.
	StrictPoisoning bool
}

// DefaultConfig returns a Config with standard retries, stalled-stream
// protection and no timeouts. Region and Service must still be set unless
// Endpoint is.
func DefaultConfig() Config {
	return Config{
		Retry:       retry.DefaultConfig(),
		Stall:       health.DefaultStallConfig(),
		Transport:   transport.DefaultConfig(),
		Credentials: identity.DefaultCacheConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" && c.Region == "" {
		errs = append(errs, errors.New("region is required when no endpoint is set"))
	}
	if c.Endpoint == "" && c.Service == "" {
		errs = append(errs, errors.New("service is required when no endpoint is set"))
	}
	if len(c.AppName) > maxAppNameLength {
		errs = append(errs, fmt.Errorf("app_name must be at most %d characters, got %d", maxAppNameLength, len(c.AppName)))
	}
	if strings.ContainsAny(c.AppName, " \t\r\n") {
		errs = append(errs, fmt.Errorf("app_name must not contain whitespace, got %q", c.AppName))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Timeouts.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Stall.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Credentials.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Transport.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
