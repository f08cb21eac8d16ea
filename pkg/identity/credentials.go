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

// Package identity resolves and caches the credentials and tokens used to
// authenticate requests.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credentials are AWS-style access credentials. They are immutable values.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Expires is zero for credentials that do not expire.
	Expires time.Time
	// Source names the provider that produced the credentials.
	Source string
}

// CanExpire reports whether the credentials carry an expiry.
func (c Credentials) CanExpire() bool { return !c.Expires.IsZero() }

// Expired reports whether the credentials are expired at now.
func (c Credentials) Expired(now time.Time) bool {
	return c.CanExpire() && !now.Before(c.Expires)
}

// HasKeys reports whether both the access key and the secret are set.
func (c Credentials) HasKeys() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// String redacts the secret material.
func (c Credentials) String() string {
	s := fmt.Sprintf("Credentials{AccessKeyID: %s, SecretAccessKey: ** redacted **", redactKeyID(c.AccessKeyID))
	if c.SessionToken != "" {
		s += ", SessionToken: ** redacted **"
	}
	if c.CanExpire() {
		s += ", Expires: " + c.Expires.UTC().Format(time.RFC3339)
	}
	if c.Source != "" {
		s += ", Source: " + c.Source
	}
	return s + "}"
}

// GoString keeps %#v from printing secrets.
func (c Credentials) GoString() string { return c.String() }

func redactKeyID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:4] + "****"
}

// Provider loads credentials.
type Provider interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (Credentials, error)

// Retrieve calls f.
func (f ProviderFunc) Retrieve(ctx context.Context) (Credentials, error) { return f(ctx) }

// ProviderErrorKind classifies provider failures.
type ProviderErrorKind int

const (
	// NotLoaded means the provider is not configured in this environment.
	// Chains move on to the next provider.
	NotLoaded ProviderErrorKind = iota
	// ProviderTimedOut means the load exceeded its timeout.
	ProviderTimedOut
	// InvalidConfiguration means the provider is configured but unusable.
	InvalidConfiguration
	// ProviderFailed is a failure reported by the credential source.
	ProviderFailed
	// Unhandled is any other failure.
	Unhandled
)

func (k ProviderErrorKind) String() string {
	switch k {
	case NotLoaded:
		return "not loaded"
	case ProviderTimedOut:
		return "timed out"
	case InvalidConfiguration:
		return "invalid configuration"
	case ProviderFailed:
		return "provider error"
	default:
		return "unhandled"
	}
}

// ProviderError describes why credentials could not be loaded.
type ProviderError struct {
	Kind ProviderErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return "credentials " + e.Kind.String()
	}
	return fmt.Sprintf("credentials %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NotConfigured returns a NotLoaded error with the given reason.
func NotConfigured(format string, args ...any) error {
	return &ProviderError{Kind: NotLoaded, Err: fmt.Errorf(format, args...)}
}

// IsNotConfigured reports whether err means no credentials are configured,
// as opposed to a failure while loading them.
func IsNotConfigured(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == NotLoaded
}
