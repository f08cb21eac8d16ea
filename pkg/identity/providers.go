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
	"fmt"
	"log/slog"
	"os"
)

// StaticProvider returns fixed credentials.
type StaticProvider struct {
	Value Credentials
}

// NewStaticProvider creates a provider for fixed keys.
func NewStaticProvider(accessKeyID, secretAccessKey, sessionToken string) StaticProvider {
	return StaticProvider{Value: Credentials{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		SessionToken:    sessionToken,
		Source:          "static",
	}}
}

// Retrieve implements Provider.
func (p StaticProvider) Retrieve(context.Context) (Credentials, error) {
	if !p.Value.HasKeys() {
		return Credentials{}, NotConfigured("static credentials are empty")
	}
	return p.Value, nil
}

// Environment variable names read by EnvProvider.
const (
	EnvAccessKeyID     = "AWS_ACCESS_KEY_ID"
	EnvSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	EnvSessionToken    = "AWS_SESSION_TOKEN"
)

// EnvProvider reads credentials from the environment.
type EnvProvider struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Retrieve implements Provider.
func (p EnvProvider) Retrieve(context.Context) (Credentials, error) {
	getenv := p.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	id, secret := getenv(EnvAccessKeyID), getenv(EnvSecretAccessKey)
	switch {
	case id == "" && secret == "":
		return Credentials{}, NotConfigured("%s and %s are not set", EnvAccessKeyID, EnvSecretAccessKey)
	case id == "":
		return Credentials{}, &ProviderError{Kind: InvalidConfiguration, Err: fmt.Errorf("%s is not set", EnvAccessKeyID)}
	case secret == "":
		return Credentials{}, &ProviderError{Kind: InvalidConfiguration, Err: fmt.Errorf("%s is not set", EnvSecretAccessKey)}
	}
	return Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    getenv(EnvSessionToken),
		Source:          "environment",
	}, nil
}

// ChainProvider tries providers in order. It moves on only when a provider
// reports it is not configured; any other failure ends the chain.
type ChainProvider struct {
	Providers []Provider
	Logger    *slog.Logger
}

// NewChainProvider creates a chain.
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{Providers: providers}
}

// Retrieve implements Provider.
func (p *ChainProvider) Retrieve(ctx context.Context) (Credentials, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for i, provider := range p.Providers {
		creds, err := provider.Retrieve(ctx)
		if err == nil {
			return creds, nil
		}
		if !IsNotConfigured(err) {
			logger.Warn("credential provider failed", "provider_index", i, "error", err)
			return Credentials{}, err
		}
		logger.Debug("credential provider not configured", "provider_index", i, "error", err)
	}
	return Credentials{}, NotConfigured("no provider in the chain supplied credentials")
}
