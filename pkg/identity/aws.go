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
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// AWSProvider adapts an AWS SDK credentials provider, which gives access to
// the SDK's full default chain: shared config and credentials files, SSO,
// web identity, container and instance roles.
type AWSProvider struct {
	provider aws.CredentialsProvider
}

// NewAWSProvider wraps p.
func NewAWSProvider(p aws.CredentialsProvider) *AWSProvider {
	return &AWSProvider{provider: p}
}

// NewDefaultAWSProvider loads the SDK default configuration for region and
// wraps its credentials provider.
func NewDefaultAWSProvider(ctx context.Context, region string) (*AWSProvider, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &ProviderError{Kind: InvalidConfiguration, Err: errors.New(SanitizeAWSError(err.Error()))}
	}
	if cfg.Credentials == nil {
		return nil, NotConfigured("no AWS credentials provider in default config")
	}
	return &AWSProvider{provider: cfg.Credentials}, nil
}

// Retrieve loads credentials from the SDK provider.
func (p *AWSProvider) Retrieve(ctx context.Context) (Credentials, error) {
	creds, err := p.provider.Retrieve(ctx)
	if err != nil {
		return Credentials{}, &ProviderError{Kind: ProviderFailed, Err: errors.New(SanitizeAWSError(err.Error()))}
	}
	if !creds.HasKeys() {
		return Credentials{}, NotConfigured("AWS provider %q returned no keys", creds.Source)
	}
	out := Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Source:          creds.Source,
	}
	if creds.CanExpire {
		out.Expires = creds.Expires
	}
	return out, nil
}

// AWS converts c for use with the AWS SDK signers.
func (c Credentials) AWS() aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		Source:          c.Source,
		CanExpire:       c.CanExpire(),
		Expires:         c.Expires,
	}
}

// awsAdapter lets SDK clients such as STS share a Provider and its cache.
type awsAdapter struct {
	p Provider
}

// AsAWS exposes p as an aws.CredentialsProvider.
func AsAWS(p Provider) aws.CredentialsProvider { return awsAdapter{p: p} }

func (a awsAdapter) Retrieve(ctx context.Context) (aws.Credentials, error) {
	creds, err := a.p.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	return creds.AWS(), nil
}

// SanitizeAWSError redacts access key IDs (AKIA or ASIA followed by 16
// characters) from msg.
func SanitizeAWSError(msg string) string {
	for _, prefix := range []string{"AKIA", "ASIA"} {
		searchPos := 0
		for {
			pos := strings.Index(msg[searchPos:], prefix)
			if pos == -1 {
				break
			}
			pos += searchPos
			end := min(pos+20, len(msg))
			msg = msg[:pos] + prefix + "****" + msg[end:]
			searchPos = pos + len(prefix) + 4
		}
	}
	return msg
}
