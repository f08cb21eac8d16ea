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

// Package endpoint defines how a call's destination is resolved.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Params are the call-scoped inputs to endpoint resolution.
type Params struct {
	Service      string
	Region       string
	UseFIPS      bool
	UseDualStack bool
	// Endpoint overrides resolution with a fixed URL when set.
	Endpoint string
}

// Endpoint is a resolved destination plus any headers it mandates.
type Endpoint struct {
	URL     string
	Headers http.Header
}

// Resolver resolves endpoint parameters into a concrete endpoint.
// Implementations must not have side effects.
type Resolver interface {
	ResolveEndpoint(ctx context.Context, params Params) (Endpoint, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, params Params) (Endpoint, error)

// ResolveEndpoint calls f.
func (f ResolverFunc) ResolveEndpoint(ctx context.Context, params Params) (Endpoint, error) {
	return f(ctx, params)
}

// StaticResolver always resolves to the same endpoint.
type StaticResolver struct {
	Endpoint Endpoint
}

// NewStaticResolver creates a resolver for a fixed URL.
func NewStaticResolver(rawURL string) (*StaticResolver, error) {
	if _, err := parseEndpointURL(rawURL); err != nil {
		return nil, err
	}
	return &StaticResolver{Endpoint: Endpoint{URL: rawURL}}, nil
}

// ResolveEndpoint implements Resolver.
func (r *StaticResolver) ResolveEndpoint(_ context.Context, _ Params) (Endpoint, error) {
	return r.Endpoint, nil
}

// ErrMissingRegion is returned by RegionalResolver when no region is set.
var ErrMissingRegion = errors.New("endpoint: region is required")

// RegionalResolver builds service endpoints from a hostname template.
//
// The template may reference {service}, {region} and {dnsSuffix}. FIPS
// endpoints append "-fips" to the service label; dual-stack endpoints use
// DualStackSuffix in place of DNSSuffix.
type RegionalResolver struct {
	Template        string
	DNSSuffix       string
	DualStackSuffix string
}

// NewRegionalResolver returns a resolver for the standard AWS partition.
func NewRegionalResolver() *RegionalResolver {
	return &RegionalResolver{
		Template:        "https://{service}.{region}.{dnsSuffix}",
		DNSSuffix:       "amazonaws.com",
		DualStackSuffix: "api.aws",
	}
}

// ResolveEndpoint implements Resolver.
func (r *RegionalResolver) ResolveEndpoint(_ context.Context, params Params) (Endpoint, error) {
	if params.Endpoint != "" {
		if _, err := parseEndpointURL(params.Endpoint); err != nil {
			return Endpoint{}, err
		}
		return Endpoint{URL: params.Endpoint}, nil
	}
	if params.Region == "" {
		return Endpoint{}, ErrMissingRegion
	}
	if params.Service == "" {
		return Endpoint{}, errors.New("endpoint: service is required")
	}
	if !validLabel(params.Region) {
		return Endpoint{}, fmt.Errorf("endpoint: invalid region %q", params.Region)
	}

	service := params.Service
	if params.UseFIPS {
		service += "-fips"
	}
	suffix := r.DNSSuffix
	if params.UseDualStack {
		suffix = r.DualStackSuffix
	}

	u := strings.NewReplacer(
		"{service}", service,
		"{region}", params.Region,
		"{dnsSuffix}", suffix,
	).Replace(r.Template)
	return Endpoint{URL: u}, nil
}

// Apply rewrites req's destination to ep and adds ep's headers. The endpoint
// path is prefixed onto the request path.
func Apply(req *http.Request, ep Endpoint) error {
	u, err := parseEndpointURL(ep.URL)
	if err != nil {
		return err
	}
	req.URL.Scheme = u.Scheme
	req.URL.Host = u.Host
	req.Host = u.Host
	if prefix := strings.TrimSuffix(u.Path, "/"); prefix != "" {
		req.URL.Path = prefix + "/" + strings.TrimPrefix(req.URL.Path, "/")
		if req.URL.RawPath != "" {
			req.URL.RawPath = prefix + "/" + strings.TrimPrefix(req.URL.RawPath, "/")
		}
	}
	for name, values := range ep.Headers {
		req.Header.Del(name)
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	return nil
}

func parseEndpointURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("endpoint: invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint: URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint: URL %q has no host", raw)
	}
	return u, nil
}

func validLabel(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return s != "" && s[0] != '-' && s[len(s)-1] != '-'
}
