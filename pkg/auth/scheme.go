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

package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/identity"
)

// SigV4Scheme resolves credentials and signs each attempt with a Signer.
// It implements orchestrator.Authenticator.
type SigV4Scheme struct {
	Credentials identity.Provider
	Signer      Signer
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewSigV4Scheme signs with SigV4 using credentials from provider, which is
// normally an identity.Cache.
func NewSigV4Scheme(provider identity.Provider) *SigV4Scheme {
	return &SigV4Scheme{Credentials: provider, Signer: NewSigV4Signer()}
}

// Authenticate implements orchestrator.Authenticator.
func (s *SigV4Scheme) Authenticate(ctx context.Context, req *http.Request, cfg *configbag.Bag) error {
	creds, err := s.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	signer := s.Signer
	if signer == nil {
		signer = NewSigV4Signer()
	}
	return signer.Sign(ctx, req, creds, SigningParamsFrom(cfg), now().UTC())
}

// BearerScheme sets an Authorization bearer token on each attempt.
type BearerScheme struct {
	Tokens *identity.TokenCache
}

// Authenticate implements orchestrator.Authenticator.
func (s *BearerScheme) Authenticate(ctx context.Context, req *http.Request, _ *configbag.Bag) error {
	tok, err := s.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	return nil
}
