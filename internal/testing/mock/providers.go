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

package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/relay/pkg/identity"
)

// CredentialResult is one scripted outcome of a credentials load.
type CredentialResult struct {
	Credentials identity.Credentials
	Err         error
	// Delay holds the load for this long, or until the context ends.
	Delay time.Duration
}

// CredentialsProvider replays CredentialResults in order. The last result
// repeats once the script is exhausted.
type CredentialsProvider struct {
	mu      sync.Mutex
	results []CredentialResult
	calls   int
}

// NewCredentialsProvider creates a provider that serves results in order.
func NewCredentialsProvider(results ...CredentialResult) *CredentialsProvider {
	return &CredentialsProvider{results: results}
}

// Retrieve implements identity.Provider.
func (p *CredentialsProvider) Retrieve(ctx context.Context) (identity.Credentials, error) {
	p.mu.Lock()
	if len(p.results) == 0 {
		p.calls++
		p.mu.Unlock()
		return identity.Credentials{}, identity.NotConfigured("mock provider has no results")
	}
	idx := min(p.calls, len(p.results)-1)
	p.calls++
	r := p.results[idx]
	p.mu.Unlock()

	if err := wait(ctx, r.Delay); err != nil {
		return identity.Credentials{}, err
	}
	return r.Credentials, r.Err
}

// Calls returns how many times Retrieve ran.
func (p *CredentialsProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// TokenLoader replays tokens in order, like CredentialsProvider.
type TokenLoader struct {
	mu     sync.Mutex
	tokens []identity.Token
	errs   []error
	calls  int
}

// NewTokenLoader creates a loader that returns tokens in order.
func NewTokenLoader(tokens ...identity.Token) *TokenLoader {
	return &TokenLoader{tokens: tokens}
}

// FailNext makes the next load fail with err before the scripted tokens
// resume.
func (l *TokenLoader) FailNext(err error) *TokenLoader {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
	return l
}

// LoadToken implements identity.TokenLoader.
func (l *TokenLoader) LoadToken(context.Context) (identity.Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		return identity.Token{}, err
	}
	if len(l.tokens) == 0 {
		return identity.Token{}, fmt.Errorf("mock token loader has no tokens")
	}
	idx := min(l.calls, len(l.tokens)-1)
	l.calls++
	return l.tokens[idx], nil
}

// Calls returns how many tokens were served.
func (l *TokenLoader) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
