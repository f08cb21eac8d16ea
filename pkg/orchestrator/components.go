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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tombee/relay/pkg/configbag"
)

// Connector sends a request to the peer. The request's context governs
// cancellation and carries side-channel values such as a connection capture.
type Connector interface {
	Send(req *http.Request) (*http.Response, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(req *http.Request) (*http.Response, error)

// Send calls f.
func (f ConnectorFunc) Send(req *http.Request) (*http.Response, error) { return f(req) }

// Authenticator resolves an identity and signs the pending request in place.
type Authenticator interface {
	Authenticate(ctx context.Context, req *http.Request, cfg *configbag.Bag) error
}

// RetryDecision is a retry strategy's verdict on a finished attempt.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
	// Abandon is called when the retry is given up before the next attempt
	// starts, for example because the call was cancelled during the delay.
	Abandon func()
}

// RetryStrategy decides whether a call may start and whether a finished
// attempt should be followed by another.
type RetryStrategy interface {
	ShouldAttemptInitialRequest(ctx context.Context, cfg *configbag.Bag) error
	ShouldAttemptRetry(ctx context.Context, cc *CallContext, cfg *configbag.Bag) (RetryDecision, error)
}

// NeverRetry is a RetryStrategy that makes exactly one attempt.
type NeverRetry struct{}

// ShouldAttemptInitialRequest implements RetryStrategy.
func (NeverRetry) ShouldAttemptInitialRequest(context.Context, *configbag.Bag) error { return nil }

// ShouldAttemptRetry implements RetryStrategy.
func (NeverRetry) ShouldAttemptRetry(context.Context, *CallContext, *configbag.Bag) (RetryDecision, error) {
	return RetryDecision{}, nil
}

// RequestAttempts is the number of the attempt in progress, stored in the
// call's configuration at the start of every attempt.
type RequestAttempts int

// OperationName is stored in the call configuration so interceptors can
// label what they observe.
type OperationName string

// TimeoutConfig bounds call and attempt duration. Zero disables a timeout.
type TimeoutConfig struct {
	// Operation bounds the whole call, including retries and backoff.
	Operation time.Duration
	// OperationAttempt bounds one attempt from signing to deserialization.
	OperationAttempt time.Duration
}

// Validate checks the timeouts.
func (c TimeoutConfig) Validate() error {
	if c.Operation < 0 {
		return fmt.Errorf("operation timeout must not be negative, got %v", c.Operation)
	}
	if c.OperationAttempt < 0 {
		return fmt.Errorf("operation attempt timeout must not be negative, got %v", c.OperationAttempt)
	}
	return nil
}

// ErrTimeout is wrapped by CallErrors of KindTimeout.
var ErrTimeout = errors.New("timed out")

// TimeoutError reports which deadline expired.
type TimeoutError struct {
	Scope string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Scope, e.After)
}

// Is reports whether target is ErrTimeout or context.DeadlineExceeded.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// Timeout lets net.Error style checks treat the error as a timeout.
func (e *TimeoutError) Timeout() bool { return true }
