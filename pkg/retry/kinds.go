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

// Package retry decides whether failed attempts are retried.
//
// A chain of classifiers inspects each failed attempt and produces an
// Action. Retryable failures withdraw permits from a shared TokenBucket, so a
// sustained outage drains the bucket and stops further retries until
// successful calls slowly refill it.
package retry

import (
	"fmt"
	"time"
)

// ErrorKind is the retry-relevant classification of a failure.
type ErrorKind int

const (
	// ErrorKindConnection is a failure to establish a connection.
	ErrorKindConnection ErrorKind = iota + 1
	// ErrorKindTransient covers timeouts, resets and 5xx gateway failures.
	ErrorKindTransient
	// ErrorKindServer is a retryable error reported by the service.
	ErrorKindServer
	// ErrorKindClient is a retryable error caused by the request.
	ErrorKindClient
	// ErrorKindThrottling means the service asked the client to slow down.
	ErrorKindThrottling
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindConnection:
		return "connection"
	case ErrorKindTransient:
		return "transient"
	case ErrorKindServer:
		return "server"
	case ErrorKindClient:
		return "client"
	case ErrorKindThrottling:
		return "throttling"
	default:
		return "unclassified"
	}
}

// Verdict is the outcome of classifying a failure.
type Verdict int

const (
	// NoActionIndicated lets later classifiers decide.
	NoActionIndicated Verdict = iota
	// RetryIndicated requests a retry for the attached reason.
	RetryIndicated
	// RetryForbidden stops the chain and prevents a retry.
	RetryForbidden
)

// Reason explains why a retry is indicated. Either Kind, RetryAfter or both
// are set.
type Reason struct {
	Kind ErrorKind
	// RetryAfter is an explicit delay requested by the server.
	RetryAfter time.Duration
}

func (r Reason) String() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %v)", r.Kind, r.RetryAfter)
	}
	return r.Kind.String()
}

// Action is a classifier's result.
type Action struct {
	Verdict Verdict
	Reason  Reason
}

// NoAction returns an empty verdict.
func NoAction() Action { return Action{} }

// Retry returns a verdict requesting a retry for kind.
func Retry(kind ErrorKind) Action {
	return Action{Verdict: RetryIndicated, Reason: Reason{Kind: kind}}
}

// RetryAfterDelay returns a verdict requesting a retry after an explicit
// delay.
func RetryAfterDelay(kind ErrorKind, d time.Duration) Action {
	return Action{Verdict: RetryIndicated, Reason: Reason{Kind: kind, RetryAfter: d}}
}

// Forbid returns a verdict that prevents a retry.
func Forbid() Action { return Action{Verdict: RetryForbidden} }

// ShouldRetry reports whether the action requests a retry.
func (a Action) ShouldRetry() bool { return a.Verdict == RetryIndicated }

// IsTransient reports whether the action classifies a transient or
// connection failure.
func (a Action) IsTransient() bool {
	return a.Verdict == RetryIndicated &&
		(a.Reason.Kind == ErrorKindTransient || a.Reason.Kind == ErrorKindConnection)
}
