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
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/orchestrator"
)

// Classifier inspects a finished attempt.
type Classifier interface {
	Name() string
	Classify(cc *orchestrator.CallContext) Action
}

// Chain is an ordered list of classifiers. The first classifier with a
// verdict decides.
type Chain []Classifier

// Classify runs the chain against the attempt. It returns the deciding
// classifier's name, or "" when none had a verdict.
func (c Chain) Classify(cc *orchestrator.CallContext) (Action, string) {
	if !cc.Failed() {
		return NoAction(), ""
	}
	for _, cl := range c {
		if a := cl.Classify(cc); a.Verdict != NoActionIndicated {
			return a, cl.Name()
		}
	}
	return NoAction(), ""
}

// DefaultClassifiers returns the standard chain: modeled retryable errors,
// error codes, transient transport failures, then HTTP status codes.
func DefaultClassifiers() Chain {
	return Chain{
		ModeledAsRetryableClassifier{},
		NewErrorCodeClassifier(),
		TransientErrorClassifier{},
		NewHTTPStatusCodeClassifier(),
	}
}

// ClassifiersFrom returns the chain stored in cfg or the default chain.
func ClassifiersFrom(cfg *configbag.Bag) Chain {
	if c, ok := configbag.Load[Chain](cfg); ok && len(c) > 0 {
		return c
	}
	return DefaultClassifiers()
}

// RetryableError is implemented by modeled errors that declare themselves
// retryable.
type RetryableError interface {
	error
	RetryableKind() (ErrorKind, bool)
}

// ModeledAsRetryableClassifier honors errors implementing RetryableError.
type ModeledAsRetryableClassifier struct{}

func (ModeledAsRetryableClassifier) Name() string { return "modeled_as_retryable" }

func (ModeledAsRetryableClassifier) Classify(cc *orchestrator.CallContext) Action {
	var re RetryableError
	if !errors.As(cc.Err(), &re) {
		return NoAction()
	}
	kind, ok := re.RetryableKind()
	if !ok {
		return NoAction()
	}
	return withRetryAfter(kind, cc.Response())
}

// ErrorCodeClassifier maps modeled error codes to retry kinds.
type ErrorCodeClassifier struct {
	Throttling map[string]bool
	Transient  map[string]bool
}

// NewErrorCodeClassifier returns a classifier with the standard AWS
// throttling and transient error codes.
func NewErrorCodeClassifier() *ErrorCodeClassifier {
	return &ErrorCodeClassifier{
		Throttling: toSet(
			"Throttling",
			"ThrottlingException",
			"ThrottledException",
			"RequestThrottledException",
			"TooManyRequestsException",
			"ProvisionedThroughputExceededException",
			"TransactionInProgressException",
			"RequestLimitExceeded",
			"BandwidthLimitExceeded",
			"LimitExceededException",
			"RequestThrottled",
			"SlowDown",
			"PriorRequestNotComplete",
			"EC2ThrottledException",
		),
		Transient: toSet(
			"RequestTimeout",
			"RequestTimeoutException",
			"InternalError",
		),
	}
}

func (*ErrorCodeClassifier) Name() string { return "error_code" }

func (c *ErrorCodeClassifier) Classify(cc *orchestrator.CallContext) Action {
	var modeled orchestrator.ModeledError
	if !errors.As(cc.Err(), &modeled) {
		return NoAction()
	}
	code := modeled.ErrorCode()
	switch {
	case c.Throttling[code]:
		return withRetryAfter(ErrorKindThrottling, cc.Response())
	case c.Transient[code]:
		return withRetryAfter(ErrorKindTransient, cc.Response())
	}
	return NoAction()
}

// TransientErrorClassifier retries timeouts and transport failures.
type TransientErrorClassifier struct{}

func (TransientErrorClassifier) Name() string { return "transient_error" }

func (TransientErrorClassifier) Classify(cc *orchestrator.CallContext) Action {
	err := cc.Err()
	if ce, ok := orchestrator.Failure(err); ok && ce.Kind == orchestrator.KindTimeout {
		return Retry(ErrorKindTransient)
	}

	var connErr *orchestrator.ConnectorError
	if !errors.As(err, &connErr) {
		return NoAction()
	}
	switch connErr.Kind {
	case orchestrator.ConnectorUser:
		return Forbid()
	case orchestrator.ConnectorTimeout:
		return Retry(ErrorKindTransient)
	}
	if errors.Is(err, context.Canceled) {
		return Forbid()
	}
	if isDialError(err) {
		return Retry(ErrorKindConnection)
	}
	return Retry(ErrorKindTransient)
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host")
}

// HTTPStatusCodeClassifier retries by response status.
type HTTPStatusCodeClassifier struct {
	Codes map[int]ErrorKind
}

// NewHTTPStatusCodeClassifier retries 500, 502, 503 and 504 as transient
// and 429 as throttling.
func NewHTTPStatusCodeClassifier() *HTTPStatusCodeClassifier {
	return &HTTPStatusCodeClassifier{Codes: map[int]ErrorKind{
		http.StatusInternalServerError: ErrorKindTransient,
		http.StatusBadGateway:          ErrorKindTransient,
		http.StatusServiceUnavailable:  ErrorKindTransient,
		http.StatusGatewayTimeout:      ErrorKindTransient,
		http.StatusTooManyRequests:     ErrorKindThrottling,
	}}
}

func (*HTTPStatusCodeClassifier) Name() string { return "http_status_code" }

func (c *HTTPStatusCodeClassifier) Classify(cc *orchestrator.CallContext) Action {
	resp := cc.Response()
	if resp == nil {
		if ce, ok := orchestrator.Failure(cc.Err()); ok {
			resp = ce.Response
		}
	}
	if resp == nil {
		return NoAction()
	}
	kind, ok := c.Codes[resp.StatusCode]
	if !ok {
		return NoAction()
	}
	return withRetryAfter(kind, resp)
}

func withRetryAfter(kind ErrorKind, resp *http.Response) Action {
	if resp != nil {
		if d, ok := RetryAfterHeader(resp.Header, time.Now()); ok {
			return RetryAfterDelay(kind, d)
		}
	}
	return Retry(kind)
}

// RetryAfterHeader reads a server-requested delay. x-amz-retry-after holds
// milliseconds; Retry-After holds seconds or an HTTP date.
func RetryAfterHeader(h http.Header, now time.Time) (time.Duration, bool) {
	if v := h.Get("x-amz-retry-after"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond, true
		}
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseInt(v, 10, 64); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		return 0, true
	}
	return d, true
}

func toSet(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}
