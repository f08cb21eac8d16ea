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
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/orchestrator"
)

type throttled struct{}

func (throttled) Error() string { return "slow down" }

func (throttled) RetryableKind() (ErrorKind, bool) { return ErrorKindThrottling, true }

func failedContext(resp *http.Response, err error) *orchestrator.CallContext {
	cc := orchestrator.NewCallContext(nil)
	if resp != nil {
		cc.SetResponse(resp)
	}
	cc.SetOutputOrError(nil, err)
	return cc
}

func response(status int, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: header}
}

func TestDefaultClassifiers(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	tests := []struct {
		name   string
		resp   *http.Response
		err    error
		want   Action
		wantBy string
	}{
		{
			name:   "modeled retryable",
			err:    fmt.Errorf("wrapped: %w", throttled{}),
			want:   Retry(ErrorKindThrottling),
			wantBy: "modeled_as_retryable",
		},
		{
			name:   "throttling code",
			resp:   response(400, nil),
			err:    &orchestrator.ServiceError{StatusCode: 400, Code: "ThrottlingException"},
			want:   Retry(ErrorKindThrottling),
			wantBy: "error_code",
		},
		{
			name:   "transient code",
			resp:   response(400, nil),
			err:    &orchestrator.ServiceError{StatusCode: 400, Code: "RequestTimeout"},
			want:   Retry(ErrorKindTransient),
			wantBy: "error_code",
		},
		{
			name:   "attempt timeout",
			err:    &orchestrator.CallError{Kind: orchestrator.KindTimeout, Err: orchestrator.ErrTimeout},
			want:   Retry(ErrorKindTransient),
			wantBy: "transient_error",
		},
		{
			name: "connection reset",
			err: &orchestrator.CallError{Kind: orchestrator.KindConnector, Err: &orchestrator.ConnectorError{
				Kind: orchestrator.ConnectorIO, Err: errors.New("connection reset by peer"),
			}},
			want:   Retry(ErrorKindTransient),
			wantBy: "transient_error",
		},
		{
			name: "dial failure",
			err: &orchestrator.CallError{Kind: orchestrator.KindConnector, Err: &orchestrator.ConnectorError{
				Kind: orchestrator.ConnectorIO, Err: dialErr,
			}},
			want:   Retry(ErrorKindConnection),
			wantBy: "transient_error",
		},
		{
			name: "user cancellation",
			err: &orchestrator.CallError{Kind: orchestrator.KindConnector, Err: &orchestrator.ConnectorError{
				Kind: orchestrator.ConnectorUser, Err: context.Canceled,
			}},
			want:   Forbid(),
			wantBy: "transient_error",
		},
		{
			name:   "service unavailable",
			resp:   response(503, nil),
			err:    &orchestrator.ServiceError{StatusCode: 503, Code: "Unavailable"},
			want:   Retry(ErrorKindTransient),
			wantBy: "http_status_code",
		},
		{
			name:   "too many requests with retry-after",
			resp:   response(429, http.Header{"Retry-After": {"3"}}),
			err:    &orchestrator.ServiceError{StatusCode: 429},
			want:   RetryAfterDelay(ErrorKindThrottling, 3*time.Second),
			wantBy: "http_status_code",
		},
		{
			name: "bad request",
			resp: response(400, nil),
			err:  &orchestrator.ServiceError{StatusCode: 400, Code: "ValidationException"},
			want: NoAction(),
		},
		{
			name: "malformed body",
			resp: response(200, nil),
			err:  &orchestrator.CallError{Kind: orchestrator.KindResponse, Err: errors.New("unexpected EOF")},
			want: NoAction(),
		},
	}

	chain := DefaultClassifiers()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, by := chain.Classify(failedContext(tt.resp, tt.err))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantBy, by)
		})
	}
}

func TestChain_SuccessHasNoVerdict(t *testing.T) {
	cc := orchestrator.NewCallContext(nil)
	cc.SetResponse(response(503, nil))
	cc.SetOutputOrError("ok", nil)
	got, _ := DefaultClassifiers().Classify(cc)
	assert.Equal(t, NoAction(), got)
}

func TestClassifiersFrom(t *testing.T) {
	bag := configbag.New()
	assert.Len(t, ClassifiersFrom(bag), 4)

	configbag.Store(bag, Chain{TransientErrorClassifier{}})
	assert.Len(t, ClassifiersFrom(bag), 1)
}

func TestRetryAfterHeader(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
		wantOK bool
	}{
		{"absent", http.Header{}, 0, false},
		{"seconds", http.Header{"Retry-After": {"120"}}, 2 * time.Minute, true},
		{"negative", http.Header{"Retry-After": {"-5"}}, 0, false},
		{"http date", http.Header{"Retry-After": {"Wed, 01 Jan 2025 12:00:30 GMT"}}, 30 * time.Second, true},
		{"past date", http.Header{"Retry-After": {"Wed, 01 Jan 2025 11:00:00 GMT"}}, 0, true},
		{"malformed", http.Header{"Retry-After": {"soon"}}, 0, false},
		{"amz milliseconds", http.Header{"X-Amz-Retry-After": {"1500"}}, 1500 * time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RetryAfterHeader(tt.header, now)
			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
