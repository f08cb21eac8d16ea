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
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/testing/mock"
	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/endpoint"
	"github.com/tombee/relay/pkg/orchestrator"
)

type countingObserver struct {
	scheduled   []ErrorKind
	rejected    []string
	regenerated int
}

func (o *countingObserver) RetryScheduled(kind ErrorKind, _ int, _ time.Duration) {
	o.scheduled = append(o.scheduled, kind)
}
func (o *countingObserver) RetryRejected(reason string) { o.rejected = append(o.rejected, reason) }
func (o *countingObserver) PermitRegenerated() { o.regenerated++ }

func testConfig(maxAttempts int) Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func getOperation() orchestrator.Operation {
	return orchestrator.Operation{
		Name: "GetThing",
		Serialize: func(any, *configbag.Bag) (*http.Request, error) {
			return http.NewRequest(http.MethodGet, "/thing", nil)
		},
		Deserialize: func(resp *http.Response, _ *configbag.Bag) (any, error) {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 300 {
				return nil, &orchestrator.ServiceError{StatusCode: resp.StatusCode, Message: string(data)}
			}
			return string(data), nil
		},
	}
}

func invoke(t *testing.T, strategy orchestrator.RetryStrategy, conn orchestrator.Connector) (any, error) {
	t.Helper()
	resolver, err := endpoint.NewStaticResolver("https://things.test")
	require.NoError(t, err)
	o, err := orchestrator.New(orchestrator.Components{
		Connector:        conn,
		EndpointResolver: resolver,
		RetryStrategy:    strategy,
	})
	require.NoError(t, err)
	return o.Invoke(context.Background(), getOperation(), nil)
}

func TestStandardStrategy_RetriesThenRegenerates(t *testing.T) {
	bucket := NewTokenBucket(100)
	obs := &countingObserver{}
	s, err := NewStandardStrategy(testConfig(3), WithTokenBucket(bucket), WithObserver(obs))
	require.NoError(t, err)

	conn := mock.NewConnector(
		mock.Respond(http.StatusServiceUnavailable, ""),
		mock.Respond(http.StatusOK, "done"),
	)
	out, err := invoke(t, s, conn)
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	assert.Equal(t, []ErrorKind{ErrorKindTransient}, obs.scheduled)
	assert.Equal(t, 1, obs.regenerated)
	assert.Equal(t, 100-DefaultTimeoutRetryCost+1, bucket.Available())
}

func TestStandardStrategy_NoRegenerationWithoutRetry(t *testing.T) {
	bucket := NewTokenBucket(100)
	p, _ := bucket.Acquire(ErrorKindServer)
	p.Forget()

	s, err := NewStandardStrategy(testConfig(3), WithTokenBucket(bucket))
	require.NoError(t, err)
	_, err = invoke(t, s, mock.NewConnector(mock.Respond(http.StatusOK, "ok")))
	require.NoError(t, err)
	assert.Equal(t, 95, bucket.Available())
}

func TestStandardStrategy_MaxAttempts(t *testing.T) {
	obs := &countingObserver{}
	s, err := NewStandardStrategy(testConfig(3), WithObserver(obs))
	require.NoError(t, err)

	conn := mock.NewConnector()
	conn.Default = &mock.Event{Status: http.StatusInternalServerError}
	_, err = invoke(t, s, conn)
	require.Error(t, err)

	assert.Len(t, conn.Requests(), 3)
	assert.Equal(t, []string{RejectMaxAttempts}, obs.rejected)
}

func TestStandardStrategy_NonRetryable(t *testing.T) {
	obs := &countingObserver{}
	s, err := NewStandardStrategy(testConfig(3), WithObserver(obs))
	require.NoError(t, err)

	conn := mock.NewConnector(mock.Respond(http.StatusNotFound, "missing"))
	_, err = invoke(t, s, conn)
	ce, ok := orchestrator.Failure(err)
	require.True(t, ok)
	assert.Equal(t, orchestrator.KindService, ce.Kind)
	assert.Len(t, conn.Requests(), 1)
	assert.Equal(t, []string{RejectNotRetryable}, obs.rejected)
}

func TestStandardStrategy_DrainedBucketStopsRetries(t *testing.T) {
	bucket := NewTokenBucket(10)
	s, err := NewStandardStrategy(testConfig(10), WithTokenBucket(bucket))
	require.NoError(t, err)

	conn := mock.NewConnector()
	conn.Default = &mock.Event{Status: http.StatusTooManyRequests}
	_, err = invoke(t, s, conn)
	require.Error(t, err)

	// Two throttling retries of cost 5 drain a bucket of 10.
	assert.Len(t, conn.Requests(), 3)
	assert.Equal(t, 0, bucket.Available())

	ce, ok := orchestrator.Failure(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, ce.StatusCode())
}

func TestStandardStrategy_UnlimitedBucket(t *testing.T) {
	bucket := UnlimitedTokenBucket()
	s, err := NewStandardStrategy(testConfig(6), WithTokenBucket(bucket))
	require.NoError(t, err)

	conn := mock.NewConnector()
	conn.Default = &mock.Event{Status: http.StatusServiceUnavailable}
	_, err = invoke(t, s, conn)
	require.Error(t, err)
	assert.Len(t, conn.Requests(), 6)
	assert.Equal(t, bucket.Capacity(), bucket.Available())
}

func TestStandardStrategy_ClientDisabled(t *testing.T) {
	s, err := NewStandardStrategy(testConfig(3))
	require.NoError(t, err)

	bag := configbag.New()
	configbag.Store(bag, ClientDisabled{Reason: "maintenance"})
	err = s.ShouldAttemptInitialRequest(context.Background(), bag)
	require.ErrorIs(t, err, ErrClientDisabled)
	assert.True(t, strings.Contains(err.Error(), "maintenance"))

	require.NoError(t, s.ShouldAttemptInitialRequest(context.Background(), configbag.New()))
}

func TestStandardStrategy_AbandonReturnsPermit(t *testing.T) {
	bucket := NewTokenBucket(50)
	s, err := NewStandardStrategy(testConfig(3), WithTokenBucket(bucket))
	require.NoError(t, err)

	bag := configbag.New()
	configbag.Store(bag, orchestrator.RequestAttempts(1))
	cc := failedContext(response(503, nil), &orchestrator.ServiceError{StatusCode: 503})

	decision, err := s.ShouldAttemptRetry(context.Background(), cc, bag)
	require.NoError(t, err)
	require.True(t, decision.Retry)
	assert.Equal(t, 40, bucket.Available())

	decision.Abandon()
	assert.Equal(t, 50, bucket.Available())
}

func TestBackoffDelay(t *testing.T) {
	cfg := DefaultConfig()
	full := func() float64 { return 1 }
	half := func() float64 { return 0.5 }

	tests := []struct {
		name     string
		reason   Reason
		attempts int
		jitter   func() float64
		want     time.Duration
	}{
		{"first retry", Reason{Kind: ErrorKindTransient}, 1, full, time.Second},
		{"second retry", Reason{Kind: ErrorKindTransient}, 2, full, 2 * time.Second},
		{"jittered", Reason{Kind: ErrorKindTransient}, 3, half, 2 * time.Second},
		{"capped", Reason{Kind: ErrorKindTransient}, 10, full, 20 * time.Second},
		{"huge exponent", Reason{Kind: ErrorKindTransient}, 5000, full, 20 * time.Second},
		{"server requested", Reason{Kind: ErrorKindThrottling, RetryAfter: 3 * time.Second}, 1, full, 3 * time.Second},
		{"server requested capped", Reason{RetryAfter: time.Hour}, 1, full, 20 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backoffDelay(cfg, tt.reason, tt.attempts, tt.jitter))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"adaptive", func(c *Config) { c.Mode = ModeAdaptive }, false},
		{"unknown mode", func(c *Config) { c.Mode = "legacy" }, true},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, true},
		{"negative backoff", func(c *Config) { c.InitialBackoff = -1 }, true},
		{"max below initial", func(c *Config) { c.MaxBackoff = time.Millisecond }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
