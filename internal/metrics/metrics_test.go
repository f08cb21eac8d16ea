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

package metrics_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/testing/mock"
	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/health"
	"github.com/tombee/relay/pkg/identity"
	"github.com/tombee/relay/pkg/orchestrator"
	"github.com/tombee/relay/pkg/retry"
)

func operation() orchestrator.Operation {
	return orchestrator.Operation{
		Name: "GetThing",
		Serialize: func(any, *configbag.Bag) (*http.Request, error) {
			return http.NewRequest(http.MethodGet, "https://example.com/thing", nil)
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

func newOrchestrator(t *testing.T, m *metrics.Metrics, bucket *retry.TokenBucket, events ...mock.Event) *orchestrator.Orchestrator {
	t.Helper()
	cfg := retry.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	strategy, err := retry.NewStandardStrategy(cfg,
		retry.WithJitter(func() float64 { return 0 }),
		retry.WithTokenBucket(bucket),
		retry.WithObserver(m))
	require.NoError(t, err)

	o, err := orchestrator.New(orchestrator.Components{
		Connector:     mock.NewConnector(events...),
		RetryStrategy: strategy,
		Interceptors:  []orchestrator.Interceptor{m.Interceptor()},
	})
	require.NoError(t, err)
	return o
}

func TestInterceptor_RecordsAttemptsAndCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bucket := retry.NewTokenBucket(retry.DefaultCapacity)
	require.NoError(t, m.RegisterBucket(bucket))

	o := newOrchestrator(t, m, bucket,
		mock.Respond(http.StatusServiceUnavailable, "busy"),
		mock.Respond(http.StatusOK, "ok"))

	out, err := o.Invoke(context.Background(), operation(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors().Attempts.WithLabelValues("GetThing", "service")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors().Attempts.WithLabelValues("GetThing", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors().Calls.WithLabelValues("GetThing", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors().RetriesScheduled.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors().PermitsRegenerated))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "relay_call_duration_seconds"))
	assert.Equal(t, float64(retry.DefaultCapacity-retry.DefaultTimeoutRetryCost+retry.DefaultSuccessReward), gaugeValue(t, reg, "relay_retry_bucket_available_permits"))
}

func TestInterceptor_RecordsFailedCall(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	o := newOrchestrator(t, m, retry.NewTokenBucket(retry.DefaultCapacity),
		mock.Respond(http.StatusBadRequest, "bad"))

	_, err := o.Invoke(context.Background(), operation(), nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors().Calls.WithLabelValues("GetThing", "service")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors().RetriesRejected.WithLabelValues(retry.RejectNotRetryable)))
}

func TestObservers(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.PoisonObserver()("10.0.0.1:443")
	m.StallObserver()(health.Download, &health.StalledStreamError{})
	load := m.CredentialLoadObserver()
	load(nil, 10*time.Millisecond)
	load(&identity.ProviderError{Kind: identity.ProviderTimedOut}, time.Second)
	load(errors.New("boom"), time.Second)

	c := m.Collectors()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Poisoned))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Stalled.WithLabelValues("download")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CredentialLoads.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CredentialLoads.WithLabelValues("timed out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CredentialLoads.WithLabelValues("error")))
}

func TestRegisterBucket_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := retry.NewTokenBucket(10)
	require.NoError(t, m.RegisterBucket(b))
	require.NoError(t, m.RegisterBucket(b))
}

func TestNew_NilRegisterer(t *testing.T) {
	m := metrics.New(nil)
	assert.NoError(t, m.RegisterBucket(retry.NewTokenBucket(1)))
	m.RetryRejected(retry.RejectMaxAttempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors().RetriesRejected.WithLabelValues(retry.RejectMaxAttempts)))
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			require.Len(t, f.GetMetric(), 1)
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
