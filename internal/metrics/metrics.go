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

// Package metrics exposes Prometheus collectors for client calls, retries,
// credential loads and connection health.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/health"
	"github.com/tombee/relay/pkg/identity"
	"github.com/tombee/relay/pkg/orchestrator"
	"github.com/tombee/relay/pkg/retry"
)

const namespace = "relay"

// Metrics holds the collectors for one client. Collectors are registered
// with the Registerer passed to New.
type Metrics struct {
	reg prometheus.Registerer

	calls            *prometheus.CounterVec
	callDuration     *prometheus.HistogramVec
	attempts         *prometheus.CounterVec
	retriesScheduled *prometheus.CounterVec
	retryDelay       prometheus.Histogram
	retriesRejected  *prometheus.CounterVec
	permitsRefunded  prometheus.Counter
	poisoned         prometheus.Counter
	stalled          *prometheus.CounterVec
	credentialLoads  *prometheus.CounterVec
	credentialTime   prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Total API calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		callDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Wall time of API calls including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total request attempts by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		retriesScheduled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Retries scheduled by error kind",
			},
			[]string{"kind"},
		),
		retryDelay: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay chosen before a retry",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 20},
			},
		),
		retriesRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_rejected_total",
				Help:      "Retries not taken by reason",
			},
			[]string{"reason"},
		),
		permitsRefunded: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_permits_regenerated_total",
				Help:      "Successful calls that returned a permit to the retry bucket",
			},
		),
		poisoned: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_poisoned_total",
				Help:      "Pooled connections closed after a transient failure",
			},
		),
		stalled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stalled_streams_total",
				Help:      "Bodies aborted for falling below the minimum throughput",
			},
			[]string{"direction"},
		),
		credentialLoads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_loads_total",
				Help:      "Credential provider loads by result",
			},
			[]string{"result"},
		),
		credentialTime: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "credential_load_duration_seconds",
				Help:      "Time spent loading credentials from the provider",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// Collectors exposes the counters behind Metrics.
type Collectors struct {
	Calls              *prometheus.CounterVec
	Attempts           *prometheus.CounterVec
	RetriesScheduled   *prometheus.CounterVec
	RetriesRejected    *prometheus.CounterVec
	PermitsRegenerated prometheus.Counter
	Poisoned           prometheus.Counter
	Stalled            *prometheus.CounterVec
	CredentialLoads    *prometheus.CounterVec
}

// Collectors returns the underlying counters.
func (m *Metrics) Collectors() Collectors {
	return Collectors{
		Calls:              m.calls,
		Attempts:           m.attempts,
		RetriesScheduled:   m.retriesScheduled,
		RetriesRejected:    m.retriesRejected,
		PermitsRegenerated: m.permitsRefunded,
		Poisoned:           m.poisoned,
		Stalled:            m.stalled,
		CredentialLoads:    m.credentialLoads,
	}
}

// RegisterBucket exposes the bucket's available permits as a gauge.
func (m *Metrics) RegisterBucket(b *retry.TokenBucket) error {
	if m.reg == nil || b == nil {
		return nil
	}
	g := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_bucket_available_permits",
			Help:      "Permits currently available in the retry token bucket",
		},
		func() float64 { return float64(b.Available()) },
	)
	if err := m.reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// RetryScheduled implements retry.Observer.
func (m *Metrics) RetryScheduled(kind retry.ErrorKind, _ int, delay time.Duration) {
	m.retriesScheduled.WithLabelValues(kind.String()).Inc()
	m.retryDelay.Observe(delay.Seconds())
}

// RetryRejected implements retry.Observer.
func (m *Metrics) RetryRejected(reason string) {
	m.retriesRejected.WithLabelValues(reason).Inc()
}

// PermitRegenerated implements retry.Observer.
func (m *Metrics) PermitRegenerated() {
	m.permitsRefunded.Inc()
}

// CredentialLoadObserver returns an identity.LoadObserver feeding the
// credential collectors.
func (m *Metrics) CredentialLoadObserver() identity.LoadObserver {
	return func(err error, elapsed time.Duration) {
		m.credentialTime.Observe(elapsed.Seconds())
		m.credentialLoads.WithLabelValues(credentialResult(err)).Inc()
	}
}

func credentialResult(err error) string {
	if err == nil {
		return "success"
	}
	var pe *identity.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind.String()
	}
	return "error"
}

// PoisonObserver returns a health.PoisonObserver counting poisoned
// connections.
func (m *Metrics) PoisonObserver() health.PoisonObserver {
	return func(string) { m.poisoned.Inc() }
}

// StallObserver returns a health.StallObserver counting stalled bodies.
func (m *Metrics) StallObserver() health.StallObserver {
	return func(dir health.Direction, _ *health.StalledStreamError) {
		m.stalled.WithLabelValues(string(dir)).Inc()
	}
}

// Interceptor returns an interceptor that records calls and attempts.
func (m *Metrics) Interceptor() orchestrator.Interceptor {
	return &interceptor{m: m, now: time.Now}
}

type callStart time.Time

type interceptor struct {
	orchestrator.BaseInterceptor
	m   *Metrics
	now func() time.Time
}

func (*interceptor) Name() string { return "metrics" }

func (i *interceptor) ReadBeforeExecution(_ *orchestrator.CallContext, cfg *configbag.Bag) error {
	configbag.Store(cfg, callStart(i.now()))
	return nil
}

func (i *interceptor) ReadAfterAttempt(cc *orchestrator.CallContext, cfg *configbag.Bag) error {
	i.m.attempts.WithLabelValues(operationName(cfg), outcome(cc.Err())).Inc()
	return nil
}

func (i *interceptor) ReadAfterExecution(cc *orchestrator.CallContext, cfg *configbag.Bag) error {
	op := operationName(cfg)
	i.m.calls.WithLabelValues(op, outcome(cc.Err())).Inc()
	if start, ok := configbag.Load[callStart](cfg); ok {
		i.m.callDuration.WithLabelValues(op).Observe(i.now().Sub(time.Time(start)).Seconds())
	}
	return nil
}

func operationName(cfg *configbag.Bag) string {
	name, _ := configbag.Load[orchestrator.OperationName](cfg)
	if name == "" {
		return "unknown"
	}
	return string(name)
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if ce, ok := orchestrator.Failure(err); ok {
		return ce.Kind.String()
	}
	return "error"
}
