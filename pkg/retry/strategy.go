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
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/orchestrator"
)

// ErrClientDisabled is returned before the first attempt when the client has
// been disabled through configuration.
var ErrClientDisabled = errors.New("client is disabled")

// Observer receives retry decisions, for metrics.
type Observer interface {
	RetryScheduled(kind ErrorKind, cost int, delay time.Duration)
	RetryRejected(reason string)
	PermitRegenerated()
}

// Rejection reasons reported to Observer.RetryRejected.
const (
	RejectNotRetryable  = "not_retryable"
	RejectMaxAttempts   = "max_attempts"
	RejectBucketDrained = "token_bucket_exhausted"
)

// StandardStrategy retries classified failures with exponential backoff and
// jitter, gated by a TokenBucket. In adaptive mode it also feeds a
// ClientRateLimiter.
type StandardStrategy struct {
	config      Config
	bucket      *TokenBucket
	limiter     *ClientRateLimiter
	classifiers Chain
	jitter      func() float64
	observer    Observer
	logger      *slog.Logger
}

// Option configures a StandardStrategy.
type Option func(*StandardStrategy)

// WithTokenBucket shares bucket between strategies. Without it each strategy
// gets its own bucket of DefaultCapacity.
func WithTokenBucket(bucket *TokenBucket) Option {
	return func(s *StandardStrategy) { s.bucket = bucket }
}

// WithClassifiers replaces the fallback classifier chain used when the call
// configuration holds none.
func WithClassifiers(chain Chain) Option {
	return func(s *StandardStrategy) { s.classifiers = chain }
}

// WithRateLimiter sets the adaptive-mode rate limiter.
func WithRateLimiter(l *ClientRateLimiter) Option {
	return func(s *StandardStrategy) { s.limiter = l }
}

// WithJitter replaces the random source for backoff. It must return values in
// [0, 1].
func WithJitter(fn func() float64) Option {
	return func(s *StandardStrategy) { s.jitter = fn }
}

// WithObserver reports decisions to o.
func WithObserver(o Observer) Option {
	return func(s *StandardStrategy) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *StandardStrategy) { s.logger = logger }
}

// NewStandardStrategy creates a strategy for cfg.
func NewStandardStrategy(cfg Config, opts ...Option) (*StandardStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	s := &StandardStrategy{
		config: cfg,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bucket == nil {
		s.bucket = NewTokenBucket(DefaultCapacity)
	}
	if s.classifiers == nil {
		s.classifiers = DefaultClassifiers()
	}
	if cfg.Mode == ModeAdaptive && s.limiter == nil {
		s.limiter = NewClientRateLimiter()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "retry")
	return s, nil
}

// TokenBucket returns the strategy's bucket.
func (s *StandardStrategy) TokenBucket() *TokenBucket { return s.bucket }

// ShouldAttemptInitialRequest implements orchestrator.RetryStrategy.
func (s *StandardStrategy) ShouldAttemptInitialRequest(ctx context.Context, cfg *configbag.Bag) error {
	if d, ok := configbag.Load[ClientDisabled](cfg); ok {
		if d.Reason != "" {
			return fmt.Errorf("%w: %s", ErrClientDisabled, d.Reason)
		}
		return ErrClientDisabled
	}
	if s.limiter != nil {
		return s.limiter.Wait(ctx)
	}
	return nil
}

// ShouldAttemptRetry implements orchestrator.RetryStrategy.
func (s *StandardStrategy) ShouldAttemptRetry(_ context.Context, cc *orchestrator.CallContext, cfg *configbag.Bag) (orchestrator.RetryDecision, error) {
	attempts := int(configbag.LoadOr(cfg, orchestrator.RequestAttempts(1)))
	previous, retried := configbag.Load[*Permit](cfg)
	if retried {
		previous.Forget()
	}

	if !cc.Failed() {
		if s.limiter != nil {
			s.limiter.Update(false)
		}
		if retried {
			s.bucket.Regenerate()
			if s.observer != nil {
				s.observer.PermitRegenerated()
			}
		}
		return orchestrator.RetryDecision{}, nil
	}

	chain := s.classifiers
	if c, ok := configbag.Load[Chain](cfg); ok && len(c) > 0 {
		chain = c
	}
	action, by := chain.Classify(cc)
	if s.limiter != nil {
		s.limiter.Update(action.ShouldRetry() && action.Reason.Kind == ErrorKindThrottling)
	}
	if !action.ShouldRetry() {
		s.logger.Debug("attempt failed with a non-retryable error", "attempt", attempts, "error", cc.Err())
		s.reject(RejectNotRetryable)
		return orchestrator.RetryDecision{}, nil
	}

	conf := configbag.LoadOr(cfg, s.config)
	if attempts >= conf.MaxAttempts {
		s.logger.Debug("not retrying: max attempts reached",
			"attempt", attempts,
			"max_attempts", conf.MaxAttempts)
		s.reject(RejectMaxAttempts)
		return orchestrator.RetryDecision{}, nil
	}

	permit, ok := s.bucket.Acquire(action.Reason.Kind)
	if !ok {
		s.logger.Debug("not retrying: token bucket exhausted",
			"error_kind", action.Reason.Kind.String(),
			"available", s.bucket.Available())
		s.reject(RejectBucketDrained)
		return orchestrator.RetryDecision{}, nil
	}
	configbag.Store(cfg, permit)

	delay := backoffDelay(conf, action.Reason, attempts, s.jitter)
	if s.limiter != nil {
		delay = max(delay, s.limiter.ReserveDelay())
	}

	s.logger.Debug("retry scheduled",
		"attempt", attempts,
		"classifier", by,
		"error_kind", action.Reason.Kind.String(),
		"cost", permit.Cost(),
		"delay", delay)
	if s.observer != nil {
		s.observer.RetryScheduled(action.Reason.Kind, permit.Cost(), delay)
	}
	return orchestrator.RetryDecision{Retry: true, Delay: delay, Abandon: permit.Release}, nil
}

// backoffDelay computes the wait before the next attempt. Server-requested
// delays win but are capped at MaxBackoff.
func backoffDelay(cfg Config, reason Reason, attempts int, jitter func() float64) time.Duration {
	if reason.RetryAfter > 0 {
		return min(reason.RetryAfter, cfg.MaxBackoff)
	}
	backoff := jitter() * float64(cfg.InitialBackoff) * math.Pow(2, float64(attempts-1))
	if backoff > float64(cfg.MaxBackoff) || math.IsInf(backoff, 0) {
		return cfg.MaxBackoff
	}
	return time.Duration(backoff)
}

func (s *StandardStrategy) reject(reason string) {
	if s.observer != nil {
		s.observer.RetryRejected(reason)
	}
}
