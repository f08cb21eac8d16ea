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
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CUBIC tuning for the adaptive rate limiter.
const (
	minFillRate   = 0.5
	minCapacity   = 1.0
	smooth        = 0.8
	beta          = 0.7
	scaleConstant = 0.4
)

// ClientRateLimiter throttles outgoing requests after the service starts
// returning throttling errors. The sending rate follows a CUBIC curve: it is
// cut multiplicatively on throttling and grows back toward the last rate
// that was throttled.
//
// Until the first throttling response the limiter admits everything.
type ClientRateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	now     func() time.Time
	start   time.Time

	enabled          bool
	fillRate         float64
	measuredTxRate   float64
	lastTxRateBucket float64
	requestCount     int
	lastMaxRate      float64
	lastThrottleTime float64
	timeWindow       float64
}

// NewClientRateLimiter creates a limiter that is initially disabled.
func NewClientRateLimiter() *ClientRateLimiter {
	return newClientRateLimiter(time.Now)
}

func newClientRateLimiter(now func() time.Time) *ClientRateLimiter {
	l := &ClientRateLimiter{
		limiter: rate.NewLimiter(rate.Inf, 1),
		now:     now,
		start:   now(),
	}
	l.lastTxRateBucket = math.Floor(l.elapsed()*2) / 2
	return l
}

func (l *ClientRateLimiter) elapsed() float64 {
	return l.now().Sub(l.start).Seconds()
}

// Wait blocks until a request may be sent or ctx is done.
func (l *ClientRateLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	enabled := l.enabled
	l.mu.Unlock()
	if !enabled {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// ReserveDelay reserves a send slot and returns how long to wait for it.
func (l *ClientRateLimiter) ReserveDelay() time.Duration {
	l.mu.Lock()
	enabled := l.enabled
	l.mu.Unlock()
	if !enabled {
		return 0
	}
	r := l.limiter.Reserve()
	if !r.OK() {
		return 0
	}
	return r.Delay()
}

// Update records the outcome of a request.
func (l *ClientRateLimiter) Update(throttled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.updateMeasuredRate()
	now := l.elapsed()

	var calculated float64
	if throttled {
		rateToUse := l.measuredTxRate
		if l.enabled {
			rateToUse = math.Min(rateToUse, l.fillRate)
		}
		l.lastMaxRate = rateToUse
		l.calculateTimeWindow()
		l.lastThrottleTime = now
		calculated = rateToUse * beta
		l.enabled = true
	} else {
		l.calculateTimeWindow()
		calculated = l.cubicSuccess(now)
	}

	newRate := math.Min(calculated, 2*l.measuredTxRate)
	l.setRate(newRate)
}

// FillRate returns the current permitted requests per second.
func (l *ClientRateLimiter) FillRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fillRate
}

// Enabled reports whether throttling has been observed.
func (l *ClientRateLimiter) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *ClientRateLimiter) calculateTimeWindow() {
	l.timeWindow = math.Cbrt(l.lastMaxRate * (1 - beta) / scaleConstant)
}

func (l *ClientRateLimiter) cubicSuccess(t float64) float64 {
	dt := t - l.lastThrottleTime - l.timeWindow
	return scaleConstant*dt*dt*dt + l.lastMaxRate
}

func (l *ClientRateLimiter) updateMeasuredRate() {
	t := l.elapsed()
	bucket := math.Floor(t*2) / 2
	l.requestCount++
	if bucket > l.lastTxRateBucket {
		current := float64(l.requestCount) / (bucket - l.lastTxRateBucket)
		l.measuredTxRate = current*smooth + l.measuredTxRate*(1-smooth)
		l.requestCount = 0
		l.lastTxRateBucket = bucket
	}
}

func (l *ClientRateLimiter) setRate(r float64) {
	l.fillRate = math.Max(r, minFillRate)
	if !l.enabled {
		return
	}
	burst := int(math.Ceil(math.Max(r, minCapacity)))
	l.limiter.SetLimit(rate.Limit(l.fillRate))
	l.limiter.SetBurst(burst)
}
