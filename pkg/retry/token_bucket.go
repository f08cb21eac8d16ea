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
	"fmt"
	"sync/atomic"
)

const (
	// DefaultCapacity is the permit capacity of a standard bucket.
	DefaultCapacity = 500
	// DefaultRetryCost is withdrawn for an ordinary retryable failure.
	DefaultRetryCost = 5
	// DefaultTimeoutRetryCost is withdrawn for transient and connection
	// failures.
	DefaultTimeoutRetryCost = 10
	// DefaultSuccessReward is returned after a successful retried call.
	DefaultSuccessReward = 1

	unlimitedCapacity = 500_000_000
)

// TokenBucket is a shared pool of retry permits. All methods are safe for
// concurrent use.
type TokenBucket struct {
	available        atomic.Int64
	capacity         int64
	retryCost        int64
	timeoutRetryCost int64
	successReward    int64
}

// BucketOption configures a TokenBucket.
type BucketOption func(*TokenBucket)

// WithRetryCost sets the cost of an ordinary retry.
func WithRetryCost(cost int) BucketOption {
	return func(b *TokenBucket) { b.retryCost = int64(cost) }
}

// WithTimeoutRetryCost sets the cost of retrying a transient failure.
func WithTimeoutRetryCost(cost int) BucketOption {
	return func(b *TokenBucket) { b.timeoutRetryCost = int64(cost) }
}

// WithSuccessReward sets how many permits a successful retried call
// returns.
func WithSuccessReward(n int) BucketOption {
	return func(b *TokenBucket) { b.successReward = int64(n) }
}

// NewTokenBucket creates a full bucket with the given capacity.
func NewTokenBucket(capacity int, opts ...BucketOption) *TokenBucket {
	if capacity < 0 {
		capacity = 0
	}
	b := &TokenBucket{
		capacity:         int64(capacity),
		retryCost:        DefaultRetryCost,
		timeoutRetryCost: DefaultTimeoutRetryCost,
		successReward:    DefaultSuccessReward,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.available.Store(b.capacity)
	return b
}

// UnlimitedTokenBucket returns a bucket whose retries cost nothing, for
// callers that govern retries themselves.
func UnlimitedTokenBucket() *TokenBucket {
	return NewTokenBucket(unlimitedCapacity, WithRetryCost(0), WithTimeoutRetryCost(0))
}

// Cost returns the permits withdrawn to retry a failure of kind.
func (b *TokenBucket) Cost(kind ErrorKind) int {
	switch kind {
	case ErrorKindTransient, ErrorKindConnection:
		return int(b.timeoutRetryCost)
	default:
		return int(b.retryCost)
	}
}

// Acquire withdraws the cost of kind. It returns false, withdrawing nothing,
// when not enough permits remain.
func (b *TokenBucket) Acquire(kind ErrorKind) (*Permit, bool) {
	cost := int64(b.Cost(kind))
	for {
		cur := b.available.Load()
		if cur < cost {
			return nil, false
		}
		if b.available.CompareAndSwap(cur, cur-cost) {
			return &Permit{bucket: b, cost: cost}, true
		}
	}
}

// Regenerate returns the success reward to the bucket, bounded by capacity.
func (b *TokenBucket) Regenerate() {
	b.add(b.successReward)
}

func (b *TokenBucket) add(n int64) {
	if n <= 0 {
		return
	}
	for {
		cur := b.available.Load()
		next := min(cur+n, b.capacity)
		if next == cur || b.available.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Available returns the permits currently available.
func (b *TokenBucket) Available() int { return int(b.available.Load()) }

// Capacity returns the maximum number of permits.
func (b *TokenBucket) Capacity() int { return int(b.capacity) }

func (b *TokenBucket) String() string {
	return fmt.Sprintf("TokenBucket(%d/%d)", b.Available(), b.Capacity())
}

// Permit is a withdrawal from a TokenBucket.
type Permit struct {
	bucket *TokenBucket
	cost   int64
	done   atomic.Bool
}

// Cost returns the number of permits withdrawn.
func (p *Permit) Cost() int { return int(p.cost) }

// Release returns the full cost to the bucket. It is used when the retry the
// permit paid for never happens. Release and Forget take effect once.
func (p *Permit) Release() {
	if p.done.CompareAndSwap(false, true) {
		p.bucket.add(p.cost)
	}
}

// Forget marks the permit as spent.
func (p *Permit) Forget() {
	p.done.Store(true)
}
