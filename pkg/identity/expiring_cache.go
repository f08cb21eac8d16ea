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

package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const loadKey = "load"

// Loader loads a value and reports when it expires.
type Loader[T any] func(ctx context.Context) (T, time.Time, error)

// ExpiringCacheConfig configures an ExpiringCache.
type ExpiringCacheConfig struct {
	// Buffer is the window before expiry in which the cached value is still
	// served while a refresh runs in the background.
	Buffer time.Duration
	// LoadTimeout bounds each load. Zero means no limit beyond the caller's.
	LoadTimeout time.Duration
	// Now overrides the clock, for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// ExpiringCache holds one value with an expiry and coalesces concurrent
// loads. At most one load runs at a time. A load runs detached from the
// cancellation of the caller that started it, so callers giving up do not
// fail the load for the others waiting on it.
type ExpiringCache[T any] struct {
	mu       sync.RWMutex
	value    T
	expiry   time.Time
	hasValue bool

	group       singleflight.Group
	buffer      time.Duration
	loadTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewExpiringCache creates an empty cache.
func NewExpiringCache[T any](cfg ExpiringCacheConfig) *ExpiringCache[T] {
	c := &ExpiringCache[T]{
		buffer:      cfg.Buffer,
		loadTimeout: cfg.LoadTimeout,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// GetOrLoad returns the cached value, loading it when absent or expired.
//
// A value inside the refresh buffer is returned immediately and a background
// refresh is started, or joined if one is already running.
func (c *ExpiringCache[T]) GetOrLoad(ctx context.Context, loader Loader[T]) (T, error) {
	now := c.now()
	c.mu.RLock()
	value, expiry, ok := c.value, c.expiry, c.hasValue
	c.mu.RUnlock()

	if ok && now.Before(expiry) {
		if now.Before(expiry.Add(-c.buffer)) {
			return value, nil
		}
		c.group.DoChan(loadKey, c.loadFunc(ctx, loader, true))
		return value, nil
	}

	ch := c.group.DoChan(loadKey, c.loadFunc(ctx, loader, false))
	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *ExpiringCache[T]) loadFunc(ctx context.Context, loader Loader[T], background bool) func() (any, error) {
	ctx = context.WithoutCancel(ctx)
	return func() (any, error) {
		// Another load may have finished between the caller's check and now.
		if v, ok := c.fresh(); ok {
			return v, nil
		}

		loadCtx := ctx
		if c.loadTimeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(ctx, c.loadTimeout)
			defer cancel()
		}

		value, expiry, err := loader(loadCtx)
		if err != nil {
			if background {
				c.logger.Warn("background refresh failed; serving cached value until expiry", "error", err)
			}
			return nil, err
		}

		c.mu.Lock()
		c.value, c.expiry, c.hasValue = value, expiry, true
		c.mu.Unlock()
		return value, nil
	}
}

// fresh returns the cached value when it is outside the refresh buffer.
func (c *ExpiringCache[T]) fresh() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.hasValue && c.now().Before(c.expiry.Add(-c.buffer)) {
		return c.value, true
	}
	var zero T
	return zero, false
}

// YieldOrClearIfExpired returns the cached value unless it is expired at
// now. An expired value is cleared so the next GetOrLoad loads afresh.
func (c *ExpiringCache[T]) YieldOrClearIfExpired(now time.Time) (T, bool) {
	c.mu.RLock()
	if c.hasValue && now.Before(c.expiry) {
		v := c.value
		c.mu.RUnlock()
		return v, true
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasValue && !now.Before(c.expiry) {
		var zero T
		c.value, c.expiry, c.hasValue = zero, time.Time{}, false
	}
	var zero T
	return zero, false
}

// Expiry returns the expiry of the cached value, if any.
func (c *ExpiringCache[T]) Expiry() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiry, c.hasValue
}

// Invalidate drops the cached value.
func (c *ExpiringCache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value, c.expiry, c.hasValue = zero, time.Time{}, false
}
