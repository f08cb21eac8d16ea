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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(p Provider, clock *fakeClock, opts ...CacheOption) *Cache {
	c := NewCache(p, append([]CacheOption{WithClock(clock.Now)}, opts...)...)
	c.jitter = func() float64 { return 0 }
	return c
}

func TestCache_AppliesDefaultExpiration(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(NewStaticProvider("AKID", "SECRET", ""), clock)

	creds, err := c.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID)

	expiry, ok := c.cache.Expiry()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(DefaultExpiration), expiry)
}

func TestCache_JitterPullsExpiryForward(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(NewStaticProvider("AKID", "SECRET", ""), clock)
	c.jitter = func() float64 { return 1 }

	_, err := c.Retrieve(context.Background())
	require.NoError(t, err)

	expiry, _ := c.cache.Expiry()
	want := clock.Now().Add(DefaultExpiration).Add(-time.Duration(DefaultBufferJitter * float64(DefaultBuffer)))
	assert.Equal(t, want, expiry)
}

func TestCache_UsesProviderExpiry(t *testing.T) {
	clock := newFakeClock()
	expires := clock.Now().Add(30 * time.Minute)
	p := ProviderFunc(func(context.Context) (Credentials, error) {
		return Credentials{AccessKeyID: "AKID", SecretAccessKey: "S", Expires: expires}, nil
	})
	c := newTestCache(p, clock)

	creds, err := c.Retrieve(context.Background())
	require.NoError(t, err)
	assert.True(t, creds.CanExpire())

	expiry, _ := c.cache.Expiry()
	assert.Equal(t, expires, expiry)
}

func TestCache_CachesUntilRefreshWindow(t *testing.T) {
	clock := newFakeClock()
	var loads atomic.Int32
	p := ProviderFunc(func(context.Context) (Credentials, error) {
		loads.Add(1)
		return Credentials{AccessKeyID: "AKID", SecretAccessKey: "S", Expires: clock.Now().Add(time.Hour)}, nil
	})
	c := newTestCache(p, clock)

	for i := 0; i < 5; i++ {
		_, err := c.Retrieve(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), loads.Load())

	c.Invalidate()
	_, err := c.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestCache_TimeoutIsProviderTimedOut(t *testing.T) {
	clock := newFakeClock()
	p := ProviderFunc(func(ctx context.Context) (Credentials, error) {
		<-ctx.Done()
		return Credentials{}, ctx.Err()
	})
	cfg := DefaultCacheConfig()
	cfg.LoadTimeout = 10 * time.Millisecond
	c := newTestCache(p, clock, WithCacheConfig(cfg))

	_, err := c.Retrieve(context.Background())
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProviderTimedOut, pe.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_LoadObserver(t *testing.T) {
	clock := newFakeClock()
	var observed []error
	boom := errors.New("boom")
	calls := 0
	p := ProviderFunc(func(context.Context) (Credentials, error) {
		calls++
		if calls == 1 {
			return Credentials{}, boom
		}
		return Credentials{AccessKeyID: "AKID", SecretAccessKey: "S"}, nil
	})
	c := newTestCache(p, clock, WithLoadObserver(func(err error, _ time.Duration) {
		observed = append(observed, err)
	}))

	_, err := c.Retrieve(context.Background())
	require.ErrorIs(t, err, boom)
	_, err = c.Retrieve(context.Background())
	require.NoError(t, err)

	require.Len(t, observed, 2)
	assert.ErrorIs(t, observed[0], boom)
	assert.NoError(t, observed[1])
}

func TestCacheConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CacheConfig)
		wantErr string
	}{
		{name: "defaults", mutate: func(*CacheConfig) {}},
		{name: "zero load timeout", mutate: func(c *CacheConfig) { c.LoadTimeout = 0 }, wantErr: "load_timeout"},
		{name: "zero default expiration", mutate: func(c *CacheConfig) { c.DefaultExpiration = 0 }, wantErr: "default_expiration"},
		{name: "negative buffer", mutate: func(c *CacheConfig) { c.Buffer = -time.Second }, wantErr: "buffer must"},
		{name: "jitter above one", mutate: func(c *CacheConfig) { c.BufferJitter = 1.5 }, wantErr: "buffer_jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCacheConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
