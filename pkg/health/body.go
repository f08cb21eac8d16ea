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

package health

import (
	"io"
	"sync"
	"time"

	"github.com/tombee/relay/pkg/orchestrator"
)

// MinimumThroughputBody wraps a body and fails reads once throughput has
// stayed below the configured minimum for longer than the grace period.
//
// Throughput is only sampled while a Read is blocked on the inner body, so
// a consumer that pauses between reads is not mistaken for a slow peer. On
// a stall the inner body is closed, which unblocks the pending Read, and
// every Read from then on returns a *orchestrator.ConnectorError wrapping a
// *StalledStreamError.
type MinimumThroughputBody struct {
	inner   io.ReadCloser
	cfg     StallConfig
	onStall func(*StalledStreamError)

	mu          sync.Mutex
	log         throughputLog
	started     bool
	inFlight    bool
	lastReadEnd time.Time
	belowSince  time.Time
	err         error

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMinimumThroughputBody wraps inner. onStall may be nil.
func NewMinimumThroughputBody(inner io.ReadCloser, cfg StallConfig, onStall func(*StalledStreamError)) *MinimumThroughputBody {
	return &MinimumThroughputBody{
		inner:   inner,
		cfg:     cfg,
		onStall: onStall,
		log:     throughputLog{window: cfg.CheckWindow},
		stop:    make(chan struct{}),
	}
}

// Read implements io.Reader.
func (b *MinimumThroughputBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		return 0, err
	}
	now := time.Now()
	switch {
	case !b.started:
		b.started = true
		b.log.reset(now)
		go b.monitor()
	case now.Sub(b.lastReadEnd) > b.cfg.CheckInterval:
		// The consumer paused; measure the peer from here.
		b.log.reset(now)
		b.belowSince = time.Time{}
	}
	b.inFlight = true
	b.mu.Unlock()

	n, err := b.inner.Read(p)

	b.mu.Lock()
	defer b.mu.Unlock()
	now = time.Now()
	b.inFlight = false
	b.lastReadEnd = now
	if n > 0 {
		b.log.push(now, n)
	}
	if b.err != nil {
		return n, b.err
	}
	if err != nil {
		b.halt()
	}
	return n, err
}

// Close stops monitoring and closes the inner body.
func (b *MinimumThroughputBody) Close() error {
	b.halt()
	return b.inner.Close()
}

func (b *MinimumThroughputBody) halt() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *MinimumThroughputBody) monitor() {
	ticker := time.NewTicker(b.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			if stalled := b.check(now); stalled != nil {
				_ = b.inner.Close()
				if b.onStall != nil {
					b.onStall(stalled)
				}
				return
			}
		}
	}
}

// check samples throughput and returns the stall error once the grace
// period is exhausted.
func (b *MinimumThroughputBody) check(now time.Time) *StalledStreamError {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inFlight || b.err != nil {
		return nil
	}

	rate, ok := b.log.rate(now, b.cfg.CheckInterval)
	if !ok {
		return nil
	}
	if rate >= b.cfg.MinThroughput {
		b.belowSince = time.Time{}
		return nil
	}
	if b.belowSince.IsZero() {
		b.belowSince = now
	}
	if now.Sub(b.belowSince) < b.cfg.GracePeriod {
		return nil
	}

	stalled := &StalledStreamError{Expected: b.cfg.MinThroughput, Actual: rate}
	b.err = &orchestrator.ConnectorError{Kind: orchestrator.ConnectorIO, Err: stalled}
	b.stopOnce.Do(func() { close(b.stop) })
	return stalled
}
