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
	"fmt"
	"math"
	"strconv"
	"time"
)

// StallConfig configures minimum-throughput protection for bodies.
type StallConfig struct {
	// Upload and Download toggle protection per direction.
	Upload   bool
	Download bool
	// MinThroughput is the lowest acceptable rate in bytes per second.
	MinThroughput float64
	// GracePeriod is how long throughput may stay below the minimum before
	// the body fails. Zero fails on the first low sample.
	GracePeriod time.Duration
	// CheckInterval is how often throughput is sampled.
	CheckInterval time.Duration
	// CheckWindow is how far back throughput is averaged. It must be at
	// least CheckInterval.
	CheckWindow time.Duration
}

// DefaultStallConfig protects both directions at 1 B/s with a 20s grace
// period.
func DefaultStallConfig() StallConfig {
	return StallConfig{
		Upload:        true,
		Download:      true,
		MinThroughput: 1,
		GracePeriod:   20 * time.Second,
		CheckInterval: time.Second,
		CheckWindow:   5 * time.Second,
	}
}

// Enabled reports whether either direction is protected.
func (c StallConfig) Enabled() bool { return c.Upload || c.Download }

// Validate checks the configuration. A disabled configuration is always
// valid.
func (c StallConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.MinThroughput <= 0 || math.IsInf(c.MinThroughput, 0) || math.IsNaN(c.MinThroughput) {
		return fmt.Errorf("min_throughput must be a positive number of bytes per second, got %v", c.MinThroughput)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative, got %v", c.GracePeriod)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be > 0, got %v", c.CheckInterval)
	}
	if c.CheckWindow < c.CheckInterval {
		return fmt.Errorf("check_window (%v) must be >= check_interval (%v)", c.CheckWindow, c.CheckInterval)
	}
	return nil
}

// StalledStreamError reports a body whose throughput stayed below the
// minimum for longer than the grace period.
type StalledStreamError struct {
	// Expected and Actual are in bytes per second.
	Expected float64
	Actual   float64
}

func (e *StalledStreamError) Error() string {
	return fmt.Sprintf("minimum throughput was specified at %s B/s, but throughput of %s B/s was observed",
		formatRate(e.Expected), formatRate(e.Actual))
}

func formatRate(bps float64) string {
	return strconv.FormatFloat(math.Round(bps*1000)/1000, 'f', -1, 64)
}

type sample struct {
	at    time.Time
	bytes int
}

// throughputLog keeps the bytes read over a trailing window.
type throughputLog struct {
	window  time.Duration
	start   time.Time
	samples []sample
}

func (l *throughputLog) reset(now time.Time) {
	l.start = now
	l.samples = l.samples[:0]
}

func (l *throughputLog) push(now time.Time, n int) {
	l.samples = append(l.samples, sample{at: now, bytes: n})
}

// rate returns the average bytes per second over the window ending at now.
// It reports false while less than minElapsed of history exists.
func (l *throughputLog) rate(now time.Time, minElapsed time.Duration) (float64, bool) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.samples) && l.samples[i].at.Before(cutoff) {
		i++
	}
	l.samples = l.samples[i:]

	from := l.start
	if from.Before(cutoff) {
		from = cutoff
	}
	elapsed := now.Sub(from)
	if elapsed < minElapsed || elapsed <= 0 {
		return 0, false
	}

	total := 0
	for _, s := range l.samples {
		total += s.bytes
	}
	return float64(total) / elapsed.Seconds(), true
}
