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

package transport

import (
	"context"
	"net"
	"net/http/httptrace"
	"sync"
)

// Capture records the connection a request was sent on.
type Capture struct {
	mu       sync.Mutex
	conn     net.Conn
	reused   bool
	poisoned bool
}

// NewCapture returns an empty capture.
func NewCapture() *Capture { return &Capture{} }

type captureKey struct{}

// WithCapture returns a context that asks the connector to record the
// connection used by requests made with it.
func WithCapture(ctx context.Context, c *Capture) context.Context {
	return context.WithValue(ctx, captureKey{}, c)
}

// CaptureFrom returns the capture installed on ctx.
func CaptureFrom(ctx context.Context) (*Capture, bool) {
	c, ok := ctx.Value(captureKey{}).(*Capture)
	return c, ok && c != nil
}

// Captured reports whether a connection was recorded.
func (c *Capture) Captured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Reused reports whether the recorded connection came from the idle pool.
func (c *Capture) Reused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reused
}

// RemoteAddr returns the peer address of the recorded connection.
func (c *Capture) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// Poison closes the recorded connection so the pool discards it. It reports
// whether there was a connection to poison. Poisoning twice is a no-op.
func (c *Capture) Poison() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	if !c.poisoned {
		c.poisoned = true
		_ = c.conn.Close()
	}
	return true
}

// Poisoned reports whether Poison closed the connection.
func (c *Capture) Poisoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

func (c *Capture) record(info httptrace.GotConnInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = info.Conn
	c.reused = info.Reused
	c.poisoned = false
}

func (c *Capture) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{GotConn: c.record}
}
