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

package mock

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Event is one scripted exchange served by a Connector.
type Event struct {
	// When restricts the event to matching requests. Nil matches anything.
	When *Match
	// Status, Header and Body describe the response.
	Status int
	Header http.Header
	Body   string
	// BodyReader, when set, is used as the response body instead of Body.
	BodyReader io.ReadCloser
	// Err makes Send fail instead of responding.
	Err error
	// Delay is waited before responding; the request context can cut it short.
	Delay time.Duration
}

// Match selects requests by method and path.
type Match struct {
	Method string
	Path   string
}

func (m *Match) matches(req *http.Request) bool {
	if m == nil {
		return true
	}
	if m.Method != "" && !strings.EqualFold(m.Method, req.Method) {
		return false
	}
	if m.Path != "" && m.Path != req.URL.Path {
		return false
	}
	return true
}

// Recorded is a request observed by a Connector.
type Recorded struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// ErrNoEvent is returned when no scripted event matches a request.
var ErrNoEvent = errors.New("mock: no matching event")

// Connector replays scripted events in order. The Default event, when set,
// answers once the script is exhausted.
type Connector struct {
	mu       sync.Mutex
	events   []Event
	Default  *Event
	recorded []Recorded
	logger   *slog.Logger
}

// NewConnector creates a connector that serves events in order.
func NewConnector(events ...Event) *Connector {
	return &Connector{events: events, logger: slog.Default()}
}

// WithLogger sets the logger used for "[MOCK]" debug lines.
func (c *Connector) WithLogger(logger *slog.Logger) *Connector {
	c.logger = logger
	return c
}

// Respond is shorthand for an event answering with status and body.
func Respond(status int, body string) Event {
	return Event{Status: status, Body: body}
}

// Fail is shorthand for an event failing with err.
func Fail(err error) Event {
	return Event{Err: err}
}

// Send implements the orchestrator connector contract.
func (c *Connector) Send(req *http.Request) (*http.Response, error) {
	rec := Recorded{Method: req.Method, URL: req.URL.String(), Header: req.Header.Clone()}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("mock: read request body: %w", err)
		}
		rec.Body = body
	}

	c.mu.Lock()
	c.recorded = append(c.recorded, rec)
	ev, ok := c.next(req)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("[MOCK] no event for request", "method", req.Method, "url", rec.URL)
		return nil, ErrNoEvent
	}

	if ev.Delay > 0 {
		timer := time.NewTimer(ev.Delay)
		defer timer.Stop()
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
	if ev.Err != nil {
		return nil, ev.Err
	}

	body := ev.BodyReader
	if body == nil {
		body = io.NopCloser(bytes.NewBufferString(ev.Body))
	}
	header := ev.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	status := ev.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       body,
		Request:    req,
	}, nil
}

func (c *Connector) next(req *http.Request) (Event, bool) {
	for i, ev := range c.events {
		if ev.When.matches(req) {
			c.events = append(c.events[:i:i], c.events[i+1:]...)
			return ev, true
		}
	}
	if c.Default != nil && c.Default.When.matches(req) {
		return *c.Default, true
	}
	return Event{}, false
}

// Requests returns the requests received so far.
func (c *Connector) Requests() []Recorded {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Recorded, len(c.recorded))
	copy(out, c.recorded)
	return out
}

// Remaining returns how many scripted events have not been served.
func (c *Connector) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}
