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

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// CallContext carries the state of one call through its phases.
//
// The input, request, response and output slots each start empty and may be
// filled once. Filling an occupied slot is a programming error and panics.
// A CallContext is owned by the orchestrator for the duration of one call.
type CallContext struct {
	phase Phase

	input    any
	hasInput bool

	request  *http.Request
	response *http.Response

	output    any
	err       error
	hasOutput bool

	checkpoint *http.Request
	attempt    int
	logger     *slog.Logger
}

// NewCallContext creates a context holding the call's input.
func NewCallContext(input any) *CallContext {
	return &CallContext{input: input, hasInput: true, logger: slog.Default()}
}

// Phase returns the current phase.
func (c *CallContext) Phase() Phase { return c.phase }

// Attempt returns the 1-based attempt number, or 0 before the first attempt.
func (c *CallContext) Attempt() int { return c.attempt }

// Input returns the call input if it has not been consumed.
func (c *CallContext) Input() (any, bool) { return c.input, c.hasInput }

// TakeInput removes and returns the input.
func (c *CallContext) TakeInput() (any, bool) {
	in, ok := c.input, c.hasInput
	c.input, c.hasInput = nil, false
	return in, ok
}

// Request returns the pending request, or nil.
func (c *CallContext) Request() *http.Request { return c.request }

// SetRequest fills the request slot.
func (c *CallContext) SetRequest(req *http.Request) {
	if c.request != nil {
		panic("orchestrator: request slot already filled")
	}
	c.request = req
}

// ReplaceRequest swaps the pending request, for example to attach values to
// its context. It panics when no request is pending.
func (c *CallContext) ReplaceRequest(req *http.Request) {
	if c.request == nil {
		panic("orchestrator: no pending request to replace")
	}
	if req == nil {
		panic("orchestrator: replacement request is nil")
	}
	c.request = req
}

// TakeRequest removes and returns the pending request.
func (c *CallContext) TakeRequest() *http.Request {
	req := c.request
	c.request = nil
	return req
}

// Response returns the received response, or nil.
func (c *CallContext) Response() *http.Response { return c.response }

// SetResponse fills the response slot.
func (c *CallContext) SetResponse(resp *http.Response) {
	if c.response != nil {
		panic("orchestrator: response slot already filled")
	}
	c.response = resp
}

// ReplaceResponse swaps the received response. It panics when none is held.
func (c *CallContext) ReplaceResponse(resp *http.Response) {
	if c.response == nil {
		panic("orchestrator: no response to replace")
	}
	c.response = resp
}

// OutputOrError returns the deserialized output or the failure. ok is false
// when neither has been set yet.
func (c *CallContext) OutputOrError() (out any, err error, ok bool) {
	return c.output, c.err, c.hasOutput
}

// Err returns the recorded failure, if any.
func (c *CallContext) Err() error { return c.err }

// Failed reports whether the call currently holds an error.
func (c *CallContext) Failed() bool { return c.hasOutput && c.err != nil }

// SetOutputOrError fills the output slot with a result.
func (c *CallContext) SetOutputOrError(out any, err error) {
	if c.hasOutput {
		panic("orchestrator: output slot already filled")
	}
	c.output, c.err, c.hasOutput = out, err, true
}

// Fail records a terminal failure, replacing any previous output.
func (c *CallContext) Fail(err error) {
	if c.hasOutput {
		prev := c.err
		if prev == nil {
			prev = fmt.Errorf("output of type %T", c.output)
		}
		c.logger.Debug("replacing call result with failure",
			"previous", prev.Error(),
			"error", err.Error())
	}
	c.output, c.err, c.hasOutput = nil, err, true
}

func (c *CallContext) enterPhase(p Phase) { c.phase = p }

// saveCheckpoint records the serialized request so later attempts can start
// from it.
func (c *CallContext) saveCheckpoint() {
	if c.request == nil {
		return
	}
	c.checkpoint = c.request.Clone(context.Background())
}

// rewind restores the checkpointed request for a new attempt and clears the
// attempt-scoped slots. It reports false when the request body cannot be
// replayed.
func (c *CallContext) rewind(ctx context.Context) bool {
	if c.checkpoint == nil {
		return false
	}
	req := c.checkpoint.Clone(ctx)
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return false
		}
		body, err := req.GetBody()
		if err != nil {
			c.logger.Debug("request body cannot be replayed", "error", err)
			return false
		}
		req.Body = body
	}
	c.request = req
	c.response = nil
	c.output, c.err, c.hasOutput = nil, nil, false
	return true
}
