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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/orchestrator"
)

// Operation describes a typed API operation.
type Operation[In, Out any] struct {
	Name        string
	Serialize   func(in In, cfg *configbag.Bag) (*http.Request, error)
	Deserialize func(resp *http.Response, cfg *configbag.Bag) (Out, error)
	// Interceptors run after the client's interceptors for this operation.
	Interceptors []orchestrator.Interceptor
	// Config is layered over the client configuration.
	Config *configbag.FrozenLayer
	// StreamingOutput leaves the response body open for the output.
	StreamingOutput bool
}

func (op Operation[In, Out]) untyped() orchestrator.Operation {
	return orchestrator.Operation{
		Name: op.Name,
		Serialize: func(input any, cfg *configbag.Bag) (*http.Request, error) {
			var in In
			if input != nil {
				v, ok := input.(In)
				if !ok {
					return nil, fmt.Errorf("input has type %T, want %T", input, in)
				}
				in = v
			}
			return op.Serialize(in, cfg)
		},
		Deserialize: func(resp *http.Response, cfg *configbag.Bag) (any, error) {
			return op.Deserialize(resp, cfg)
		},
		Interceptors:    op.Interceptors,
		Config:          op.Config,
		StreamingOutput: op.StreamingOutput,
	}
}

// Invoke runs op on c. Failures are *orchestrator.CallError values.
func Invoke[In, Out any](ctx context.Context, c *Client, op Operation[In, Out], in In, opts ...CallOption) (Out, error) {
	var zero Out
	if op.Serialize == nil || op.Deserialize == nil {
		return zero, fmt.Errorf("operation %q needs a serializer and a deserializer", op.Name)
	}
	out, err := c.InvokeRaw(ctx, op.untyped(), in, opts...)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	v, ok := out.(Out)
	if !ok {
		return zero, fmt.Errorf("operation %q produced %T, want %T", op.Name, out, zero)
	}
	return v, nil
}

// NewJSONRequest builds a request for path with body encoded as JSON. A nil
// body sends no payload. The host is filled in by endpoint resolution.
func NewJSONRequest(method, path string, body any) (*http.Request, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, payload)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// DecodeJSON returns a deserializer that decodes 2xx bodies into Out and
// turns other responses into service errors.
func DecodeJSON[Out any]() func(*http.Response, *configbag.Bag) (Out, error) {
	return func(resp *http.Response, _ *configbag.Bag) (Out, error) {
		var out Out
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return out, ParseErrorResponse(resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
			return out, fmt.Errorf("decode response body: %w", err)
		}
		return out, nil
	}
}

// RawRequest is an uninterpreted request.
type RawRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// RawResponse is an uninterpreted successful response.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RawOperation sends RawRequests as-is. Non-2xx responses become service
// errors.
func RawOperation(name string) Operation[RawRequest, *RawResponse] {
	return Operation[RawRequest, *RawResponse]{
		Name: name,
		Serialize: func(in RawRequest, _ *configbag.Bag) (*http.Request, error) {
			method := in.Method
			if method == "" {
				method = http.MethodGet
			}
			u := &url.URL{Path: in.Path, RawQuery: in.Query.Encode()}
			var body io.Reader
			if len(in.Body) > 0 {
				body = bytes.NewReader(in.Body)
			}
			req, err := http.NewRequest(method, u.String(), body)
			if err != nil {
				return nil, err
			}
			for k, vs := range in.Header {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
			return req, nil
		},
		Deserialize: func(resp *http.Response, _ *configbag.Bag) (*RawResponse, error) {
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, ParseErrorResponse(resp)
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			return &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
		},
	}
}
