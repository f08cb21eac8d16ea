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

// Package call implements the call command, which sends one request
// through the full client runtime.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/tombee/relay/internal/commands/shared"
	"github.com/tombee/relay/pkg/client"
	"github.com/tombee/relay/pkg/orchestrator"
	"github.com/tombee/relay/pkg/retry"
)

type options struct {
	method      string
	path        string
	data        string
	headers     []string
	query       []string
	maxAttempts int
	timeout     time.Duration
	showMetrics bool
}

// Response is the JSON form of a call result.
type Response struct {
	shared.JSONResponse
	Operation  string              `json:"operation"`
	StatusCode int                 `json:"status_code,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       json.RawMessage     `json:"body,omitempty"`
	Error      *shared.JSONError   `json:"error,omitempty"`
}

// NewCommand creates the call command
func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "call OPERATION",
		Short: "Send a request through the client runtime",
		Long: `Send one request to the configured service with signing, retries,
timeouts and connection health checks applied.

OPERATION names the call in logs, metrics and traces.

Request bodies come from --data. Use --data @file to read a file or
--data @- to read stdin.`,
		Example: `  relay call ListThings --path /things
  relay call PutThing --method PUT --path /things/42 --data '{"name":"x"}'
  relay call GetThing --path /things/42 --max-attempts 1 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&opts.path, "path", "p", "/", "Request path")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "Request body, @file or @- for stdin")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	cmd.Flags().StringArrayVarP(&opts.query, "query", "q", nil, "Query parameter as key=value (repeatable)")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", 0, "Override retry.max_attempts for this call")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Override timeouts.operation for this call")
	cmd.Flags().BoolVar(&opts.showMetrics, "metrics", false, "Print collected metrics to stderr after the call")

	return cmd
}

func run(cmd *cobra.Command, name string, opts *options) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildRequest(opts, cmd.InOrStdin())
	if err != nil {
		return shared.NewConfigError("invalid request", err)
	}

	rt, err := shared.NewRuntime(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	var callOpts []client.CallOption
	if opts.maxAttempts > 0 {
		rc := rt.Client.Config().Retry
		rc.MaxAttempts = opts.maxAttempts
		callOpts = append(callOpts, client.WithRetry(rc))
	}
	if opts.timeout > 0 {
		tc := rt.Client.Config().Timeouts
		tc.Operation = opts.timeout
		callOpts = append(callOpts, client.WithTimeouts(tc))
	}

	resp, callErr := client.Invoke(ctx, rt.Client, client.RawOperation(name), req, callOpts...)

	if opts.showMetrics {
		if err := writeMetrics(cmd.ErrOrStderr(), rt); err != nil {
			rt.Logger.Warn("failed to write metrics", "error", err)
		}
	}

	if shared.GetJSON() {
		out := Response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "call", Success: callErr == nil},
			Operation:    name,
		}
		if callErr != nil {
			out.Error = jsonError(callErr)
		} else {
			out.StatusCode = resp.StatusCode
			out.Headers = resp.Header
			out.Body = jsonBody(resp.Body)
		}
		if err := shared.EmitJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	}
	if callErr != nil {
		return shared.NewCallError(fmt.Sprintf("%s failed", name), callErr)
	}

	if !shared.GetJSON() {
		w := cmd.OutOrStdout()
		if _, err := w.Write(resp.Body); err != nil {
			return err
		}
		if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
	return nil
}

func buildRequest(opts *options, stdin io.Reader) (client.RawRequest, error) {
	req := client.RawRequest{
		Method: strings.ToUpper(opts.method),
		Path:   opts.path,
		Query:  url.Values{},
		Header: http.Header{},
	}
	if !strings.HasPrefix(req.Path, "/") {
		req.Path = "/" + req.Path
	}

	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return req, fmt.Errorf("header %q must be 'Name: value'", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	for _, q := range opts.query {
		key, value, ok := strings.Cut(q, "=")
		if !ok || key == "" {
			return req, fmt.Errorf("query parameter %q must be key=value", q)
		}
		req.Query.Add(key, value)
	}

	body, err := readData(opts.data, stdin)
	if err != nil {
		return req, err
	}
	req.Body = body
	if len(body) > 0 && req.Header.Get("Content-Type") == "" && json.Valid(body) {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func readData(data string, stdin io.Reader) ([]byte, error) {
	switch {
	case data == "":
		return nil, nil
	case data == "@-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		return b, nil
	}
	return []byte(data), nil
}

func jsonBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

func jsonError(err error) *shared.JSONError {
	je := &shared.JSONError{Kind: "error", Message: err.Error()}
	var callErr *orchestrator.CallError
	if errors.As(err, &callErr) {
		je.Kind = callErr.Kind.String()
		je.StatusCode = callErr.StatusCode()
	}
	var svcErr *orchestrator.ServiceError
	if errors.As(err, &svcErr) {
		je.Code = svcErr.Code
		je.RequestID = svcErr.RequestID
		je.StatusCode = svcErr.StatusCode
	}
	if errors.Is(err, retry.ErrClientDisabled) {
		je.Kind = "client_disabled"
	}
	return je
}

func writeMetrics(w io.Writer, rt *shared.Runtime) error {
	families, err := rt.Registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
