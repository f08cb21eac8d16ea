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
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"syscall"
	"time"

	"github.com/tombee/relay/pkg/orchestrator"
)

// HTTPConnector sends requests with an http.Client and reports failures as
// orchestrator.ConnectorError. It implements orchestrator.Connector.
type HTTPConnector struct {
	client *http.Client
}

// New creates a connector with its own pooled transport.
func New(cfg Config, logger *slog.Logger) (*HTTPConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	if logger == nil {
		logger = slog.Default()
	}
	return NewConnector(&http.Client{
		Transport: newLoggingTransport(base, cfg.UserAgent, logger.With("component", "transport")),
	}), nil
}

// NewConnector wraps an existing client. Redirects are returned to the
// caller rather than followed.
func NewConnector(client *http.Client) *HTTPConnector {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPConnector{client: &c}
}

// Send implements orchestrator.Connector.
func (c *HTTPConnector) Send(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if capture, ok := CaptureFrom(ctx); ok {
		req = req.WithContext(httptrace.WithClientTrace(ctx, capture.trace()))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &orchestrator.ConnectorError{Kind: classifyError(ctx, err), Err: err}
	}
	return resp, nil
}

// CloseIdleConnections closes pooled connections that are not in use.
func (c *HTTPConnector) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

func classifyError(ctx context.Context, err error) orchestrator.ConnectorErrorKind {
	if ctx.Err() != nil {
		return orchestrator.ConnectorUser
	}
	if isTimeoutError(err) {
		return orchestrator.ConnectorTimeout
	}
	if isConnectionError(err) {
		return orchestrator.ConnectorIO
	}
	return orchestrator.ConnectorOther
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, keyword := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"server closed idle connection",
	} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}
