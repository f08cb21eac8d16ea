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

// Package health keeps connections and streams healthy: it evicts
// connections to peers that failed transiently and fails bodies whose
// throughput stalls.
package health

import (
	"errors"
	"log/slog"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/orchestrator"
	"github.com/tombee/relay/pkg/retry"
	"github.com/tombee/relay/pkg/transport"
)

// ErrNoCapturedConnection is returned in strict mode when a connection
// should be poisoned but the connector never reported one.
var ErrNoCapturedConnection = errors.New("connection should be poisoned but none was captured")

// PoisonObserver is told about every poisoned connection.
type PoisonObserver func(remoteAddr string)

// PoisoningInterceptor drops the connection used by an attempt that failed
// transiently, so the next attempt dials a fresh one.
type PoisoningInterceptor struct {
	orchestrator.BaseInterceptor

	strict   bool
	observer PoisonObserver
	logger   *slog.Logger
}

// PoisoningOption configures a PoisoningInterceptor.
type PoisoningOption func(*PoisoningInterceptor)

// WithStrictPoisoning fails the attempt when poisoning is required but no
// connection was captured.
func WithStrictPoisoning() PoisoningOption {
	return func(p *PoisoningInterceptor) { p.strict = true }
}

// WithPoisonObserver registers fn for poisoned connections.
func WithPoisonObserver(fn PoisonObserver) PoisoningOption {
	return func(p *PoisoningInterceptor) { p.observer = fn }
}

// WithPoisoningLogger sets the logger.
func WithPoisoningLogger(logger *slog.Logger) PoisoningOption {
	return func(p *PoisoningInterceptor) { p.logger = logger }
}

// NewPoisoningInterceptor creates the interceptor.
func NewPoisoningInterceptor(opts ...PoisoningOption) *PoisoningInterceptor {
	p := &PoisoningInterceptor{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "connection_poisoning")
	return p
}

// Name implements orchestrator.Interceptor.
func (p *PoisoningInterceptor) Name() string { return "connection_poisoning" }

// ModifyBeforeTransmit installs a fresh capture for the attempt, both in the
// call configuration and on the request context where the connector finds it.
func (p *PoisoningInterceptor) ModifyBeforeTransmit(cc *orchestrator.CallContext, cfg *configbag.Bag) error {
	req := cc.Request()
	if req == nil {
		return nil
	}
	capture := transport.NewCapture()
	configbag.Store(cfg, capture)
	cc.ReplaceRequest(req.WithContext(transport.WithCapture(req.Context(), capture)))
	return nil
}

// ReadAfterAttempt poisons the captured connection when the attempt failed
// transiently and the reconnect mode asks for it.
func (p *PoisoningInterceptor) ReadAfterAttempt(cc *orchestrator.CallContext, cfg *configbag.Bag) error {
	if configbag.LoadOr(cfg, retry.DefaultConfig()).ReconnectMode != retry.ReconnectOnTransientError {
		return nil
	}
	action, classifier := retry.ClassifiersFrom(cfg).Classify(cc)
	if !action.IsTransient() {
		return nil
	}

	capture, ok := configbag.Load[*transport.Capture](cfg)
	if !ok || !capture.Captured() {
		if p.strict {
			return ErrNoCapturedConnection
		}
		p.logger.Debug("no connection captured; nothing to poison",
			"attempt", cc.Attempt(),
			"classifier", classifier)
		return nil
	}

	addr := capture.RemoteAddr()
	if capture.Poison() {
		p.logger.Debug("poisoned connection after transient failure",
			"attempt", cc.Attempt(),
			"remote_addr", addr,
			"classifier", classifier,
			"error_kind", action.Reason.Kind.String())
		if p.observer != nil {
			p.observer(addr)
		}
	}
	return nil
}
