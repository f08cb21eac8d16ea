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

// Package orchestrator drives a single API call through its lifecycle.
//
// A call moves through serialization, then one or more attempts of
// endpoint resolution, signing, transmission and deserialization. Interceptors
// observe every boundary. After each attempt the retry strategy decides
// whether another attempt is made; retried attempts restart from the
// checkpointed serialized request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/endpoint"
)

const tracerName = "github.com/tombee/relay/pkg/orchestrator"

// maxDrainBytes bounds how much of an unread response body is discarded to
// keep the connection reusable.
const maxDrainBytes = 64 << 10

// SerializeFunc encodes a call input into a request. The request URL only
// needs a path and query; the host comes from endpoint resolution.
type SerializeFunc func(input any, cfg *configbag.Bag) (*http.Request, error)

// DeserializeFunc decodes a response into an output or a modeled error.
type DeserializeFunc func(resp *http.Response, cfg *configbag.Bag) (any, error)

// Operation describes one API operation.
type Operation struct {
	Name         string
	Serialize    SerializeFunc
	Deserialize  DeserializeFunc
	Interceptors []Interceptor
	// Config is layered over the client configuration for this operation.
	Config *configbag.FrozenLayer
	// StreamingOutput leaves the response body open on success so the output
	// can stream it. The caller must close it.
	StreamingOutput bool
}

// Components are the collaborators shared by every call.
type Components struct {
	// Connector is required.
	Connector Connector
	// EndpointResolver is optional. Without one the serialized request must
	// carry an absolute URL.
	EndpointResolver endpoint.Resolver
	// Auth is optional. Without one requests are sent unsigned.
	Auth Authenticator
	// RetryStrategy defaults to NeverRetry.
	RetryStrategy RetryStrategy
	Interceptors  []Interceptor
	// Config is the client-wide base layer.
	Config *configbag.FrozenLayer
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Orchestrator runs calls. It is safe for concurrent use.
type Orchestrator struct {
	connector    Connector
	resolver     endpoint.Resolver
	auth         Authenticator
	strategy     RetryStrategy
	interceptors []Interceptor
	config       *configbag.FrozenLayer
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New creates an orchestrator.
func New(c Components) (*Orchestrator, error) {
	if c.Connector == nil {
		return nil, errors.New("orchestrator: connector is required")
	}
	o := &Orchestrator{
		connector:    c.Connector,
		resolver:     c.EndpointResolver,
		auth:         c.Auth,
		strategy:     c.RetryStrategy,
		interceptors: c.Interceptors,
		config:       c.Config,
		logger:       c.Logger,
		tracer:       c.Tracer,
	}
	if o.strategy == nil {
		o.strategy = NeverRetry{}
	}
	if o.config == nil {
		o.config = configbag.NewLayer("empty").Freeze()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o, nil
}

// call holds the per-invocation state threaded through the steps.
type call struct {
	op           Operation
	cc           *CallContext
	cfg          *configbag.Bag
	interceptors []Interceptor
	logger       *slog.Logger
	timeouts     TimeoutConfig
	// final is set when the failure must not be retried.
	final bool
}

// Invoke runs op with input and returns its output or a *CallError.
func (o *Orchestrator) Invoke(ctx context.Context, op Operation, input any) (any, error) {
	if op.Serialize == nil || op.Deserialize == nil {
		return nil, fmt.Errorf("orchestrator: operation %q needs a serializer and a deserializer", op.Name)
	}

	cfg := configbag.New(o.config, op.Config)
	configbag.Store(cfg, OperationName(op.Name))
	timeouts := configbag.LoadOr(cfg, TimeoutConfig{})
	if timeouts.Operation > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeouts.Operation,
			&TimeoutError{Scope: "operation", After: timeouts.Operation})
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, op.Name, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.method", op.Name)))
	defer span.End()

	logger := o.logger.With("operation", op.Name)
	cc := NewCallContext(input)
	cc.logger = logger

	interceptors := make([]Interceptor, 0, len(o.interceptors)+len(op.Interceptors))
	interceptors = append(interceptors, o.interceptors...)
	interceptors = append(interceptors, op.Interceptors...)

	c := &call{
		op:           op,
		cc:           cc,
		cfg:          cfg,
		interceptors: interceptors,
		logger:       logger,
		timeouts:     timeouts,
	}

	o.tryOp(ctx, c)
	o.finallyOp(c)

	out, err, ok := cc.OutputOrError()
	if !ok {
		err = &CallError{Kind: KindConstruction, Phase: cc.Phase(), Err: errors.New("call finished without a result")}
	}
	span.SetAttributes(attribute.Int("rpc.attempts", cc.Attempt()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// halt records err as the call's failure and reports whether it did.
func (c *call) halt(err error) bool {
	if err == nil {
		return false
	}
	c.cc.Fail(err)
	return true
}

func (c *call) run(h Hook) error {
	return runHook(c.logger, h, c.interceptors, c.cc, c.cfg)
}

func (c *call) fail(kind ErrorKind, err error) *CallError {
	return &CallError{Kind: kind, Phase: c.cc.Phase(), Response: c.cc.Response(), Err: err}
}

func (o *Orchestrator) tryOp(ctx context.Context, c *call) {
	cc := c.cc

	cc.enterPhase(PhaseBeforeSerialization)
	if c.halt(c.run(HookReadBeforeExecution)) ||
		c.halt(c.run(HookModifyBeforeSerialization)) ||
		c.halt(c.run(HookReadBeforeSerialization)) {
		return
	}

	cc.enterPhase(PhaseSerialization)
	input, _ := cc.TakeInput()
	req, err := c.op.Serialize(input, c.cfg)
	if err != nil {
		c.halt(c.fail(KindConstruction, fmt.Errorf("serialize input: %w", err)))
		return
	}
	if req == nil {
		c.halt(c.fail(KindConstruction, errors.New("serializer returned no request")))
		return
	}
	cc.SetRequest(req)
	if c.halt(c.run(HookReadAfterSerialization)) {
		return
	}

	cc.enterPhase(PhaseBeforeTransmit)
	if c.halt(c.run(HookModifyBeforeRetryLoop)) {
		return
	}
	cc.saveCheckpoint()

	if err := o.strategy.ShouldAttemptInitialRequest(ctx, c.cfg); err != nil {
		c.halt(o.suspensionError(ctx, c, err))
		return
	}

	var abandon func()
	for attempt := 1; ; attempt++ {
		cc.attempt = attempt
		configbag.Store(c.cfg, RequestAttempts(attempt))

		if attempt > 1 && !cc.rewind(ctx) {
			c.logger.Debug("request cannot be rewound; not retrying", "attempt", attempt)
			if abandon != nil {
				abandon()
			}
			return
		}
		abandon = nil

		o.attempt(ctx, c)

		if c.final {
			return
		}

		decision, err := o.strategy.ShouldAttemptRetry(ctx, cc, c.cfg)
		if err != nil {
			c.halt(c.fail(KindConstruction, fmt.Errorf("retry strategy: %w", err)))
			return
		}
		if !decision.Retry {
			return
		}
		abandon = decision.Abandon
		if err := sleep(ctx, decision.Delay); err != nil {
			if decision.Abandon != nil {
				decision.Abandon()
			}
			c.halt(o.suspensionError(ctx, c, err))
			return
		}
		c.logger.Debug("retrying",
			"attempt", attempt+1,
			"delay", decision.Delay)
	}
}

// attempt runs one transmit-and-receive cycle followed by the attempt
// completion hooks.
func (o *Orchestrator) attempt(ctx context.Context, c *call) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if d := c.timeouts.OperationAttempt; d > 0 {
		attemptCtx, cancel = context.WithTimeoutCause(ctx, d, &TimeoutError{Scope: "attempt", After: d})
	}
	attemptCtx, span := o.tracer.Start(attemptCtx, "attempt",
		trace.WithAttributes(attribute.Int("rpc.attempt", c.cc.Attempt())))

	keepOpen := o.tryAttempt(attemptCtx, c, cancel)
	o.finallyAttempt(c)
	if keepOpen && c.cc.Failed() {
		closeBody(c.cc.Response())
		keepOpen = false
	}
	if !keepOpen {
		cancel()
	}

	if err := c.cc.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// tryAttempt reports whether the response body was handed to the output
// with the attempt context still live.
func (o *Orchestrator) tryAttempt(ctx context.Context, c *call, cancel context.CancelFunc) bool {
	cc := c.cc
	cc.enterPhase(PhaseBeforeTransmit)
	cc.ReplaceRequest(cc.Request().WithContext(ctx))

	if c.halt(c.run(HookReadBeforeAttempt)) {
		return false
	}

	if o.resolver != nil {
		params := configbag.LoadOr(c.cfg, endpoint.Params{})
		ep, err := o.resolver.ResolveEndpoint(ctx, params)
		if err == nil {
			err = endpoint.Apply(cc.Request(), ep)
		}
		if err != nil {
			c.final = true
			c.halt(c.fail(KindConstruction, fmt.Errorf("resolve endpoint: %w", err)))
			return false
		}
		configbag.Store(c.cfg, ep)
	}

	if c.halt(c.run(HookModifyBeforeSigning)) ||
		c.halt(c.run(HookReadBeforeSigning)) {
		return false
	}
	if o.auth != nil {
		if err := o.auth.Authenticate(ctx, cc.Request(), c.cfg); err != nil {
			c.final = true
			c.halt(c.fail(KindConstruction, fmt.Errorf("sign request: %w", err)))
			return false
		}
	}
	if c.halt(c.run(HookReadAfterSigning)) ||
		c.halt(c.run(HookModifyBeforeTransmit)) ||
		c.halt(c.run(HookReadBeforeTransmit)) {
		return false
	}

	cc.enterPhase(PhaseTransmit)
	resp, err := o.connector.Send(cc.TakeRequest())
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		c.halt(o.transportError(ctx, c, err))
		return false
	}
	cc.SetResponse(resp)
	if c.halt(c.run(HookReadAfterTransmit)) {
		closeBody(resp)
		return false
	}

	cc.enterPhase(PhaseBeforeDeserialization)
	if c.halt(c.run(HookModifyBeforeDeserialization)) ||
		c.halt(c.run(HookReadBeforeDeserialization)) {
		closeBody(cc.Response())
		return false
	}

	cc.enterPhase(PhaseDeserialization)
	resp = cc.Response()
	if c.op.StreamingOutput && resp.Body != nil {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	out, err := c.op.Deserialize(resp, c.cfg)
	keepOpen := c.op.StreamingOutput && err == nil
	if !keepOpen {
		closeBody(resp)
	}
	if err != nil {
		err = o.deserializeError(ctx, c, err)
	}
	cc.SetOutputOrError(out, err)
	if c.halt(c.run(HookReadAfterDeserialization)) {
		return keepOpen
	}

	cc.enterPhase(PhaseAfterDeserialization)
	return keepOpen
}

func (o *Orchestrator) finallyAttempt(c *call) {
	for _, h := range []Hook{HookModifyBeforeAttemptCompletion, HookReadAfterAttempt} {
		c.halt(c.run(h))
	}
}

func (o *Orchestrator) finallyOp(c *call) {
	for _, h := range []Hook{HookModifyBeforeCompletion, HookReadAfterExecution} {
		c.halt(c.run(h))
	}
}

// transportError converts a connector failure, distinguishing timeouts.
func (o *Orchestrator) transportError(ctx context.Context, c *call, err error) *CallError {
	if te := timeoutCause(ctx); te != nil {
		return c.fail(KindTimeout, te)
	}
	var connErr *ConnectorError
	if !errors.As(err, &connErr) {
		kind := ConnectorOther
		if ctx.Err() != nil {
			kind = ConnectorUser
		}
		err = &ConnectorError{Kind: kind, Err: err}
	}
	return c.fail(KindConnector, err)
}

func (o *Orchestrator) deserializeError(ctx context.Context, c *call, err error) *CallError {
	if te := timeoutCause(ctx); te != nil {
		return c.fail(KindTimeout, fmt.Errorf("%w: %w", te, err))
	}
	return c.fail(classifyDeserializeError(err), err)
}

// suspensionError reports a failure while the call was waiting outside an
// attempt.
func (o *Orchestrator) suspensionError(ctx context.Context, c *call, err error) *CallError {
	if te := timeoutCause(ctx); te != nil {
		return c.fail(KindTimeout, te)
	}
	if ctx.Err() != nil {
		return c.fail(KindConnector, &ConnectorError{Kind: ConnectorUser, Err: err})
	}
	return c.fail(KindConstruction, err)
}

// timeoutCause returns the TimeoutError that ended ctx, if any.
func timeoutCause(ctx context.Context) *TimeoutError {
	var te *TimeoutError
	if errors.As(context.Cause(ctx), &te) {
		return te
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

func closeBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	resp.Body.Close()
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
