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
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a terminal call failure.
type ErrorKind int

const (
	// KindConstruction covers bad input, serialization, endpoint resolution
	// and signing failures. These are never retried.
	KindConstruction ErrorKind = iota
	// KindConnector is a network-level failure reported by the transport.
	KindConnector
	// KindTimeout is an attempt or operation timeout.
	KindTimeout
	// KindResponse is a response that could not be deserialized.
	KindResponse
	// KindService is a well-formed error returned by the remote service.
	KindService
	// KindInterceptor is a failure raised by an interceptor hook.
	KindInterceptor
)

func (k ErrorKind) String() string {
	switch k {
	case KindConstruction:
		return "construction"
	case KindConnector:
		return "connector"
	case KindTimeout:
		return "timeout"
	case KindResponse:
		return "response"
	case KindService:
		return "service"
	case KindInterceptor:
		return "interceptor"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// CallError is the single terminal error type returned by Invoke.
type CallError struct {
	Kind  ErrorKind
	Phase Phase
	// Hook and Interceptor are set for KindInterceptor.
	Hook        Hook
	Interceptor string
	// Response is the raw response when one was received before the failure.
	// Its body has already been consumed.
	Response *http.Response
	Err      error
}

func (e *CallError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s error during %s", e.Kind, e.Phase)
	if e.Kind == KindInterceptor {
		fmt.Fprintf(&sb, " (%s in %s)", e.Interceptor, e.Hook)
	}
	if e.Response != nil {
		fmt.Fprintf(&sb, " [HTTP %d]", e.Response.StatusCode)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *CallError) Unwrap() error { return e.Err }

// StatusCode returns the response status code, or 0 when no response was
// received.
func (e *CallError) StatusCode() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.StatusCode
}

// ConnectorErrorKind classifies transport failures.
type ConnectorErrorKind int

const (
	ConnectorOther ConnectorErrorKind = iota
	ConnectorTimeout
	ConnectorIO
	// ConnectorUser is a failure caused by the caller, such as cancellation
	// or a request body that failed to read.
	ConnectorUser
)

func (k ConnectorErrorKind) String() string {
	switch k {
	case ConnectorTimeout:
		return "timeout"
	case ConnectorIO:
		return "io"
	case ConnectorUser:
		return "user"
	default:
		return "other"
	}
}

// ConnectorError is returned by transports and body readers when the
// exchange with the peer fails.
type ConnectorError struct {
	Kind ConnectorErrorKind
	Err  error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector %s error: %v", e.Kind, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// ModeledError is implemented by errors the remote service describes with an
// error code.
type ModeledError interface {
	error
	ErrorCode() string
}

// ServiceError is a generic modeled service error.
type ServiceError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("service error (HTTP %d)", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += " (request id " + e.RequestID + ")"
	}
	return msg
}

// ErrorCode implements ModeledError.
func (e *ServiceError) ErrorCode() string { return e.Code }

// Failure returns the CallError behind err, if any.
func Failure(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// classifyDeserializeError picks the kind for an error returned by a
// deserializer. Body read failures keep their transport classification.
func classifyDeserializeError(err error) ErrorKind {
	var connErr *ConnectorError
	if errors.As(err, &connErr) {
		return KindConnector
	}
	var modeled ModeledError
	if errors.As(err, &modeled) {
		return KindService
	}
	return KindResponse
}
