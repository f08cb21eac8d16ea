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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/pkg/identity"
	"github.com/tombee/relay/pkg/orchestrator"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitCallFailed  = 1
	ExitConfigError = 2
	ExitCredentials = 3
	ExitTimeout     = 4
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for configuration failures
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// NewCallError creates an error for a failed call, choosing the exit code
// from the failure.
func NewCallError(msg string, cause error) *ExitError {
	code := ExitCallFailed
	var callErr *orchestrator.CallError
	switch {
	case identity.IsNotConfigured(cause):
		code = ExitCredentials
	case errors.As(cause, &callErr) && callErr.Kind == orchestrator.KindTimeout:
		code = ExitTimeout
	}
	return &ExitError{Code: code, Message: msg, Cause: cause}
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(WriteExitError(os.Stderr, err))
}

// WriteExitError writes err with a hint where one applies and returns
// the exit code.
func WriteExitError(w io.Writer, err error) int {
	fmt.Fprintln(w, "Error:", err.Error())
	if hint := suggestion(err); hint != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", hint)
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	return ExitCallFailed
}

func suggestion(err error) string {
	var cfgErr *config.ConfigError
	switch {
	case identity.IsNotConfigured(err):
		return "set credentials.source in the config file or export AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY"
	case errors.As(err, &cfgErr):
		return "check the config file or run with --config pointing at a valid file"
	}
	var callErr *orchestrator.CallError
	if errors.As(err, &callErr) && callErr.Kind == orchestrator.KindTimeout {
		return "raise timeouts.operation or timeouts.attempt"
	}
	return ""
}
