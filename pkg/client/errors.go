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
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tombee/relay/pkg/identity"
	"github.com/tombee/relay/pkg/orchestrator"
)

// maxErrorBodyBytes bounds how much of an error response is read.
const maxErrorBodyBytes = 1 << 20

var requestIDHeaders = []string{"X-Amzn-Requestid", "X-Amz-Request-Id", "X-Request-Id"}

// ParseErrorResponse reads an error response into an
// *orchestrator.ServiceError. XML envelopes (<Error><Code>, optionally
// inside <ErrorResponse>) and JSON envelopes (__type/code plus
// message) are understood; anything else keeps the status text.
func ParseErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}

	code, message := parseErrorBody(body)
	if code == "" {
		code = errorTypeHeader(resp.Header)
	}
	if message == "" && code == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &orchestrator.ServiceError{
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    identity.SanitizeAWSError(message),
		RequestID:  requestID(resp.Header),
	}
}

func parseErrorBody(body []byte) (code, message string) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", ""
	}

	if strings.HasPrefix(trimmed, "<") {
		var flat struct {
			Code    string `xml:"Code"`
			Message string `xml:"Message"`
		}
		if err := xml.Unmarshal(body, &flat); err == nil && flat.Code != "" {
			return flat.Code, flat.Message
		}
		var nested struct {
			Code    string `xml:"Error>Code"`
			Message string `xml:"Error>Message"`
		}
		if err := xml.Unmarshal(body, &nested); err == nil && nested.Code != "" {
			return nested.Code, nested.Message
		}
		return "", ""
	}

	var env struct {
		Type         string `json:"__type"`
		Code         string `json:"code"`
		Message      string `json:"message"`
		MessageUpper string `json:"Message"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return "", ""
	}
	code = env.Type
	if code == "" {
		code = env.Code
	}
	message = env.Message
	if message == "" {
		message = env.MessageUpper
	}
	return sanitizeErrorCode(code), message
}

// sanitizeErrorCode strips the namespace and URI decorations some
// protocols put around the code, e.g. "aws.protocoltests#FooError:http://...".
func sanitizeErrorCode(code string) string {
	if i := strings.Index(code, ":"); i >= 0 {
		code = code[:i]
	}
	if i := strings.LastIndex(code, "#"); i >= 0 {
		code = code[i+1:]
	}
	return code
}

func errorTypeHeader(h http.Header) string {
	return sanitizeErrorCode(h.Get("X-Amzn-Errortype"))
}

func requestID(h http.Header) string {
	for _, name := range requestIDHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
