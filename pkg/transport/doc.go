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

// Package transport sends requests over HTTP for the orchestrator and
// exposes the connection each request used.
//
// The connector is a layered http.RoundTripper stack:
//
//	HTTPConnector.Send
//	  -> loggingTransport (User-Agent default, sanitized request logs)
//	    -> http.Transport (TLS 1.2+, pooled connections)
//
// Retries are not performed here; the orchestrator owns them.
//
// # Connection capture
//
// A Capture placed on the request context with WithCapture records the
// connection the request was sent on. Poisoning the capture closes that
// connection so it is never handed out of the pool again.
//
//	capture := transport.NewCapture()
//	req = req.WithContext(transport.WithCapture(req.Context(), capture))
//	resp, err := connector.Send(req)
//	...
//	capture.Poison()
//
// # Security
//
// Credential-bearing query parameters, including presigned SigV4 parameters,
// are redacted from logs. Authorization headers are never logged.
package transport
