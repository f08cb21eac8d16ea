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

// Package tracing sets up OpenTelemetry tracing for relay clients.
//
// The orchestrator starts one client span per call and one child span per
// attempt. This package builds the TracerProvider those spans are recorded
// by, including the sampler, the resource describing the process and the
// exporter that ships finished spans.
package tracing

import (
	"fmt"
	"strings"
	"time"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterNone     = "none"
	ExporterConsole  = "console"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp-http"
)

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether spans are recorded at all.
	Enabled bool

	// ServiceName identifies this process in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// SampleRate is the fraction of root traces recorded (0.0 - 1.0).
	// Child spans follow their parent's decision.
	SampleRate float64

	// Exporter selects where spans go: none, console, otlp or otlp-http.
	Exporter string

	// Endpoint is the OTLP receiver, host:port for otlp or a host for
	// otlp-http.
	Endpoint string

	// Insecure disables TLS towards the OTLP receiver.
	Insecure bool

	// Headers are sent with every OTLP export request.
	Headers map[string]string

	// ExportTimeout bounds one export request.
	ExportTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "relay",
		ServiceVersion: "unknown",
		SampleRate:     1.0,
		Exporter:       ExporterNone,
		ExportTimeout:  10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %v", c.SampleRate)
	}
	switch strings.ToLower(c.Exporter) {
	case "", ExporterNone, ExporterConsole:
	case ExporterOTLP, ExporterOTLPHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the %s exporter", c.Exporter)
		}
	default:
		return fmt.Errorf("exporter must be one of none, console, otlp, otlp-http, got %q", c.Exporter)
	}
	if c.ExportTimeout < 0 {
		return fmt.Errorf("export_timeout must not be negative, got %v", c.ExportTimeout)
	}
	return nil
}
