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

package health

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/orchestrator"
)

// Direction names the body a stall was detected on.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// StallObserver is told about every stalled body.
type StallObserver func(dir Direction, err *StalledStreamError)

// StalledStreamInterceptor wraps request and response bodies with
// MinimumThroughputBody. A StallConfig stored in the call configuration
// overrides the interceptor's own.
type StalledStreamInterceptor struct {
	orchestrator.BaseInterceptor

	config   StallConfig
	observer StallObserver
	logger   *slog.Logger
}

// NewStalledStreamInterceptor creates the interceptor. observer and logger
// may be nil.
func NewStalledStreamInterceptor(cfg StallConfig, observer StallObserver, logger *slog.Logger) *StalledStreamInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StalledStreamInterceptor{
		config:   cfg,
		observer: observer,
		logger:   logger.With("component", "stalled_stream"),
	}
}

// Name implements orchestrator.Interceptor.
func (i *StalledStreamInterceptor) Name() string { return "stalled_stream_protection" }

// ModifyBeforeTransmit wraps the request body.
func (i *StalledStreamInterceptor) ModifyBeforeTransmit(cc *orchestrator.CallContext, cfg *configbag.Bag) error {
	conf := configbag.LoadOr(cfg, i.config)
	req := cc.Request()
	if !conf.Upload || req == nil || req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	onStall := i.stalled(Upload, cc.Attempt())
	req.Body = NewMinimumThroughputBody(req.Body, conf, onStall)
	if getBody := req.GetBody; getBody != nil {
		// net/http replays GetBody when a reused connection fails mid-write.
		req.GetBody = func() (io.ReadCloser, error) {
			body, err := getBody()
			if err != nil || body == http.NoBody {
				return body, err
			}
			return NewMinimumThroughputBody(body, conf, onStall), nil
		}
	}
	return nil
}

// ModifyBeforeDeserialization wraps the response body.
func (i *StalledStreamInterceptor) ModifyBeforeDeserialization(cc *orchestrator.CallContext, cfg *configbag.Bag) error {
	conf := configbag.LoadOr(cfg, i.config)
	resp := cc.Response()
	if !conf.Download || resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}
	resp.Body = NewMinimumThroughputBody(resp.Body, conf, i.stalled(Download, cc.Attempt()))
	return nil
}

func (i *StalledStreamInterceptor) stalled(dir Direction, attempt int) func(*StalledStreamError) {
	return func(err *StalledStreamError) {
		i.logger.Warn("stream stalled",
			"direction", string(dir),
			"attempt", attempt,
			"error", err)
		if i.observer != nil {
			i.observer(dir, err)
		}
	}
}
