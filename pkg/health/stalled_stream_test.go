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

package health_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/testing/mock"
	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/health"
	"github.com/tombee/relay/pkg/orchestrator"
	"github.com/tombee/relay/pkg/retry"
)

type stallRecorder struct {
	mu   sync.Mutex
	dirs []health.Direction
}

func (r *stallRecorder) observe(dir health.Direction, _ *health.StalledStreamError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, dir)
}

func (r *stallRecorder) directions() []health.Direction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]health.Direction(nil), r.dirs...)
}

func testStallConfig() health.StallConfig {
	return health.StallConfig{
		Upload:        true,
		Download:      true,
		MinThroughput: 1,
		CheckInterval: 10 * time.Millisecond,
		CheckWindow:   50 * time.Millisecond,
	}
}

func TestStalledStreamInterceptor_StalledDownloadIsRetried(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	conn := mock.NewConnector(
		mock.Event{Status: http.StatusOK, BodyReader: pr},
		mock.Respond(http.StatusOK, "ok"),
	)
	rec := &stallRecorder{}
	o := newOrchestrator(t, conn, retryConfig(retry.ReconnectOnTransientError),
		health.NewStalledStreamInterceptor(testStallConfig(), rec.observe, nil))

	out, err := o.Invoke(context.Background(), operation("https://things.test/thing"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, []health.Direction{health.Download}, rec.directions())
}

func TestStalledStreamInterceptor_StalledUpload(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	op := operation("https://things.test/upload")
	op.Serialize = func(any, *configbag.Bag) (*http.Request, error) {
		return http.NewRequest(http.MethodPut, "https://things.test/upload", pr)
	}

	rec := &stallRecorder{}
	o, err := orchestrator.New(orchestrator.Components{
		Connector:    mock.NewConnector(mock.Respond(http.StatusOK, "stored")),
		Interceptors: []orchestrator.Interceptor{health.NewStalledStreamInterceptor(testStallConfig(), rec.observe, nil)},
	})
	require.NoError(t, err)

	_, err = o.Invoke(context.Background(), op, nil)
	require.Error(t, err)

	var stalled *health.StalledStreamError
	assert.True(t, errors.As(err, &stalled), "got %v", err)
	ce, ok := orchestrator.Failure(err)
	require.True(t, ok)
	assert.Equal(t, orchestrator.KindConnector, ce.Kind)
	assert.Equal(t, []health.Direction{health.Upload}, rec.directions())
}

func TestStalledStreamInterceptor_DisabledDirection(t *testing.T) {
	cfg := testStallConfig()
	cfg.Download = false

	conn := mock.NewConnector(mock.Respond(http.StatusOK, "ok"))
	var wrapped bool
	watcher := &bodyWatcher{seen: func(body io.ReadCloser) {
		_, wrapped = body.(*health.MinimumThroughputBody)
	}}
	o, err := orchestrator.New(orchestrator.Components{
		Connector:    conn,
		Interceptors: []orchestrator.Interceptor{health.NewStalledStreamInterceptor(cfg, nil, nil), watcher},
	})
	require.NoError(t, err)

	_, err = o.Invoke(context.Background(), operation("https://things.test/thing"), nil)
	require.NoError(t, err)
	assert.False(t, wrapped)
}

// bodyWatcher reports the response body type seen before deserialization.
type bodyWatcher struct {
	orchestrator.BaseInterceptor
	seen func(io.ReadCloser)
}

func (p *bodyWatcher) Name() string { return "body_watcher" }

func (p *bodyWatcher) ReadBeforeDeserialization(cc *orchestrator.CallContext, _ *configbag.Bag) error {
	p.seen(cc.Response().Body)
	return nil
}

func TestStalledStreamInterceptor_ReplayedUploadIsMonitored(t *testing.T) {
	req, err := http.NewRequest(http.MethodPut, "https://things.test/upload", strings.NewReader("payload"))
	require.NoError(t, err)
	require.NotNil(t, req.GetBody)

	cc := orchestrator.NewCallContext(nil)
	cc.SetRequest(req)
	interceptor := health.NewStalledStreamInterceptor(testStallConfig(), nil, nil)
	require.NoError(t, interceptor.ModifyBeforeTransmit(cc, configbag.New()))

	assert.IsType(t, &health.MinimumThroughputBody{}, req.Body)

	replayed, err := req.GetBody()
	require.NoError(t, err)
	require.IsType(t, &health.MinimumThroughputBody{}, replayed)
	data, err := io.ReadAll(replayed)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	require.NoError(t, replayed.Close())
	require.NoError(t, req.Body.Close())
}
