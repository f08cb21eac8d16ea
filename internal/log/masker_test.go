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

package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasker_Mask(t *testing.T) {
	m := NewMasker()
	m.AddSecret("hunter2")
	m.AddSecret("")
	m.AddSecretsFromEnv([]string{
		"AWS_SECRET_ACCESS_KEY=wJalrXUtnFEMI",
		"AWS_SESSION_TOKEN=FwoGZXIvYXdz",
		"AWS_REGION=us-east-1",
		"MALFORMED",
	})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"registered value", "password is hunter2", "password is ***"},
		{"env secret", "key=wJalrXUtnFEMI token=FwoGZXIvYXdz", "key=*** token=***"},
		{"non-secret env", "region us-east-1", "region us-east-1"},
		{"repeated", "hunter2hunter2", "******"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Mask(tt.in))
		})
	}
}

func TestMasker_Logger(t *testing.T) {
	m := NewMasker()
	m.AddSecret("s3cret")

	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf, Masker: m})
	logger.Info("loaded s3cret",
		"detail", "value s3cret here",
		"error", errors.New("bad s3cret"),
		"authorization", "AWS4-HMAC-SHA256 Credential=AKIA",
		"attempt", 2,
	)

	out := buf.String()
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "AWS4-HMAC-SHA256")
	assert.Contains(t, out, "authorization=***")
	assert.Contains(t, out, "attempt=2")
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	w := RotatingFile(path, 0, 0)

	logger := New(&Config{Level: "info", Format: FormatJSON, Output: w})
	logger.Info("written to file", ComponentKey, "test")
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written to file"`)
	assert.Contains(t, string(data), `"component":"test"`)
}
