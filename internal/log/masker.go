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
	"log/slog"
	"strings"
	"sync"
)

const masked = "***"

// Masker replaces known secret values in log output. Values are
// registered directly or picked up from environment variables whose names
// look like secrets.
type Masker struct {
	mu       sync.RWMutex
	suffixes []string
	secrets  map[string]struct{}
}

// NewMasker creates a Masker with the default secret name suffixes.
func NewMasker() *Masker {
	return &Masker{
		suffixes: []string{"_TOKEN", "_SECRET", "_SECRET_ACCESS_KEY", "_PASSWORD", "_CLIENT_SECRET"},
		secrets:  make(map[string]struct{}),
	}
}

// AddSecret registers a value to be masked. Empty values are ignored.
func (m *Masker) AddSecret(value string) {
	if value == "" {
		return
	}
	m.mu.Lock()
	m.secrets[value] = struct{}{}
	m.mu.Unlock()
}

// AddSecretsFromEnv registers the values of variables in environ
// ("KEY=value" pairs, as from os.Environ) whose names end in a secret
// suffix.
func (m *Masker) AddSecretsFromEnv(environ []string) {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if ok && m.isSecretKey(key) {
			m.AddSecret(value)
		}
	}
}

func (m *Masker) isSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// Mask replaces every registered secret in s.
func (m *Masker) Mask(s string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for secret := range m.secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, masked)
		}
	}
	return s
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr that masks registered
// secrets in string and error values and blanks attributes whose key names
// a credential.
func (m *Masker) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch strings.ToLower(a.Key) {
	case "authorization", "secret_access_key", "session_token", "client_secret", "token":
		return slog.String(a.Key, masked)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, m.Mask(v.String()))
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, m.Mask(err.Error()))
		}
	}
	return a
}
