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
	"log/slog"

	"github.com/tombee/relay/pkg/configbag"
)

// Interceptor observes and modifies a call at each lifecycle hook.
//
// Read hooks should only inspect the call. Modify hooks may mutate the
// pending request or response. Returning an error aborts the call, except
// from the completion hooks, which always run to the end.
//
// Embed BaseInterceptor to implement only the hooks you need.
type Interceptor interface {
	Name() string

	ReadBeforeExecution(cc *CallContext, cfg *configbag.Bag) error
	ModifyBeforeSerialization(cc *CallContext, cfg *configbag.Bag) error
	ReadBeforeSerialization(cc *CallContext, cfg *configbag.Bag) error
	ReadAfterSerialization(cc *CallContext, cfg *configbag.Bag) error
	ModifyBeforeRetryLoop(cc *CallContext, cfg *configbag.Bag) error
	ReadBeforeAttempt(cc *CallContext, cfg *configbag.Bag) error
	ModifyBeforeSigning(cc *CallContext, cfg *configbag.Bag) error
	ReadBeforeSigning(cc *CallContext, cfg *configbag.Bag) error
	ReadAfterSigning(cc *CallContext, cfg *configbag.Bag) error
	ModifyBeforeTransmit(cc *CallContext, cfg *configbag.Bag) error
	ReadBeforeTransmit(cc *CallContext, cfg *configbag.Bag) error
	ReadAfterTransmit(cc *CallContext, cfg *configbag.Bag) error
	ModifyBeforeDeserialization(cc *CallContext, cfg *configbag.Bag) error
	ReadBeforeDeserialization(cc *CallContext, cfg *configbag.Bag) error
	ReadAfterDeserialization(cc *CallContext, cfg *configbag.Bag) error
	ModifyBeforeAttemptCompletion(cc *CallContext, cfg *configbag.Bag) error
	ReadAfterAttempt(cc *CallContext, cfg *configbag.Bag) error
	ModifyBeforeCompletion(cc *CallContext, cfg *configbag.Bag) error
	ReadAfterExecution(cc *CallContext, cfg *configbag.Bag) error
}

// BaseInterceptor implements every hook as a no-op.
type BaseInterceptor struct{}

func (BaseInterceptor) ReadBeforeExecution(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ModifyBeforeSerialization(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadBeforeSerialization(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadAfterSerialization(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ModifyBeforeRetryLoop(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadBeforeAttempt(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ModifyBeforeSigning(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadBeforeSigning(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadAfterSigning(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ModifyBeforeTransmit(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadBeforeTransmit(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadAfterTransmit(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ModifyBeforeDeserialization(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadBeforeDeserialization(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadAfterDeserialization(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ModifyBeforeAttemptCompletion(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadAfterAttempt(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ModifyBeforeCompletion(*CallContext, *configbag.Bag) error { return nil }
func (BaseInterceptor) ReadAfterExecution(*CallContext, *configbag.Bag) error { return nil }

// runHook invokes h on every interceptor in order. All interceptors run even
// when one fails; the last failure is returned and earlier ones are logged.
func runHook(logger *slog.Logger, h Hook, interceptors []Interceptor, cc *CallContext, cfg *configbag.Bag) error {
	var last *CallError
	for _, i := range interceptors {
		err := hooks[h].call(i, cc, cfg)
		if err == nil {
			continue
		}
		if last != nil {
			logger.Debug("interceptor error superseded by a later one",
				"hook", h.String(),
				"interceptor", last.Interceptor,
				"error", last.Err)
		}
		last = &CallError{
			Kind:        KindInterceptor,
			Phase:       cc.Phase(),
			Hook:        h,
			Interceptor: i.Name(),
			Response:    cc.Response(),
			Err:         err,
		}
	}
	if last == nil {
		return nil
	}
	return last
}
