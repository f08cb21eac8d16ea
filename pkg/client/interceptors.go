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
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/relay/pkg/configbag"
	"github.com/tombee/relay/pkg/orchestrator"
	"github.com/tombee/relay/pkg/retry"
)

const (
	// InvocationIDHeader carries an id shared by every attempt of a call.
	InvocationIDHeader = "amz-sdk-invocation-id"
	// RequestInfoHeader tells the service which attempt it is seeing.
	RequestInfoHeader = "amz-sdk-request"
	userAgentHeader   = "User-Agent"
)

// invocationIDInterceptor stamps every call with a fresh id before the
// request is checkpointed, so retries repeat it.
type invocationIDInterceptor struct {
	orchestrator.BaseInterceptor
	newID func() string
}

func newInvocationIDInterceptor(newID func() string) *invocationIDInterceptor {
	if newID == nil {
		newID = uuid.NewString
	}
	return &invocationIDInterceptor{newID: newID}
}

func (*invocationIDInterceptor) Name() string { return "invocation_id" }

func (i *invocationIDInterceptor) ModifyBeforeRetryLoop(cc *orchestrator.CallContext, _ *configbag.Bag) error {
	req := cc.Request()
	if req.Header.Get(InvocationIDHeader) == "" {
		req.Header.Set(InvocationIDHeader, i.newID())
	}
	return nil
}

type requestInfoInterceptor struct {
	orchestrator.BaseInterceptor
}

func (requestInfoInterceptor) Name() string { return "request_info" }

func (requestInfoInterceptor) ModifyBeforeSigning(cc *orchestrator.CallContext, cfg *configbag.Bag) error {
	maxAttempts := configbag.LoadOr(cfg, retry.DefaultConfig()).MaxAttempts
	cc.Request().Header.Set(RequestInfoHeader, fmt.Sprintf("attempt=%d; max=%d", cc.Attempt(), maxAttempts))
	return nil
}

type userAgentInterceptor struct {
	orchestrator.BaseInterceptor
	value string
}

func newUserAgentInterceptor(appName string) *userAgentInterceptor {
	ua := "relay/" + Version
	if appName != "" {
		ua += " app/" + appName
	}
	return &userAgentInterceptor{value: ua}
}

func (*userAgentInterceptor) Name() string { return "user_agent" }

func (u *userAgentInterceptor) ModifyBeforeSigning(cc *orchestrator.CallContext, _ *configbag.Bag) error {
	h := cc.Request().Header
	if existing := h.Get(userAgentHeader); existing != "" {
		h.Set(userAgentHeader, existing+" "+u.value)
		return nil
	}
	h.Set(userAgentHeader, u.value)
	return nil
}
